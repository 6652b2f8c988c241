package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/embedding"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/ratelimit"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/vectorstore"
)

// EmbeddingClass is the rate-limit class used for embedding calls.
const EmbeddingClass = "embedding"

var ErrEmptyLookup = errors.New("vector memory lookup needs text or a vector")

const (
	payloadNamespace = "namespace"
	payloadKey       = "key"
	payloadText      = "text"
	payloadCreated   = "created_at"
	metaPrefix       = "meta."
)

// VectorIndex is the slice of the Qdrant client the store needs.
type VectorIndex interface {
	Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]string) error
	Search(ctx context.Context, collection string, q vectorstore.Query) ([]*vectorstore.SearchResult, error)
}

// QdrantStore keeps notes in one Qdrant collection. The namespace is stored
// in the payload and every search carries a keyword filter on it.
type QdrantStore struct {
	index      VectorIndex
	embedder   embedding.Provider
	retrier    *ratelimit.Retrier
	collection string
	logger     *zap.Logger
}

// NewQdrantStore wires an index and embedder together. retrier may be nil.
func NewQdrantStore(index VectorIndex, embedder embedding.Provider, retrier *ratelimit.Retrier, collection string, logger *zap.Logger) *QdrantStore {
	return &QdrantStore{
		index:      index,
		embedder:   embedder,
		retrier:    retrier,
		collection: collection,
		logger:     logger,
	}
}

// EnsureQdrant creates the collection and the namespace payload index.
func EnsureQdrant(ctx context.Context, c *vectorstore.Client, collection string, dimension int) error {
	if err := c.EnsureCollection(ctx, collection, uint64(dimension)); err != nil {
		return err
	}
	return c.EnsurePayloadIndex(ctx, collection, payloadNamespace)
}

// PointID derives a stable point id so rewriting a key replaces the point.
func PointID(namespace, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(namespace+"/"+key)).String()
}

func (s *QdrantStore) Write(ctx context.Context, namespace string, rec Record) error {
	if namespace == "" {
		return ErrEmptyNamespace
	}
	if rec.Key == "" {
		rec.Key = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	vec := rec.Vector
	if len(vec) == 0 {
		var err error
		if vec, err = s.embed(ctx, rec.Text); err != nil {
			return err
		}
	}

	payload := map[string]string{
		payloadNamespace: namespace,
		payloadKey:       rec.Key,
		payloadText:      rec.Text,
		payloadCreated:   rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range rec.Metadata {
		payload[metaPrefix+k] = v
	}
	if err := s.index.Upsert(ctx, s.collection, PointID(namespace, rec.Key), vec, payload); err != nil {
		return fmt.Errorf("write memory note %s/%s: %w", namespace, rec.Key, err)
	}
	return nil
}

func (s *QdrantStore) Query(ctx context.Context, namespace string, lookup Lookup) ([]Scored, error) {
	if namespace == "" {
		return nil, ErrEmptyNamespace
	}
	vec := lookup.Vector
	if len(vec) == 0 {
		if lookup.Text == "" {
			return nil, ErrEmptyLookup
		}
		var err error
		if vec, err = s.embed(ctx, lookup.Text); err != nil {
			return nil, err
		}
	}

	found, err := s.index.Search(ctx, s.collection, vectorstore.Query{
		Vector:         vec,
		TopK:           uint64(lookup.limit()),
		Match:          map[string]string{payloadNamespace: namespace},
		ScoreThreshold: float32(lookup.MinScore),
	})
	if err != nil {
		return nil, fmt.Errorf("query memory notes %s: %w", namespace, err)
	}

	hits := make([]Scored, 0, len(found))
	for _, r := range found {
		if r.Payload[payloadNamespace] != namespace {
			s.logger.Warn("dropping memory hit from foreign namespace",
				zap.String("want", namespace),
				zap.String("got", r.Payload[payloadNamespace]),
				zap.String("point", r.ID))
			continue
		}
		hits = append(hits, Scored{Record: fromPayload(r.Payload), Score: float64(r.Score)})
	}
	return rank(hits, lookup), nil
}

func (s *QdrantStore) embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := ratelimit.Call(ctx, s.retrier, EmbeddingClass, func(ctx context.Context) ([][]float32, error) {
		return s.embedder.Embed(ctx, []string{text})
	})
	if err != nil {
		return nil, fmt.Errorf("embed memory text: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, errors.New("embed memory text: empty vector")
	}
	return vecs[0], nil
}

func fromPayload(p map[string]string) Record {
	rec := Record{
		Namespace: p[payloadNamespace],
		Key:       p[payloadKey],
		Text:      p[payloadText],
	}
	if t, err := time.Parse(time.RFC3339Nano, p[payloadCreated]); err == nil {
		rec.CreatedAt = t
	}
	for k, v := range p {
		if name, ok := strings.CutPrefix(k, metaPrefix); ok {
			if rec.Metadata == nil {
				rec.Metadata = make(map[string]string)
			}
			rec.Metadata[name] = v
		}
	}
	return rec
}
