// Package vectorstore is a thin gRPC client for the Qdrant operations the
// memory store needs: collection setup, point upserts and filtered search.
package vectorstore

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type Client struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
}

// NewClient does not dial eagerly; the first RPC surfaces connection errors.
func NewClient(cfg QdrantConfig) (*Client, error) {
	target := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant %s: %w", target, err)
	}
	return &Client{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
	}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// unreachable reports gRPC failures that say nothing about whether the
// collection exists.
func unreachable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.Unauthenticated, codes.PermissionDenied:
		return true
	}
	return false
}

// EnsureCollection creates a cosine collection of the given size unless one
// already exists under that name.
func (c *Client) EnsureCollection(ctx context.Context, name string, size uint64) error {
	_, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	switch {
	case err == nil:
		return nil
	case unreachable(err):
		return fmt.Errorf("qdrant collection %s: %w", name, err)
	}
	params := &pb.VectorParams{Size: size, Distance: pb.Distance_Cosine}
	_, err = c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig:  &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{Params: params}},
	})
	if err != nil {
		return fmt.Errorf("qdrant create %s: %w", name, err)
	}
	return nil
}

// EnsurePayloadIndex adds a keyword index on field. Qdrant treats a repeat
// as a no-op.
func (c *Client) EnsurePayloadIndex(ctx context.Context, collection, field string) error {
	kind := pb.FieldType_FieldTypeKeyword
	_, err := c.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: collection,
		FieldName:      field,
		FieldType:      &kind,
	})
	if err != nil {
		return fmt.Errorf("qdrant index %s.%s: %w", collection, field, err)
	}
	return nil
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

// Upsert writes one point keyed by a UUID string. Only string payload
// values are supported.
func (c *Client) Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]string) error {
	point := &pb.PointStruct{
		Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
		Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vector}}},
		Payload: make(map[string]*pb.Value, len(payload)),
	}
	for k, v := range payload {
		point.Payload[k] = stringValue(v)
	}
	wait := true
	if _, err := c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         []*pb.PointStruct{point},
	}); err != nil {
		return fmt.Errorf("qdrant upsert %s/%s: %w", collection, id, err)
	}
	return nil
}

// Query is a nearest-neighbour search narrowed by exact keyword matches on
// payload fields. All of Match must hold.
type Query struct {
	Vector         []float32
	TopK           uint64
	Match          map[string]string
	ScoreThreshold float32
}

type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// Search runs q against collection. The filter is applied server side before
// scoring, so TopK counts only matching points.
func (c *Client) Search(ctx context.Context, collection string, q Query) ([]*SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: collection,
		Vector:         q.Vector,
		Limit:          q.TopK,
		Filter:         keywordFilter(q.Match),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if q.ScoreThreshold > 0 {
		req.ScoreThreshold = &q.ScoreThreshold
	}
	resp, err := c.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant search %s: %w", collection, err)
	}
	out := make([]*SearchResult, len(resp.GetResult()))
	for i, p := range resp.GetResult() {
		out[i] = &SearchResult{ID: p.GetId().GetUuid(), Score: p.GetScore(), Payload: stringPayload(p.GetPayload())}
	}
	return out, nil
}

// stringPayload drops non-string values; Upsert never writes any.
func stringPayload(in map[string]*pb.Value) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.GetKind().(*pb.Value_StringValue); ok {
			out[k] = s.StringValue
		}
	}
	return out
}

// keywordFilter builds a must-all filter with conditions in key order so the
// request is deterministic.
func keywordFilter(match map[string]string) *pb.Filter {
	if len(match) == 0 {
		return nil
	}
	keys := make([]string, 0, len(match))
	for k := range match {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	f := &pb.Filter{Must: make([]*pb.Condition, len(keys))}
	for i, k := range keys {
		f.Must[i] = &pb.Condition{ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
			Key:   k,
			Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: match[k]}},
		}}}
	}
	return f
}
