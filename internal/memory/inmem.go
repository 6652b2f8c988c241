package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore partitions records by namespace in a map, so a query can only
// ever see its own partition.
type InMemoryStore struct {
	mu     sync.RWMutex
	spaces map[string][]Record
	now    func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{spaces: make(map[string][]Record), now: time.Now}
}

// Write stores rec under namespace, replacing any record with the same key.
func (s *InMemoryStore) Write(_ context.Context, namespace string, rec Record) error {
	if namespace == "" {
		return ErrEmptyNamespace
	}
	rec.Namespace = namespace
	if rec.Key == "" {
		rec.Key = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.Metadata = copyMeta(rec.Metadata)

	s.mu.Lock()
	defer s.mu.Unlock()
	space := s.spaces[namespace]
	for i := range space {
		if space[i].Key == rec.Key {
			space[i] = rec
			return nil
		}
	}
	s.spaces[namespace] = append(space, rec)
	return nil
}

func (s *InMemoryStore) Query(_ context.Context, namespace string, lookup Lookup) ([]Scored, error) {
	if namespace == "" {
		return nil, ErrEmptyNamespace
	}
	s.mu.RLock()
	space := s.spaces[namespace]
	hits := make([]Scored, 0, len(space))
	for _, rec := range space {
		rec.Metadata = copyMeta(rec.Metadata)
		hits = append(hits, Scored{Record: rec, Score: score(rec, lookup)})
	}
	s.mu.RUnlock()
	return rank(hits, lookup), nil
}

// Namespaces lists namespaces that have at least one record.
func (s *InMemoryStore) Namespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.spaces))
	for ns := range s.spaces {
		out = append(out, ns)
	}
	return out
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
