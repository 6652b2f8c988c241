package memory

import "context"

// Scoped binds a store to one subject's namespace. Analysis code only ever
// holds a Scoped, never the raw store.
type Scoped struct {
	store     Store
	namespace string
}

// For returns a view of store limited to subject's namespace.
func For(store Store, subject string) *Scoped {
	return &Scoped{store: store, namespace: Namespace(subject)}
}

func (s *Scoped) Namespace() string { return s.namespace }

// Remember writes rec into the bound namespace.
func (s *Scoped) Remember(ctx context.Context, rec Record) error {
	return s.store.Write(ctx, s.namespace, rec)
}

// Recall queries the bound namespace.
func (s *Scoped) Recall(ctx context.Context, lookup Lookup) ([]Scored, error) {
	return s.store.Query(ctx, s.namespace, lookup)
}
