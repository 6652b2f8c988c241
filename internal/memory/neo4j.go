package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Neo4jStore keeps notes as (:MemoryNote) nodes hanging off one (:Namespace)
// node per subject. Every query matches on the namespace property, so the
// filter is part of candidate selection.
type Neo4jStore struct {
	driver neo4j.DriverWithContext
	scan   int
	logger *zap.Logger
}

// NewNeo4jStore connects to Neo4j. scan caps how many recent notes of a
// namespace are scored per query.
func NewNeo4jStore(uri, user, password string, logger *zap.Logger) (*Neo4jStore, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Neo4jStore{driver: driver, scan: 200, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the uniqueness constraint and lookup index.
func (s *Neo4jStore) EnsureSchema(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	stmts := []string{
		`CREATE CONSTRAINT namespace_name IF NOT EXISTS FOR (n:Namespace) REQUIRE n.name IS UNIQUE`,
		`CREATE INDEX memory_note_ns IF NOT EXISTS FOR (m:MemoryNote) ON (m.namespace, m.key)`,
	}
	for _, stmt := range stmts {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("neo4j schema: %w", err)
		}
	}
	return nil
}

func (s *Neo4jStore) Write(ctx context.Context, namespace string, rec Record) error {
	if namespace == "" {
		return ErrEmptyNamespace
	}
	if rec.Key == "" {
		rec.Key = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err = session.Run(ctx,
		`MERGE (n:Namespace {name: $ns})
		 MERGE (m:MemoryNote {namespace: $ns, key: $key})
		 SET m.text = $text, m.metadata = $meta, m.created_at = $createdAt
		 MERGE (n)-[:HOLDS]->(m)`,
		map[string]interface{}{
			"ns":        namespace,
			"key":       rec.Key,
			"text":      rec.Text,
			"meta":      string(meta),
			"createdAt": rec.CreatedAt.UnixMilli(),
		})
	if err != nil {
		return fmt.Errorf("write memory note %s/%s: %w", namespace, rec.Key, err)
	}
	return nil
}

func (s *Neo4jStore) Query(ctx context.Context, namespace string, lookup Lookup) ([]Scored, error) {
	if namespace == "" {
		return nil, ErrEmptyNamespace
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (m:MemoryNote {namespace: $ns})
		 RETURN m.key AS key, m.text AS text, m.metadata AS meta, m.created_at AS created
		 ORDER BY m.created_at DESC LIMIT $scan`,
		map[string]interface{}{"ns": namespace, "scan": s.scan})
	if err != nil {
		return nil, fmt.Errorf("query memory notes %s: %w", namespace, err)
	}

	var hits []Scored
	for result.Next(ctx) {
		row := result.Record()
		rec := Record{Namespace: namespace}
		if v, ok := row.Get("key"); ok && v != nil {
			rec.Key = v.(string)
		}
		if v, ok := row.Get("text"); ok && v != nil {
			rec.Text = v.(string)
		}
		if v, ok := row.Get("meta"); ok && v != nil {
			if err := json.Unmarshal([]byte(v.(string)), &rec.Metadata); err != nil {
				s.logger.Debug("bad memory metadata", zap.String("key", rec.Key), zap.Error(err))
			}
		}
		if v, ok := row.Get("created"); ok && v != nil {
			rec.CreatedAt = time.UnixMilli(v.(int64))
		}
		hits = append(hits, Scored{Record: rec, Score: score(rec, lookup)})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read memory notes %s: %w", namespace, err)
	}
	return rank(hits, lookup), nil
}
