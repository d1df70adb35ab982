// Package memory implements the hypergraph memory named in the data
// model: a durable keyed store of nodes and typed hyperedges, with tier
// lifecycle and decay/promotion. It is grounded on the teacher's
// internal/store (local_core.go's SQLite schema/pragma setup and
// detectVecExtension idiom, local_graph.go's entity/relation table
// generalized from binary relations to ordered N-ary hyperedges,
// local_vector.go's keyword-scan recall generalized into the deterministic
// relevance scoring search_content requires), narrowed from the teacher's
// fact/shard domain to the node/hyperedge/tier shape this spec names.
//
// sqlite-vec (github.com/asg017/sqlite-vec-go-bindings) is wired as an
// optional ANN prefilter behind the sqlite_vec build tag, the same
// opt-in-extension pattern as the teacher's init_vec.go; ranking itself
// always finishes in Go so two runs over an unchanged store produce the
// same ordering. With the extension loaded, the ANN prefilter decides which
// nodes are scored, so results can differ from a build without it.
package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/google/uuid"

	"rlmkernel/internal/errs"
	"rlmkernel/internal/logging"
)

// Tier is a memory node's lifecycle stage. Promotion only ever moves a
// node one step forward along task -> session -> long_term -> archive;
// decay may jump a node directly to archive.
type Tier string

const (
	TierTask      Tier = "task"
	TierSession   Tier = "session"
	TierLongTerm  Tier = "long_term"
	TierArchive   Tier = "archive"
)

// NodeType is the closed set of node kinds named in the data model.
type NodeType string

const (
	NodeEntity     NodeType = "entity"
	NodeFact       NodeType = "fact"
	NodeExperience NodeType = "experience"
	NodeDecision   NodeType = "decision"
	NodeSnippet    NodeType = "snippet"
)

// Node is one hypergraph memory node.
type Node struct {
	ID             string
	Type           NodeType
	Subtype        string
	Content        string
	Embedding      []float32
	Tier           Tier
	Confidence     float64
	AccessCount    int
	CreatedAt      time.Time
	LastAccessedAt time.Time
	Provenance     map[string]any
}

// EdgeType is the hyperedge kind; open-ended, unlike Tier/NodeType, since
// callers coin relation names freely (e.g. "caused-by", "supports").
type EdgeType string

// Member is one node's role within a hyperedge, ordered by Position.
type Member struct {
	NodeID   string
	Role     string
	Position int
}

// Hyperedge is a labeled, weighted relation over an ordered set of nodes.
type Hyperedge struct {
	ID      string
	Type    EdgeType
	Label   string
	Weight  float64
	Members []Member
}

// Embedder produces a semantic embedding for a content string, used by
// search_content's optional semantic scoring term. Store works without one
// (lexical-only scoring); memory never constructs a concrete provider
// itself, matching "no implicit global state" (spec.md Design Notes).
type Embedder interface {
	Embed(text string) ([]float32, error)
}

// Store is the hypergraph memory's durable backing, one SQLite database
// per session/workspace. All writes are serialized by db (SetMaxOpenConns
// 1, the same single-writer discipline as the teacher's LocalStore) so a
// failed write cannot leave the store partially updated.
type Store struct {
	db        *sql.DB
	mu        sync.Mutex
	path      string
	embedder  Embedder
	vectorExt bool
}

// Open initializes (creating if absent) the hypergraph database at path.
// embedder may be nil, in which case search_content scores lexically only.
func Open(path string, embedder Embedder) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errs.Wrap(errs.MemoryError, "memory.Open", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.Wrap(errs.MemoryError, "memory.Open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Get(logging.CategoryMemory).Warn("pragma failed %q: %v", pragma, err)
		}
	}

	s := &Store{db: db, path: path, embedder: embedder}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.MemoryError, "memory.Open", err)
	}
	s.vectorExt = s.vecDetect()
	logging.Get(logging.CategoryMemory).Info("memory store opened at %s (vector_ext=%v)", path, s.vectorExt)
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		seq              INTEGER PRIMARY KEY AUTOINCREMENT,
		id               TEXT NOT NULL UNIQUE,
		type             TEXT NOT NULL,
		subtype          TEXT,
		content          TEXT NOT NULL,
		embedding        BLOB,
		tier             TEXT NOT NULL,
		confidence       REAL NOT NULL,
		access_count     INTEGER NOT NULL DEFAULT 0,
		created_at       DATETIME NOT NULL,
		last_accessed_at DATETIME NOT NULL,
		provenance       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_type_tier ON nodes(type, tier);
	CREATE INDEX IF NOT EXISTS idx_nodes_tier_accessed ON nodes(tier, last_accessed_at);
	CREATE INDEX IF NOT EXISTS idx_nodes_content ON nodes(content);

	CREATE TABLE IF NOT EXISTS hyperedges (
		id     TEXT PRIMARY KEY,
		type   TEXT NOT NULL,
		label  TEXT,
		weight REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS hyperedge_members (
		edge_id  TEXT NOT NULL REFERENCES hyperedges(id),
		node_id  TEXT NOT NULL REFERENCES nodes(id),
		role     TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (edge_id, position)
	);
	CREATE INDEX IF NOT EXISTS idx_edge_members_node ON hyperedge_members(node_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stats reports aggregate counts, grounded on the teacher's
// LocalStore.GetStats / MaintenanceCleanup summary.
type Stats struct {
	NodeCount     int            `json:"node_count"`
	EdgeCount     int            `json:"edge_count"`
	ByTier        map[Tier]int   `json:"by_tier"`
	ByType        map[NodeType]int `json:"by_type"`
	VectorExt     bool           `json:"vector_ext"`
}

// GetStats computes store-wide aggregates; a read, never mutates.
func (s *Store) GetStats() (Stats, error) {
	stats := Stats{ByTier: make(map[Tier]int), ByType: make(map[NodeType]int), VectorExt: s.vectorExt}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM nodes").Scan(&stats.NodeCount); err != nil {
		return stats, errs.Wrap(errs.MemoryError, "memory.GetStats", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM hyperedges").Scan(&stats.EdgeCount); err != nil {
		return stats, errs.Wrap(errs.MemoryError, "memory.GetStats", err)
	}

	rows, err := s.db.Query("SELECT tier, COUNT(*) FROM nodes GROUP BY tier")
	if err != nil {
		return stats, errs.Wrap(errs.MemoryError, "memory.GetStats", err)
	}
	for rows.Next() {
		var tier string
		var count int
		if err := rows.Scan(&tier, &count); err != nil {
			rows.Close()
			return stats, errs.Wrap(errs.MemoryError, "memory.GetStats", err)
		}
		stats.ByTier[Tier(tier)] = count
	}
	rows.Close()

	rows, err = s.db.Query("SELECT type, COUNT(*) FROM nodes GROUP BY type")
	if err != nil {
		return stats, errs.Wrap(errs.MemoryError, "memory.GetStats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			return stats, errs.Wrap(errs.MemoryError, "memory.GetStats", err)
		}
		stats.ByType[NodeType(typ)] = count
	}
	return stats, nil
}

func newNodeID() string { return uuid.NewString() }
func newEdgeID() string { return uuid.NewString() }

func marshalProvenance(p map[string]any) (string, error) {
	if p == nil {
		return "", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal provenance: %w", err)
	}
	return string(data), nil
}

func unmarshalProvenance(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var p map[string]any
	if err := json.Unmarshal([]byte(raw.String), &p); err != nil {
		return nil
	}
	return p
}

func marshalEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	data, _ := json.Marshal(v)
	return data
}

func unmarshalEmbedding(raw []byte) []float32 {
	if len(raw) == 0 {
		return nil
	}
	var v []float32
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
