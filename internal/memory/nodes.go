package memory

import (
	"database/sql"
	"errors"
	"time"

	"rlmkernel/internal/errs"
	"rlmkernel/internal/logging"
)

// AddNode inserts a new node, assigning a stable id if Node.ID is empty and
// stamping CreatedAt/LastAccessedAt if zero. Embedding is computed from
// Content via the configured Embedder when the caller leaves it nil and an
// Embedder is present; embedding failure is logged, not fatal, since
// search_content degrades gracefully to lexical scoring.
func (s *Store) AddNode(n Node) (Node, error) {
	if n.ID == "" {
		n.ID = newNodeID()
	}
	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.LastAccessedAt.IsZero() {
		n.LastAccessedAt = now
	}
	if n.Embedding == nil && s.embedder != nil {
		if emb, err := s.embedder.Embed(n.Content); err != nil {
			logging.Get(logging.CategoryMemory).Warn("embed failed for node %s: %v", n.ID, err)
		} else {
			n.Embedding = emb
		}
	}

	provJSON, err := marshalProvenance(n.Provenance)
	if err != nil {
		return Node{}, errs.Wrap(errs.MemoryError, "memory.AddNode", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`INSERT INTO nodes (id, type, subtype, content, embedding, tier, confidence, access_count, created_at, last_accessed_at, provenance)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, string(n.Type), n.Subtype, n.Content, marshalEmbedding(n.Embedding), string(n.Tier),
		n.Confidence, n.AccessCount, n.CreatedAt, n.LastAccessedAt, provJSON,
	)
	if err != nil {
		return Node{}, errs.Wrap(errs.MemoryError, "memory.AddNode", err)
	}
	if seq, idErr := res.LastInsertId(); idErr == nil {
		s.vecIndex(seq, n.Embedding)
	}
	return n, nil
}

// GetNode reads one node by id. Reads never mutate: access_count/
// last_accessed_at are bumped only by explicit Touch, not by GetNode,
// matching "a node is never promoted automatically inside get_node".
func (s *Store) GetNode(id string) (Node, bool, error) {
	row := s.db.QueryRow(
		`SELECT id, type, subtype, content, embedding, tier, confidence, access_count, created_at, last_accessed_at, provenance
		 FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, false, nil
	}
	if err != nil {
		return Node{}, false, errs.Wrap(errs.MemoryError, "memory.GetNode", err)
	}
	return n, true, nil
}

// Touch records an access: increments access_count and stamps
// last_accessed_at, the explicit operation promotion eligibility reads
// from (never an implicit side effect of GetNode).
func (s *Store) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE nodes SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		time.Now(), id,
	)
	if err != nil {
		return errs.Wrap(errs.MemoryError, "memory.Touch", err)
	}
	return checkAffected(res, "memory.Touch", id)
}

// UpdateNode overwrites a node's mutable fields (content, embedding,
// confidence, provenance). Tier transitions go through Promote/Decay, not
// UpdateNode, so the tier monotonicity invariant has one enforcement point.
func (s *Store) UpdateNode(n Node) error {
	provJSON, err := marshalProvenance(n.Provenance)
	if err != nil {
		return errs.Wrap(errs.MemoryError, "memory.UpdateNode", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE nodes SET content = ?, embedding = ?, subtype = ?, confidence = ?, provenance = ? WHERE id = ?`,
		n.Content, marshalEmbedding(n.Embedding), n.Subtype, n.Confidence, provJSON, n.ID,
	)
	if err != nil {
		return errs.Wrap(errs.MemoryError, "memory.UpdateNode", err)
	}
	return checkAffected(res, "memory.UpdateNode", n.ID)
}

// DeleteNode removes a node and any hyperedge memberships referencing it,
// atomically: both statements run in a single transaction so a failure
// cannot leave a dangling membership row.
func (s *Store) DeleteNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.MemoryError, "memory.DeleteNode", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM hyperedge_members WHERE node_id = ?`, id); err != nil {
		return errs.Wrap(errs.MemoryError, "memory.DeleteNode", err)
	}
	res, err := tx.Exec(`DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return errs.Wrap(errs.MemoryError, "memory.DeleteNode", err)
	}
	if err := checkAffected(res, "memory.DeleteNode", id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.MemoryError, "memory.DeleteNode", err)
	}
	return nil
}

// QueryByType returns every node of the given type, ordered by id for
// determinism.
func (s *Store) QueryByType(t NodeType) ([]Node, error) {
	return s.queryNodes(`WHERE type = ? ORDER BY id`, string(t))
}

// QueryByTier returns every node in the given tier, ordered by id.
func (s *Store) QueryByTier(tier Tier) ([]Node, error) {
	return s.queryNodes(`WHERE tier = ? ORDER BY id`, string(tier))
}

func (s *Store) queryNodes(whereAndOrder string, args ...any) ([]Node, error) {
	rows, err := s.db.Query(
		`SELECT id, type, subtype, content, embedding, tier, confidence, access_count, created_at, last_accessed_at, provenance
		 FROM nodes `+whereAndOrder, args...)
	if err != nil {
		return nil, errs.Wrap(errs.MemoryError, "memory.queryNodes", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNodeRows(rows)
		if err != nil {
			return nil, errs.Wrap(errs.MemoryError, "memory.queryNodes", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanNode(row scannable) (Node, error) {
	return scanNodeRows(row)
}

func scanNodeRows(row scannable) (Node, error) {
	var n Node
	var typ, tier string
	var embedding []byte
	var prov sql.NullString
	err := row.Scan(&n.ID, &typ, &n.Subtype, &n.Content, &embedding, &tier, &n.Confidence,
		&n.AccessCount, &n.CreatedAt, &n.LastAccessedAt, &prov)
	if err != nil {
		return Node{}, err
	}
	n.Type = NodeType(typ)
	n.Tier = Tier(tier)
	n.Embedding = unmarshalEmbedding(embedding)
	n.Provenance = unmarshalProvenance(prov)
	return n, nil
}

func checkAffected(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.MemoryError, op, err)
	}
	if n == 0 {
		return errs.New(errs.MemoryError, op, "no node with id "+id)
	}
	return nil
}
