package memory

import (
	"sort"

	"rlmkernel/internal/errs"
)

// AddEdge inserts a hyperedge and its ordered membership rows, atomically:
// every member must reference an existing node or the whole write is
// rolled back, per "a failed write is atomic".
func (s *Store) AddEdge(e Hyperedge) (Hyperedge, error) {
	if e.ID == "" {
		e.ID = newEdgeID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return Hyperedge{}, errs.Wrap(errs.MemoryError, "memory.AddEdge", err)
	}
	defer tx.Rollback()

	for _, m := range e.Members {
		var exists int
		if err := tx.QueryRow(`SELECT 1 FROM nodes WHERE id = ?`, m.NodeID).Scan(&exists); err != nil {
			return Hyperedge{}, errs.New(errs.MemoryError, "memory.AddEdge", "member node "+m.NodeID+" does not exist")
		}
	}

	if _, err := tx.Exec(`INSERT INTO hyperedges (id, type, label, weight) VALUES (?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Label, e.Weight); err != nil {
		return Hyperedge{}, errs.Wrap(errs.MemoryError, "memory.AddEdge", err)
	}

	for _, m := range e.Members {
		if _, err := tx.Exec(
			`INSERT INTO hyperedge_members (edge_id, node_id, role, position) VALUES (?, ?, ?, ?)`,
			e.ID, m.NodeID, m.Role, m.Position,
		); err != nil {
			return Hyperedge{}, errs.Wrap(errs.MemoryError, "memory.AddEdge", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Hyperedge{}, errs.Wrap(errs.MemoryError, "memory.AddEdge", err)
	}
	return e, nil
}

// EdgesFor returns every hyperedge referencing nodeID, with members
// ordered by Position per the membership-ordering invariant.
func (s *Store) EdgesFor(nodeID string) ([]Hyperedge, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT he.id, he.type, he.label, he.weight
		 FROM hyperedges he
		 JOIN hyperedge_members hm ON hm.edge_id = he.id
		 WHERE hm.node_id = ?
		 ORDER BY he.id`, nodeID)
	if err != nil {
		return nil, errs.Wrap(errs.MemoryError, "memory.EdgesFor", err)
	}
	defer rows.Close()

	var edges []Hyperedge
	for rows.Next() {
		var e Hyperedge
		var typ string
		if err := rows.Scan(&e.ID, &typ, &e.Label, &e.Weight); err != nil {
			return nil, errs.Wrap(errs.MemoryError, "memory.EdgesFor", err)
		}
		e.Type = EdgeType(typ)
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.MemoryError, "memory.EdgesFor", err)
	}

	for i := range edges {
		members, err := s.members(edges[i].ID)
		if err != nil {
			return nil, err
		}
		edges[i].Members = members
	}
	return edges, nil
}

func (s *Store) members(edgeID string) ([]Member, error) {
	rows, err := s.db.Query(
		`SELECT node_id, role, position FROM hyperedge_members WHERE edge_id = ?`, edgeID)
	if err != nil {
		return nil, errs.Wrap(errs.MemoryError, "memory.members", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.NodeID, &m.Role, &m.Position); err != nil {
			return nil, errs.Wrap(errs.MemoryError, "memory.members", err)
		}
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Position < members[j].Position })
	return members, rows.Err()
}
