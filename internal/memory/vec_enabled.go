//go:build sqlite_vec && cgo

// This file wires github.com/asg017/sqlite-vec-go-bindings into the
// hypergraph store as an optional ANN prefilter, the same opt-in
// extension idiom as the teacher's internal/store/init_vec.go. It is
// compiled only under the sqlite_vec build tag so a plain `go build`
// still produces a working (lexical-only) binary.
package memory

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	vec.Auto()
}

// vecDimension is the embedding width the ANN index is declared with. It
// must match the configured Embedder's output dimensionality; nodes whose
// embeddings don't match this width are simply skipped by vecIndex and
// fall back to full-scan scoring.
const vecDimension = 768

func (s *Store) vecDetect() bool {
	_, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS node_ann USING vec0(embedding float[768])")
	return err == nil
}

// vecIndex mirrors a node's embedding into the ANN table, keyed by its
// integer seq so a MATCH query's rowid result joins back to nodes.seq.
func (s *Store) vecIndex(seq int64, embedding []float32) {
	if !s.vectorExt || len(embedding) != vecDimension {
		return
	}
	serialized, err := vec.SerializeFloat32(embedding)
	if err != nil {
		return
	}
	_, _ = s.db.Exec("INSERT OR REPLACE INTO node_ann(rowid, embedding) VALUES (?, ?)", seq, serialized)
}

// annCandidates returns up to topK nodes nearest queryEmbedding by the
// vec0 index, narrowing the pool search_content then scores deterministically.
func (s *Store) annCandidates(queryEmbedding []float32, topK int) ([]Node, error) {
	if len(queryEmbedding) != vecDimension {
		return nil, nil
	}
	serialized, err := vec.SerializeFloat32(queryEmbedding)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(
		`SELECT n.id, n.type, n.subtype, n.content, n.embedding, n.tier, n.confidence, n.access_count, n.created_at, n.last_accessed_at, n.provenance
		 FROM node_ann a JOIN nodes n ON n.seq = a.rowid
		 WHERE a.embedding MATCH ? AND k = ?
		 ORDER BY a.distance`, serialized, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
