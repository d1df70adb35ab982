//go:build !sqlite_vec || !cgo

// Default build: no sqlite-vec extension. search_content still works, it
// just always scores the full (capped) candidate scan in Go rather than
// narrowing with an ANN prefilter first.
package memory

func (s *Store) vecDetect() bool                        { return false }
func (s *Store) vecIndex(seq int64, embedding []float32) {}
func (s *Store) annCandidates(queryEmbedding []float32, topK int) ([]Node, error) {
	return nil, nil
}
