package memory

import (
	"math"
	"sort"
	"strings"
	"time"

	"rlmkernel/internal/errs"
)

// tierWeight favors more durable tiers slightly, the same "closer to
// long-term = more trusted" bias the teacher's cold-storage priority
// column encodes, but as a fixed table rather than a stored priority.
var tierWeight = map[Tier]float64{
	TierTask:     0.0,
	TierSession:  0.05,
	TierLongTerm: 0.1,
	TierArchive:  0.0,
}

const (
	lexicalWeight  = 0.5
	recencyWeight  = 0.2
	tierWeightCoef = 0.1
	semanticWeight = 0.2
	// recencyHalfLife is the duration over which the recency term halves,
	// so a node accessed a week ago still contributes a little.
	recencyHalfLife = 14 * 24 * time.Hour
	// searchScanCap bounds how many candidate rows search_content scores
	// in Go, keeping the scan deterministic and bounded even on a large
	// store; sqlite-vec (when available) narrows the candidate set before
	// this cap is applied rather than after.
	searchScanCap = 5000
)

// SearchOptions controls a search_content call.
type SearchOptions struct {
	// IncludeArchive opts into returning archive-tier nodes, overriding
	// the store-wide default (spec.md §9 Open Question 3).
	IncludeArchive bool
}

// ScoredNode pairs a node with the relevance score that placed it.
type ScoredNode struct {
	Node  Node
	Score float64
}

// SearchContent returns nodes ordered by a deterministic relevance score:
// lexical overlap + recency + tier weight, plus an optional semantic
// cosine term when the node carries an embedding and the query was
// embedded successfully. Ties break by id so results are reproducible
// given the same store and query.
func (s *Store) SearchContent(query string, limit int, opts SearchOptions) ([]ScoredNode, error) {
	if limit <= 0 {
		limit = 10
	}
	queryTerms := tokenize(query)

	var queryEmbedding []float32
	if s.embedder != nil {
		if emb, err := s.embedder.Embed(query); err == nil {
			queryEmbedding = emb
		}
	}

	candidates, err := s.candidates(opts.IncludeArchive, queryEmbedding, limit)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	scored := make([]ScoredNode, 0, len(candidates))
	for _, n := range candidates {
		score := lexicalWeight*lexicalOverlap(queryTerms, n.Content) +
			recencyWeight*recencyScore(n.LastAccessedAt, now) +
			tierWeightCoef*tierWeight[n.Tier]
		if queryEmbedding != nil && len(n.Embedding) == len(queryEmbedding) {
			score += semanticWeight * cosineSimilarity(queryEmbedding, n.Embedding)
		}
		scored = append(scored, ScoredNode{Node: n, Score: score})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Node.ID < scored[j].Node.ID
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// candidates fetches the node pool search_content scores. When sqlite-vec
// is available and the query was embedded, it narrows the pool via ANN
// first and scores only those nodes; when the extension is absent, the
// query has no embedding, or the ANN query fails or finds nothing, it falls
// back to a full scan capped at searchScanCap rows.
func (s *Store) candidates(includeArchive bool, queryEmbedding []float32, limit int) ([]Node, error) {
	if s.vectorExt && queryEmbedding != nil {
		if ann, err := s.annCandidates(queryEmbedding, limit*8); err == nil && len(ann) > 0 {
			return filterArchive(ann, includeArchive), nil
		}
	}

	where := ""
	if !includeArchive {
		where = "WHERE tier != 'archive'"
	}
	rows, err := s.db.Query(
		`SELECT id, type, subtype, content, embedding, tier, confidence, access_count, created_at, last_accessed_at, provenance
		 FROM nodes `+where+` ORDER BY id LIMIT ?`, searchScanCap)
	if err != nil {
		return nil, errs.Wrap(errs.MemoryError, "memory.candidates", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNodeRows(rows)
		if err != nil {
			return nil, errs.Wrap(errs.MemoryError, "memory.candidates", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func filterArchive(nodes []Node, includeArchive bool) []Node {
	if includeArchive {
		return nodes
	}
	out := nodes[:0]
	for _, n := range nodes {
		if n.Tier != TierArchive {
			out = append(out, n)
		}
	}
	return out
}

func tokenize(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[strings.Trim(f, ".,;:!?\"'()[]{}")] = true
	}
	return set
}

// lexicalOverlap is the fraction of query terms present in content,
// a plain Jaccard-style overlap rather than a full-text engine, so
// scoring is exact and reproducible without an external index.
func lexicalOverlap(queryTerms map[string]bool, content string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	contentTerms := tokenize(content)
	hits := 0
	for t := range queryTerms {
		if contentTerms[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTerms))
}

// recencyScore decays exponentially with recencyHalfLife, in [0, 1].
func recencyScore(lastAccessed, now time.Time) float64 {
	age := now.Sub(lastAccessed)
	if age < 0 {
		age = 0
	}
	return math.Exp(-math.Ln2 * float64(age) / float64(recencyHalfLife))
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
