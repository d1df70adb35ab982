package orchestrator

import (
	"fmt"

	"rlmkernel/internal/errs"
)

// SubQuery is one sub-query produced by decomposition, with an optional hint
// guiding the child's execution.
type SubQuery struct {
	Text string
	Hint string
}

// parseSubQueries extracts []SubQuery from a decompose Predict call's
// validated outputs, enforcing 1 <= len <= maxChildren (spec.md §4.1 step
// 4: "Enforce 1 ≤ N ≤ max_children; reject illegal decompositions; on
// rejection, collapse to fast path").
func parseSubQueries(outputs map[string]any, maxChildren int) ([]SubQuery, error) {
	raw, ok := outputs["sub_queries"]
	if !ok {
		return nil, errs.New(errs.ValidationError, "orchestrator.parseSubQueries", "missing sub_queries")
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, errs.New(errs.ValidationError, "orchestrator.parseSubQueries", "sub_queries is not a list")
	}
	if len(items) < 1 || len(items) > maxChildren {
		return nil, errs.New(errs.ValidationError, "orchestrator.parseSubQueries", fmt.Sprintf("decomposition produced %d sub-queries, want 1..%d", len(items), maxChildren))
	}

	subs := make([]SubQuery, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, errs.New(errs.ValidationError, "orchestrator.parseSubQueries", "sub_query entry is not an object")
		}
		text, _ := obj["text"].(string)
		if text == "" {
			return nil, errs.New(errs.ValidationError, "orchestrator.parseSubQueries", "sub_query entry missing text")
		}
		hint, _ := obj["hint"].(string)
		subs = append(subs, SubQuery{Text: text, Hint: hint})
	}
	return subs, nil
}
