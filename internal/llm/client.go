// Package llm implements the provider-neutral LLM call surface (Client) and
// the depth/tier-aware model selection matrix (Router). The client's rate
// limiting and structured-output request shape are grounded on the
// teacher's internal/perception (ZAIClient); the embedding batch-chunking
// idiom is grounded on internal/embedding/genai.go; concurrent order-
// preserving batch dispatch is grounded on the rand-recurse SubCallRouter's
// BatchCall, generalized from sequential to bounded-parallel.
package llm

import (
	"context"

	"golang.org/x/sync/semaphore"

	"rlmkernel/internal/errs"
)

// Message is one turn in a chat-shaped prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CallRequest carries everything the client contract allows: model id,
// messages, stop sequences, and an optional structured-output schema.
type CallRequest struct {
	ModelID       string
	Messages      []Message
	StopSequences []string
	Schema        map[string]any // optional JSON schema for structured output
	MaxTokens     int
	Temperature   float64
	TopP          float64
}

// Reply is one model response. Mixed success/failure within a Batch call is
// explicit per reply: Err is non-nil on a failed reply, never a panic or a
// short result slice.
type Reply struct {
	Text         string
	InputTokens  int
	OutputTokens int
	FinishReason string
	Err          error
}

// Client is the provider-neutral call surface every LLM-backed collaborator
// in this module depends on through this interface, never a concrete
// provider type.
type Client interface {
	// Call executes a single request.
	Call(ctx context.Context, req CallRequest) (Reply, error)
	// Batch executes requests concurrently up to an internal parallelism
	// cap and returns a reply slice of the same length as reqs, with
	// replies[i] corresponding to reqs[i] regardless of completion order.
	Batch(ctx context.Context, reqs []CallRequest) ([]Reply, error)
}

// batchDispatch is the shared order-preserving concurrent dispatch helper
// used by every Client implementation's Batch method.
func batchDispatch(ctx context.Context, parallelism int, reqs []CallRequest, call func(context.Context, CallRequest) (Reply, error)) ([]Reply, error) {
	if parallelism < 1 {
		parallelism = 1
	}
	replies := make([]Reply, len(reqs))
	sem := semaphore.NewWeighted(int64(parallelism))

	type result struct {
		idx   int
		reply Reply
	}
	results := make(chan result, len(reqs))

	for i, req := range reqs {
		i, req := i, req
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context already done; fail this and all remaining requests
			// explicitly rather than blocking forever.
			results <- result{idx: i, reply: Reply{Err: errs.Wrap(errs.Cancelled, "llm.batch", err)}}
			continue
		}
		go func() {
			defer sem.Release(1)
			reply, err := call(ctx, req)
			if err != nil {
				reply.Err = err
			}
			results <- result{idx: i, reply: reply}
		}()
	}

	for range reqs {
		r := <-results
		replies[r.idx] = r.reply
	}
	return replies, nil
}
