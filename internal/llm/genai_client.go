// GenAIClient is the default provider-backed Client, wired against
// google.golang.org/genai the same way the teacher's embedding engine wires
// it (internal/embedding/genai.go): one *genai.Client per process, built
// from an API key when NewGenAIClient is called. Its rate limiting and retry-on-429 behavior are
// grounded on the teacher's raw-HTTP Gemini client (internal/perception/
// client_gemini.go), generalized from a single fixed model to whatever
// ModelID a CallRequest names, since one GenAIClient instance backs every
// tier's calls.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"rlmkernel/internal/errs"
	"rlmkernel/internal/logging"
)

// GenAIClient implements Client against the Gemini family of models via the
// official SDK.
type GenAIClient struct {
	client      *genai.Client
	parallelism int

	mu          sync.Mutex
	lastRequest time.Time
}

// NewGenAIClient builds a client from an API key. parallelism bounds the
// concurrency of Batch calls; callers typically pass config.RouterConfig's
// BatchParallel.
func NewGenAIClient(ctx context.Context, apiKey string, parallelism int) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, errs.New(errs.ConfigError, "llm.NewGenAIClient", "API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, errs.Wrap(errs.LLMError, "llm.NewGenAIClient", err)
	}
	return &GenAIClient{client: client, parallelism: parallelism}, nil
}

// rateLimit enforces a minimum spacing between outbound requests, mirroring
// the 100ms floor the teacher's Gemini HTTP client applies.
func (c *GenAIClient) rateLimit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
}

func toGenaiContents(messages []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := genai.RoleUser
		if strings.EqualFold(m.Role, "model") || strings.EqualFold(m.Role, "assistant") {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents
}

// Call issues a single generateContent request, retrying up to 3 times on
// rate-limit responses with exponential backoff, matching the teacher's
// Gemini client's retry loop.
func (c *GenAIClient) Call(ctx context.Context, req CallRequest) (Reply, error) {
	c.rateLimit()

	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(req.Temperature)),
		TopP:             genai.Ptr(float32(req.TopP)),
		StopSequences:    req.StopSequences,
		MaxOutputTokens:  int32(req.MaxTokens),
	}
	if req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
	}

	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(1<<uint(attempt-1)) * time.Second)
		}

		result, err := c.client.Models.GenerateContent(ctx, req.ModelID, toGenaiContents(req.Messages), cfg)
		if err != nil {
			lastErr = err
			if strings.Contains(strings.ToLower(err.Error()), "429") || strings.Contains(strings.ToLower(err.Error()), "rate") {
				continue
			}
			logging.Get(logging.CategoryRouter).Error("genai call failed model=%s: %v", req.ModelID, err)
			return Reply{}, errs.Wrap(errs.LLMError, "llm.Call", err)
		}

		reply := Reply{
			Text:         result.Text(),
			FinishReason: firstFinishReason(result),
		}
		if result.UsageMetadata != nil {
			reply.InputTokens = int(result.UsageMetadata.PromptTokenCount)
			reply.OutputTokens = int(result.UsageMetadata.CandidatesTokenCount)
		}
		return reply, nil
	}

	return Reply{}, errs.Wrap(errs.LLMError, "llm.Call", fmt.Errorf("max retries exceeded: %w", lastErr))
}

func firstFinishReason(result *genai.GenerateContentResponse) string {
	if result == nil || len(result.Candidates) == 0 {
		return ""
	}
	return string(result.Candidates[0].FinishReason)
}

// Batch dispatches every request concurrently through batchDispatch, bounded
// by the client's configured parallelism.
func (c *GenAIClient) Batch(ctx context.Context, reqs []CallRequest) ([]Reply, error) {
	return batchDispatch(ctx, c.parallelism, reqs, c.Call)
}
