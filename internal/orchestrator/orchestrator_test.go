package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rlmkernel/internal/config"
	"rlmkernel/internal/costs"
	"rlmkernel/internal/llm"
	"rlmkernel/internal/signature"
	"rlmkernel/internal/trajectory"
)

// contentClient routes each call by sniffing the assembled prompt for a
// marker unique to the signature that produced it, since concurrent
// recursive calls make a simple call-index script unreliable.
type contentClient struct {
	mu    sync.Mutex
	calls int

	decompose  func() llm.Reply
	direct     func(prompt string) llm.Reply
	synthesize func() llm.Reply
	extract    func() llm.Reply
}

func (c *contentClient) Call(ctx context.Context, req llm.CallRequest) (llm.Reply, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	prompt := req.Messages[0].Content
	switch {
	case strings.Contains(prompt, "Budget or time has run out") && c.extract != nil:
		return c.extract(), nil
	case strings.Contains(prompt, "Break the query") && c.decompose != nil:
		return c.decompose(), nil
	case strings.Contains(prompt, "Combine the sub-answers") && c.synthesize != nil:
		return c.synthesize(), nil
	default:
		return c.direct(prompt), nil
	}
}

func (c *contentClient) Batch(ctx context.Context, reqs []llm.CallRequest) ([]llm.Reply, error) {
	out := make([]llm.Reply, len(reqs))
	for i := range reqs {
		r, _ := c.Call(ctx, reqs[i])
		out[i] = r
	}
	return out, nil
}

func (c *contentClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func testRootSignature() signature.Signature {
	return signature.Signature{
		Instructions: "Answer the root query with a short verdict.",
		Inputs:       []signature.FieldSpec{{Name: "query", Type: signature.String(), Required: true}},
		Outputs:      []signature.FieldSpec{{Name: "verdict", Type: signature.String(), Required: true}},
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	return cfg
}

func TestRunFastPathSingleCall(t *testing.T) {
	client := &contentClient{
		direct: func(prompt string) llm.Reply {
			return llm.Reply{Text: `{"verdict":"done quickly"}`}
		},
	}
	router := llm.NewRouter(config.DefaultRouterConfig())
	o, err := New(testConfig(), router, client, testRootSignature())
	require.NoError(t, err)

	res, err := o.Run(context.Background(), Query{Text: "quickly tell me the answer"}, RunOptions{})
	require.NoError(t, err)
	require.False(t, res.Partial)
	require.Equal(t, "done quickly", res.Outputs["verdict"])
	require.Equal(t, 1, client.callCount())
}

func TestRunDecomposeThenSynthesize(t *testing.T) {
	client := &contentClient{
		decompose: func() llm.Reply {
			return llm.Reply{Text: `{"sub_queries":[{"text":"a"},{"text":"b"},{"text":"c"}]}`}
		},
		direct: func(prompt string) llm.Reply {
			return llm.Reply{Text: `{"answer":"leaf answer"}`}
		},
		synthesize: func() llm.Reply {
			return llm.Reply{Text: `{"verdict":"combined"}`}
		},
	}
	router := llm.NewRouter(config.DefaultRouterConfig())
	cfg := testConfig()
	// MaxDepth=1: only the root decomposes; the depth-1 children answer directly.
	cfg.ModeProfiles[config.ModeThorough] = config.ModeProfile{
		CostCapUSD: 10, MaxDepth: 1, MaxCalls: 50, WallTimeoutSec: 300, MaxChildren: 5, MaxFanout: 3, SynthesisReserveFraction: 0.2,
	}
	o, err := New(cfg, router, client, testRootSignature())
	require.NoError(t, err)

	trace := trajectory.NewSink()
	res, err := o.Run(context.Background(), Query{Text: "across files, carefully review the architecture"}, RunOptions{Trace: trace})
	require.NoError(t, err)
	require.False(t, res.Partial)
	require.Equal(t, "combined", res.Outputs["verdict"])
	require.NoError(t, trace.ValidateRecursePairing())
}

func TestRunBudgetExhaustionTriggersFallback(t *testing.T) {
	client := &contentClient{
		decompose: func() llm.Reply {
			return llm.Reply{Text: `{"sub_queries":[{"text":"a"},{"text":"b"}]}`}
		},
		direct: func(prompt string) llm.Reply {
			return llm.Reply{Text: `{"answer":"leaf"}`}
		},
		extract: func() llm.Reply {
			return llm.Reply{Text: `{"verdict":"best effort"}`}
		},
	}
	router := llm.NewRouter(config.DefaultRouterConfig())
	cfg := testConfig()
	// MaxCalls=1 forces exhaustion on the very first iteration, before any
	// decompose/synthesize call is attempted.
	cfg.ModeProfiles[config.ModeThorough] = config.ModeProfile{
		CostCapUSD: 10, MaxDepth: 2, MaxCalls: 1, WallTimeoutSec: 300, MaxChildren: 5, MaxFanout: 3, SynthesisReserveFraction: 0.2,
	}
	o, err := New(cfg, router, client, testRootSignature())
	require.NoError(t, err)

	res, err := o.Run(context.Background(), Query{Text: "across files, carefully review the architecture"}, RunOptions{})
	require.NoError(t, err)
	require.True(t, res.Partial)
	require.Equal(t, "best effort", res.Outputs["verdict"])
}

func TestRunMaxDepthZeroDisablesDecomposition(t *testing.T) {
	client := &contentClient{
		direct: func(prompt string) llm.Reply {
			return llm.Reply{Text: `{"verdict":"leaf only"}`}
		},
		decompose: func() llm.Reply {
			t.Fatal("decompose should never be called when max_depth is 0")
			return llm.Reply{}
		},
	}
	router := llm.NewRouter(config.DefaultRouterConfig())
	cfg := testConfig()
	cfg.ModeProfiles[config.ModeThorough] = config.ModeProfile{
		CostCapUSD: 10, MaxDepth: 0, MaxCalls: 10, WallTimeoutSec: 300, MaxChildren: 5, MaxFanout: 3, SynthesisReserveFraction: 0.2,
	}
	o, err := New(cfg, router, client, testRootSignature())
	require.NoError(t, err)

	res, err := o.Run(context.Background(), Query{Text: "across files, carefully review the architecture"}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "leaf only", res.Outputs["verdict"])
	require.Equal(t, 1, client.callCount())
}

func TestRunChildFailureIsolatedFromSiblings(t *testing.T) {
	attempt := 0
	var mu sync.Mutex
	client := &contentClient{
		decompose: func() llm.Reply {
			return llm.Reply{Text: `{"sub_queries":[{"text":"a"},{"text":"b"}]}`}
		},
		direct: func(prompt string) llm.Reply {
			mu.Lock()
			attempt++
			n := attempt
			mu.Unlock()
			if n == 1 {
				return llm.Reply{Text: `not json at all, and no braces either`}
			}
			return llm.Reply{Text: `{"answer":"leaf ok"}`}
		},
		synthesize: func() llm.Reply {
			return llm.Reply{Text: `{"verdict":"synthesized despite one failure"}`}
		},
	}
	router := llm.NewRouter(config.DefaultRouterConfig())
	cfg := testConfig()
	cfg.ModeProfiles[config.ModeThorough] = config.ModeProfile{
		CostCapUSD: 10, MaxDepth: 2, MaxCalls: 50, WallTimeoutSec: 300, MaxChildren: 5, MaxFanout: 1, SynthesisReserveFraction: 0.2,
	}
	o, err := New(cfg, router, client, testRootSignature())
	require.NoError(t, err)

	res, err := o.Run(context.Background(), Query{Text: "across files, carefully review the architecture"}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "synthesized despite one failure", res.Outputs["verdict"])
}

func TestRunCostTrackerReconciliation(t *testing.T) {
	client := &contentClient{
		direct: func(prompt string) llm.Reply {
			return llm.Reply{Text: `{"verdict":"ok"}`, InputTokens: 100, OutputTokens: 50}
		},
	}
	router := llm.NewRouter(config.DefaultRouterConfig())
	tracker := costs.NewTracker()
	o, err := New(testConfig(), router, client, testRootSignature())
	require.NoError(t, err)

	_, err = o.Run(context.Background(), Query{Text: "quickly answer"}, RunOptions{Tracker: tracker})
	require.NoError(t, err)

	var sum float64
	for _, r := range tracker.Records() {
		sum += r.USD
	}
	require.InDelta(t, sum, tracker.TotalUSD(), 1e-9)
}

func TestDecideModeHonorsOverride(t *testing.T) {
	mode, fastPath := DecideMode(nil, 0, config.ActivationConfig{ActivationCutoff: 0.5}, config.ModeThorough)
	require.Equal(t, config.ModeThorough, mode)
	require.False(t, fastPath)
}

func TestDecideModeBelowCutoffIsFastPath(t *testing.T) {
	mode, fastPath := DecideMode(nil, 0.1, config.ActivationConfig{ActivationCutoff: 0.35}, "")
	require.Equal(t, config.ModeFast, mode)
	require.True(t, fastPath)
}

func TestAnalyzeSignalsDetectsArchitectureIntent(t *testing.T) {
	signals := AnalyzeSignals("please redesign the system architecture", nil)
	found := false
	for _, s := range signals {
		if s.Kind == SignalArchitectureIntent {
			found = true
		}
	}
	require.True(t, found)
}

func TestBudgetExhaustedOnCostCap(t *testing.T) {
	b := Budget{CostCapUSD: 1.0, MaxCalls: 100, Deadline: time.Now().Add(time.Hour)}
	require.True(t, b.exhausted(1, 1, 1.0, time.Now()))
	require.False(t, b.exhausted(1, 1, 0.5, time.Now()))
}

func TestChildBudgetSplitsRemainderEqually(t *testing.T) {
	parent := Budget{CostCapUSD: 1.0, MaxCalls: 10}
	child := childBudget(parent, 4, 0.2)
	require.InDelta(t, 0.2, parent.CostCapUSD*0.2, 1e-9)
	require.InDelta(t, (1.0-0.2)/4, child.CostCapUSD, 1e-9)
}

func TestParseSubQueriesRejectsTooMany(t *testing.T) {
	outputs := map[string]any{
		"sub_queries": []any{
			map[string]any{"text": "a"},
			map[string]any{"text": "b"},
			map[string]any{"text": "c"},
		},
	}
	_, err := parseSubQueries(outputs, 2)
	require.Error(t, err)
}

func TestParseSubQueriesAcceptsWithinRange(t *testing.T) {
	outputs := map[string]any{
		"sub_queries": []any{
			map[string]any{"text": "a", "hint": "h1"},
		},
	}
	subs, err := parseSubQueries(outputs, 3)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "h1", subs[0].Hint)
}
