package module

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"rlmkernel/internal/costs"
	"rlmkernel/internal/llm"
	"rlmkernel/internal/signature"
	"rlmkernel/internal/trajectory"
)

type scriptedClient struct {
	replies []llm.Reply
	calls   int
}

func (c *scriptedClient) Call(ctx context.Context, req llm.CallRequest) (llm.Reply, error) {
	r := c.replies[c.calls]
	c.calls++
	return r, nil
}

func (c *scriptedClient) Batch(ctx context.Context, reqs []llm.CallRequest) ([]llm.Reply, error) {
	out := make([]llm.Reply, len(reqs))
	for i := range reqs {
		r, _ := c.Call(ctx, reqs[i])
		out[i] = r
	}
	return out, nil
}

func testSignature() signature.Signature {
	return signature.Signature{
		Instructions: "answer briefly",
		Inputs:       []signature.FieldSpec{{Name: "question", Type: signature.String(), Required: true}},
		Outputs: []signature.FieldSpec{
			{Name: "summary", Type: signature.String(), Required: true},
			{Name: "score", Type: signature.Float(), Required: true},
		},
	}
}

func TestPredictForwardSuccess(t *testing.T) {
	client := &scriptedClient{replies: []llm.Reply{{Text: `{"summary":"ok","score":0.9}`}}}
	p, err := New("root", testSignature(), client, costs.NewTracker(), trajectory.NewSink())
	require.NoError(t, err)

	out, issues, err := p.Forward(context.Background(), map[string]any{"question": "define ownership"}, ForwardOptions{Tier: costs.TierRoot})
	require.NoError(t, err)
	require.Empty(t, issues)
	require.Equal(t, "ok", out["summary"])
	require.InDelta(t, 0.9, out["score"], 1e-9)
	require.Equal(t, 1, client.calls)
}

func TestPredictForwardRetriesOnceThenSucceeds(t *testing.T) {
	client := &scriptedClient{replies: []llm.Reply{
		{Text: `{"summary":"ok"}`},              // missing score
		{Text: `{"summary":"ok","score":0.5}`}, // repaired
	}}
	p, err := New("root", testSignature(), client, costs.NewTracker(), trajectory.NewSink())
	require.NoError(t, err)

	out, issues, err := p.Forward(context.Background(), map[string]any{"question": "q"}, ForwardOptions{Tier: costs.TierRoot})
	require.NoError(t, err)
	require.Empty(t, issues)
	require.Equal(t, 0.5, out["score"])
	require.Equal(t, 2, client.calls)
}

func TestPredictForwardUnderFallbackSurfacesFirstFailure(t *testing.T) {
	client := &scriptedClient{replies: []llm.Reply{{Text: `{"summary":"ok"}`}}}
	p, err := New("root", testSignature(), client, costs.NewTracker(), trajectory.NewSink())
	require.NoError(t, err)

	_, issues, err := p.Forward(context.Background(), map[string]any{"question": "q"}, ForwardOptions{Tier: costs.TierExtraction, UnderFallback: true})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	require.Equal(t, signature.KindMissingField, issues[0].Kind)
	require.Equal(t, 1, client.calls)
}

func TestPredictForwardFailsFastOnBadInputs(t *testing.T) {
	client := &scriptedClient{}
	p, err := New("root", testSignature(), client, costs.NewTracker(), trajectory.NewSink())
	require.NoError(t, err)

	_, issues, err := p.Forward(context.Background(), map[string]any{}, ForwardOptions{})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	require.Equal(t, signature.KindMissingField, issues[0].Kind)
	require.Equal(t, 0, client.calls)
}

func TestComposeValidatesFieldSatisfaction(t *testing.T) {
	client := &scriptedClient{}
	upstream, err := New("upstream", signature.Signature{
		Instructions: "x",
		Inputs:       []signature.FieldSpec{{Name: "in", Type: signature.String(), Required: true}},
		Outputs:      []signature.FieldSpec{{Name: "count", Type: signature.Integer(), Required: true}},
	}, client, costs.NewTracker(), trajectory.NewSink())
	require.NoError(t, err)

	downstream, err := New("downstream", signature.Signature{
		Instructions: "y",
		Inputs:       []signature.FieldSpec{{Name: "count", Type: signature.Float(), Required: true}},
		Outputs:      []signature.FieldSpec{{Name: "out", Type: signature.String(), Required: true}},
	}, client, costs.NewTracker(), trajectory.NewSink())
	require.NoError(t, err)

	require.NoError(t, upstream.Compose(downstream))
	require.Len(t, upstream.SubModules, 1)
}

func TestComposeRejectsCycle(t *testing.T) {
	client := &scriptedClient{}
	sig := signature.Signature{
		Instructions: "x",
		Inputs:       []signature.FieldSpec{{Name: "v", Type: signature.String(), Required: true}},
		Outputs:      []signature.FieldSpec{{Name: "v", Type: signature.String(), Required: true}},
	}
	a, _ := New("a", sig, client, costs.NewTracker(), trajectory.NewSink())
	b, _ := New("b", sig, client, costs.NewTracker(), trajectory.NewSink())

	require.NoError(t, a.Compose(b))
	require.Error(t, b.Compose(a))
}
