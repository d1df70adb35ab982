package llm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClient calls in-process, used to exercise batchDispatch without a
// network dependency.
type fakeClient struct {
	delay func(i int) time.Duration
	fail  map[int]bool
}

func (f *fakeClient) Call(ctx context.Context, req CallRequest) (Reply, error) {
	return Reply{Text: req.ModelID}, nil
}

func (f *fakeClient) Batch(ctx context.Context, reqs []CallRequest) ([]Reply, error) {
	return batchDispatch(ctx, 4, reqs, func(ctx context.Context, req CallRequest) (Reply, error) {
		idx := 0
		fmt.Sscanf(req.ModelID, "m%d", &idx)
		if f.delay != nil {
			select {
			case <-time.After(f.delay(idx)):
			case <-ctx.Done():
				return Reply{}, ctx.Err()
			}
		}
		if f.fail != nil && f.fail[idx] {
			return Reply{}, fmt.Errorf("synthetic failure at %d", idx)
		}
		return Reply{Text: req.ModelID}, nil
	})
}

func TestBatchDispatchPreservesOrderDespiteVariableLatency(t *testing.T) {
	reqs := make([]CallRequest, 8)
	for i := range reqs {
		reqs[i] = CallRequest{ModelID: fmt.Sprintf("m%d", i)}
	}

	fc := &fakeClient{delay: func(i int) time.Duration {
		// reverse-order completion: later indices finish first
		return time.Duration(len(reqs)-i) * time.Millisecond
	}}

	replies, err := fc.Batch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, replies, len(reqs))
	for i, r := range replies {
		require.Equal(t, fmt.Sprintf("m%d", i), r.Text)
	}
}

func TestBatchDispatchReportsPerReplyFailure(t *testing.T) {
	reqs := []CallRequest{{ModelID: "m0"}, {ModelID: "m1"}, {ModelID: "m2"}}
	fc := &fakeClient{fail: map[int]bool{1: true}}

	replies, err := fc.Batch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, replies, 3)
	require.NoError(t, replies[0].Err)
	require.Error(t, replies[1].Err)
	require.NoError(t, replies[2].Err)
}

func TestBatchDispatchHandlesCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reqs := []CallRequest{{ModelID: "m0"}, {ModelID: "m1"}}
	fc := &fakeClient{}
	replies, err := fc.Batch(ctx, reqs)
	require.NoError(t, err)
	require.Len(t, replies, 2)
	for _, r := range replies {
		require.Error(t, r.Err)
	}
}
