package interpreter

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"rlmkernel/internal/config"
)

// TestMain re-execs the test binary itself as a minimal fake worker when
// RLM_FAKE_WORKER=1 is set, the standard Go idiom for exercising a
// subprocess protocol without shipping a second binary in the test run.
// The real interpreter execution always happens in cmd/rlm-worker; this
// fake only proves Handle/Pool's lifecycle and wire framing.
func TestMain(m *testing.M) {
	if os.Getenv("RLM_FAKE_WORKER") == "1" {
		runFakeWorker()
		return
	}
	os.Exit(m.Run())
}

func runFakeWorker() {
	out := bufio.NewWriter(os.Stdout)
	writeLine := func(v any) {
		data, _ := json.Marshal(v)
		out.Write(data)
		out.WriteByte('\n')
		out.Flush()
	}
	writeLine(HandshakeLine{Ready: true, ProtocolVersion: ProtocolVersion})

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		switch req.Method {
		case MethodExecute:
			result, _ := json.Marshal(ExecuteResultWire{OK: true})
			writeLine(Response{ID: req.ID, Result: result})
		case MethodShutdown:
			result, _ := json.Marshal(struct {
				OK bool `json:"ok"`
			}{true})
			writeLine(Response{ID: req.ID, Result: result})
			return
		default:
			result, _ := json.Marshal(struct {
				OK bool `json:"ok"`
			}{true})
			writeLine(Response{ID: req.ID, Result: result})
		}
	}
}

// spawnFakeHandle spawns the test binary itself, re-invoked as the fake
// worker above via the RLM_FAKE_WORKER environment variable (which Spawn's
// exec.CommandContext inherits since it never overrides Cmd.Env).
func spawnFakeHandle(t *testing.T, ctx context.Context) *Handle {
	t.Helper()
	path, err := os.Executable()
	require.NoError(t, err)

	require.NoError(t, os.Setenv("RLM_FAKE_WORKER", "1"))
	t.Cleanup(func() { os.Unsetenv("RLM_FAKE_WORKER") })

	h := NewHandle(path, "-test.run=^TestMain$")
	require.NoError(t, h.Spawn(ctx, 5*time.Second))
	return h
}

func TestHandleSpawnExecuteShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	h := spawnFakeHandle(t, ctx)
	require.Equal(t, StateReady, h.State())

	result, err := h.Execute(ctx, ExecuteParams{Code: "1 + 1"})
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, int64(1), h.Executions())

	require.NoError(t, h.Shutdown(ctx, 2*time.Second))
	require.Equal(t, StateShutdown, h.State())
}

func TestPoolAcquireReleaseRecycles(t *testing.T) {
	cfg := config.InterpreterConfig{MaxPoolSize: 1, MaxExecutionsPerHandle: 100, IdleTimeoutSec: 0}
	pool := &Pool{
		cfg:       cfg,
		live:      make(map[string]*Handle),
		lastUse:   make(map[string]time.Time),
		evictStop: make(chan struct{}),
		evictDone: make(chan struct{}),
	}
	close(pool.evictStop)
	close(pool.evictDone)

	ctx := context.Background()
	h := spawnFakeHandle(t, ctx)
	pool.live[h.ID()] = h
	pool.idle = append(pool.idle, h)

	got, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, h.ID(), got.ID())
	require.Equal(t, 1, pool.Size())

	pool.Release(got)
	require.Len(t, pool.idle, 1)

	require.NoError(t, h.Shutdown(ctx, 2*time.Second))
}

func TestPoolReleaseRetiresFailedHandle(t *testing.T) {
	cfg := config.InterpreterConfig{MaxPoolSize: 2, MaxExecutionsPerHandle: 100, IdleTimeoutSec: 0}
	pool := &Pool{
		cfg:       cfg,
		live:      make(map[string]*Handle),
		lastUse:   make(map[string]time.Time),
		evictStop: make(chan struct{}),
		evictDone: make(chan struct{}),
	}
	close(pool.evictStop)
	close(pool.evictDone)

	ctx := context.Background()
	h := spawnFakeHandle(t, ctx)
	pool.live[h.ID()] = h

	h.mu.Lock()
	h.state = StateFailed
	h.mu.Unlock()

	pool.Release(h)
	require.Empty(t, pool.idle)
	require.Equal(t, 0, pool.Size())
}
