package interpreter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rlmkernel/internal/errs"
	"rlmkernel/internal/logging"
)

// State is the handle's lifecycle state machine:
// Spawning -> Ready -> Executing -> Ready | Failed -> Shutdown.
type State string

const (
	StateSpawning State = "spawning"
	StateReady    State = "ready"
	StateExecuting State = "executing"
	StateFailed   State = "failed"
	StateShutdown State = "shutdown"
)

const stderrExcerptBytes = 4096

// Handle is an opaque reference to a sandboxed subprocess speaking the
// wire protocol over its stdin/stdout, matching the teacher's
// StdioTransport shape: a reader goroutine dispatches responses by
// request id to per-call channels, while writes are serialized by a
// mutex, so Execute and concurrent ResolveOperation calls can be
// in flight on the same handle without corrupting the wire.
type Handle struct {
	id string

	executablePath string
	args           []string

	mu    sync.Mutex
	state State

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *Response
	nextID    int64

	stderrBuf   strings.Builder
	stderrMu    sync.Mutex

	wg sync.WaitGroup

	executions int64 // count of completed Execute calls, for pool reset-after-N
	executeMu  sync.Mutex // enforces "at most one in-flight execute per handle"
}

// NewHandle allocates a handle bound to a worker executable, not yet
// spawned.
func NewHandle(executablePath string, args ...string) *Handle {
	return &Handle{
		id:             uuid.NewString(),
		executablePath: executablePath,
		args:           args,
		state:          StateSpawning,
		pending:        make(map[int64]chan *Response),
	}
}

// ID returns the handle's stable identifier.
func (h *Handle) ID() string { return h.id }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Executions returns how many Execute calls this handle has completed,
// used by the pool to enforce max_executions_per_handle.
func (h *Handle) Executions() int64 {
	return atomic.LoadInt64(&h.executions)
}

// Spawn launches the subprocess and performs the handshake: a single
// "ready" line carrying the protocol version. A handshake timeout or
// version mismatch transitions the handle to Failed and returns an
// InterpreterError carrying executable, entrypoint, and a bounded stderr
// excerpt, per the diagnostics requirement.
func (h *Handle) Spawn(ctx context.Context, handshakeTimeout time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateSpawning {
		return errs.New(errs.ConfigError, "interpreter.Spawn", "handle already spawned")
	}

	cmd := exec.CommandContext(ctx, h.executablePath, h.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		h.state = StateFailed
		return errs.Wrap(errs.InterpreterError, "interpreter.Spawn", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.state = StateFailed
		return errs.Wrap(errs.InterpreterError, "interpreter.Spawn", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		h.state = StateFailed
		return errs.Wrap(errs.InterpreterError, "interpreter.Spawn", err)
	}

	if err := cmd.Start(); err != nil {
		h.state = StateFailed
		return h.diagnosticError("interpreter.Spawn", err)
	}

	h.cmd, h.stdin, h.stdout, h.stderr = cmd, stdin, stdout, stderr

	h.wg.Add(2)
	go h.readStderr()

	readyCh := make(chan error, 1)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	go func() {
		defer h.wg.Done()
		if !scanner.Scan() {
			readyCh <- fmt.Errorf("worker exited before handshake: %w", scanner.Err())
			return
		}
		var line HandshakeLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			readyCh <- fmt.Errorf("malformed handshake line: %w", err)
			return
		}
		if !line.Ready || line.ProtocolVersion != ProtocolVersion {
			readyCh <- fmt.Errorf("handshake mismatch: ready=%v version=%s", line.Ready, line.ProtocolVersion)
			return
		}
		readyCh <- nil
		h.readLoop(scanner)
	}()

	select {
	case err := <-readyCh:
		if err != nil {
			h.state = StateFailed
			return h.diagnosticError("interpreter.Spawn", err)
		}
	case <-time.After(handshakeTimeout):
		h.state = StateFailed
		_ = cmd.Process.Kill()
		return h.diagnosticError("interpreter.Spawn", fmt.Errorf("handshake timed out after %s", handshakeTimeout))
	case <-ctx.Done():
		h.state = StateFailed
		_ = cmd.Process.Kill()
		return errs.Wrap(errs.Cancelled, "interpreter.Spawn", ctx.Err())
	}

	h.state = StateReady
	logging.Get(logging.CategoryInterpreter).Info("handle %s spawned, pid=%d", h.id, cmd.Process.Pid)
	logging.AuditInterpreterSpawn(h.id, h.executablePath, cmd.Process.Pid)
	return nil
}

func (h *Handle) diagnosticError(op string, cause error) error {
	h.stderrMu.Lock()
	excerpt := h.stderrBuf.String()
	h.stderrMu.Unlock()
	if len(excerpt) > stderrExcerptBytes {
		excerpt = excerpt[len(excerpt)-stderrExcerptBytes:]
	}
	return errs.Wrap(errs.InterpreterError, op, cause).WithDetails(map[string]any{
		"executable":    h.executablePath,
		"args":          h.args,
		"stderr_excerpt": excerpt,
	})
}

func (h *Handle) readStderr() {
	defer h.wg.Done()
	scanner := bufio.NewScanner(h.stderr)
	for scanner.Scan() {
		h.stderrMu.Lock()
		h.stderrBuf.WriteString(scanner.Text())
		h.stderrBuf.WriteByte('\n')
		if h.stderrBuf.Len() > stderrExcerptBytes*4 {
			trimmed := h.stderrBuf.String()
			h.stderrBuf.Reset()
			h.stderrBuf.WriteString(trimmed[len(trimmed)-stderrExcerptBytes:])
		}
		h.stderrMu.Unlock()
		logging.Get(logging.CategoryInterpreter).Debug("handle %s stderr: %s", h.id, scanner.Text())
	}
}

// readLoop dispatches wire responses to their pending caller by id, the
// same id-correlated pattern as the teacher's StdioTransport.readStdout.
func (h *Handle) readLoop(scanner *bufio.Scanner) {
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			logging.Get(logging.CategoryInterpreter).Warn("handle %s: malformed response line: %v", h.id, err)
			continue
		}
		h.pendingMu.Lock()
		ch, ok := h.pending[resp.ID]
		if ok {
			delete(h.pending, resp.ID)
		}
		h.pendingMu.Unlock()
		if ok {
			r := resp
			ch <- &r
		}
	}

	h.pendingMu.Lock()
	for id, ch := range h.pending {
		close(ch)
		delete(h.pending, id)
	}
	h.pendingMu.Unlock()
}

// call sends one request and waits for its correlated response or ctx
// cancellation. Multiple calls may be in flight concurrently (e.g. a
// resolve_operation racing an outstanding execute's wait), serialized only
// at the wire-write boundary.
func (h *Handle) call(ctx context.Context, method Method, params any) (*Response, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, errs.Wrap(errs.InterpreterError, "interpreter.call", err)
	}

	id := atomic.AddInt64(&h.nextID, 1)
	req := Request{ID: id, Method: method, Params: data}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Wrap(errs.InterpreterError, "interpreter.call", err)
	}

	ch := make(chan *Response, 1)
	h.pendingMu.Lock()
	h.pending[id] = ch
	h.pendingMu.Unlock()

	h.writeMu.Lock()
	_, writeErr := h.stdin.Write(append(reqBytes, '\n'))
	h.writeMu.Unlock()
	if writeErr != nil {
		h.pendingMu.Lock()
		delete(h.pending, id)
		h.pendingMu.Unlock()
		return nil, h.diagnosticError("interpreter.call", writeErr)
	}

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, h.diagnosticError("interpreter.call", fmt.Errorf("connection closed while awaiting %s", method))
		}
		if resp.Error != nil {
			return nil, errs.New(errs.InterpreterError, "interpreter.call", fmt.Sprintf("%s: %s (code %d)", method, resp.Error.Message, resp.Error.Code))
		}
		return resp, nil
	case <-ctx.Done():
		h.pendingMu.Lock()
		delete(h.pending, id)
		h.pendingMu.Unlock()
		return nil, errs.Wrap(errs.Cancelled, "interpreter.call", ctx.Err())
	}
}

// RegisterSignature installs the output (and optionally input) schema
// SUBMIT validates against.
func (h *Handle) RegisterSignature(ctx context.Context, params RegisterSignatureParams) error {
	_, err := h.call(ctx, MethodRegisterSignature, params)
	return err
}

// ClearSignature removes the registered schema.
func (h *Handle) ClearSignature(ctx context.Context) error {
	_, err := h.call(ctx, MethodClearSignature, struct{}{})
	return err
}

// Execute sends one execute request and returns the structured result.
// Enforces "at most one in-flight execute per handle": a second concurrent
// Execute call blocks on executeMu until the first completes.
func (h *Handle) Execute(ctx context.Context, params ExecuteParams) (ExecuteResultWire, error) {
	h.executeMu.Lock()
	defer h.executeMu.Unlock()

	h.mu.Lock()
	if h.state != StateReady {
		state := h.state
		h.mu.Unlock()
		return ExecuteResultWire{}, errs.New(errs.InterpreterError, "interpreter.Execute", fmt.Sprintf("handle not ready (state=%s)", state))
	}
	h.state = StateExecuting
	h.mu.Unlock()

	resp, err := h.call(ctx, MethodExecute, params)

	h.mu.Lock()
	if err != nil {
		h.state = StateFailed
	} else {
		h.state = StateReady
		atomic.AddInt64(&h.executions, 1)
	}
	h.mu.Unlock()

	if err != nil {
		return ExecuteResultWire{}, err
	}

	var result ExecuteResultWire
	if jsonErr := json.Unmarshal(resp.Result, &result); jsonErr != nil {
		return ExecuteResultWire{}, errs.Wrap(errs.InterpreterError, "interpreter.Execute", jsonErr)
	}
	return result, nil
}

// ResolveOperation resolves a deferred operation awaited by a prior
// Execute call. Safe to call concurrently with other ResolveOperation
// calls and with the wait portion of Execute.
func (h *Handle) ResolveOperation(ctx context.Context, opID string, value any) error {
	_, err := h.call(ctx, MethodResolveOperation, ResolveOperationParams{OpID: opID, Value: value})
	return err
}

// GetVariable / SetVariable access globals in the worker's execution
// environment between Execute calls.
func (h *Handle) GetVariable(ctx context.Context, name string) (any, error) {
	resp, err := h.call(ctx, MethodGetVariable, GetVariableParams{Name: name})
	if err != nil {
		return nil, err
	}
	var out struct {
		Value any `json:"value"`
	}
	if jsonErr := json.Unmarshal(resp.Result, &out); jsonErr != nil {
		return nil, errs.Wrap(errs.InterpreterError, "interpreter.GetVariable", jsonErr)
	}
	return out.Value, nil
}

func (h *Handle) SetVariable(ctx context.Context, name string, value any) error {
	_, err := h.call(ctx, MethodSetVariable, SetVariableParams{Name: name, Value: value})
	return err
}

// Status queries the worker's live state.
func (h *Handle) Status(ctx context.Context) (StatusResult, error) {
	resp, err := h.call(ctx, MethodStatus, struct{}{})
	if err != nil {
		return StatusResult{}, err
	}
	var status StatusResult
	if jsonErr := json.Unmarshal(resp.Result, &status); jsonErr != nil {
		return StatusResult{}, errs.Wrap(errs.InterpreterError, "interpreter.Status", jsonErr)
	}
	return status, nil
}

// Reset clears globals and the registered signature, guaranteed to return
// the handle to Ready or drop it (caller destroys on error).
func (h *Handle) Reset(ctx context.Context) error {
	_, err := h.call(ctx, MethodReset, struct{}{})
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.state = StateFailed
		return err
	}
	h.state = StateReady
	return nil
}

// Shutdown sends a shutdown request, joins the process with a grace
// period, and kills forcefully on timeout. A Failed handle is shut down
// without attempting the wire handshake since it may not be responsive.
func (h *Handle) Shutdown(ctx context.Context, grace time.Duration) error {
	h.mu.Lock()
	state := h.state
	h.state = StateShutdown
	h.mu.Unlock()

	if state != StateFailed && h.cmd != nil && h.cmd.Process != nil {
		_, _ = h.call(ctx, MethodShutdown, struct{}{})
	}

	done := make(chan struct{})
	go func() {
		if h.cmd != nil {
			_ = h.cmd.Wait()
		}
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		if h.cmd != nil && h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		<-done
	}
	logging.Get(logging.CategoryInterpreter).Info("handle %s shut down", h.id)
	logging.AuditInterpreterExit(h.id, state == StateFailed, string(state))
	return nil
}
