// Command rlm-worker is the sandboxed subprocess spawned by
// internal/interpreter.Handle. It speaks a line-delimited JSON protocol on
// stdin/stdout (internal/interpreter.Request/Response), interprets
// submitted Go code with yaegi rather than compiling it (the same
// dependency-hell avoidance the teacher's autopoiesis package uses for
// tool execution), and exposes a "host" package to interpreted scripts so
// they can call the model, summarize, search memory, and submit outputs
// without the worker trusting arbitrary syscalls.
//
// A single execution can span multiple wire round trips: the script
// suspends at a host call, the worker reports the pending operation, the
// caller resolves it, and a follow-up execute request with empty code
// resumes the same goroutine rather than restarting the script.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"rlmkernel/internal/interpreter"
	"rlmkernel/internal/signature"
)

// submitSignal is panicked by hostSubmit to unwind the running script the
// instant SUBMIT is honored. runScript's recover treats it as a normal
// termination rather than a script error, giving SUBMIT the "subsequent
// code is not run" semantics the wire protocol requires.
type submitSignal struct{}

func main() {
	w := newWorker(os.Stdout)
	w.writeLine(interpreter.HandshakeLine{Ready: true, ProtocolVersion: interpreter.ProtocolVersion})

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req interpreter.Request
		if err := json.Unmarshal(line, &req); err != nil {
			fmt.Fprintf(os.Stderr, "rlm-worker: malformed request: %v\n", err)
			continue
		}
		w.dispatch(req)
	}
}

// worker holds all state for a single subprocess lifetime: at most one
// script may be running at a time, but its suspension points (host calls)
// and the wire loop run on separate goroutines.
type worker struct {
	outMu sync.Mutex
	out   *bufio.Writer

	execMu sync.Mutex // serializes execute handling; enforces one in-flight execute

	running    bool
	scriptDone chan struct{}
	scriptErr  error

	pendingCh chan interpreter.DeferredOperation

	resultMu    sync.Mutex
	resultChans map[string]chan any
	nextOpID    int64

	submitMu        sync.Mutex
	submitted       bool
	multipleSubmits bool
	submitResult    *interpreter.SubmitResultWire

	sigMu     sync.Mutex
	signature *interpreter.RegisterSignatureParams

	globalsMu sync.Mutex
	globals   map[string]any

	stdoutMu  sync.Mutex
	stdoutBuf strings.Builder
}

func newWorker(w *os.File) *worker {
	return &worker{
		out:     bufio.NewWriter(w),
		globals: make(map[string]any),
	}
}

func (w *worker) writeLine(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rlm-worker: marshal response: %v\n", err)
		return
	}
	w.outMu.Lock()
	defer w.outMu.Unlock()
	w.out.Write(data)
	w.out.WriteByte('\n')
	w.out.Flush()
}

func (w *worker) respond(id int64, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		w.respondErr(id, err)
		return
	}
	w.writeLine(interpreter.Response{ID: id, Result: data})
}

func (w *worker) respondErr(id int64, err error) {
	w.writeLine(interpreter.Response{ID: id, Error: &interpreter.WireError{Code: 1, Message: err.Error()}})
}

func (w *worker) dispatch(req interpreter.Request) {
	switch req.Method {
	case interpreter.MethodRegisterSignature:
		var params interpreter.RegisterSignatureParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			w.respondErr(req.ID, err)
			return
		}
		w.sigMu.Lock()
		w.signature = &params
		w.sigMu.Unlock()
		w.respond(req.ID, struct{}{})

	case interpreter.MethodClearSignature:
		w.sigMu.Lock()
		w.signature = nil
		w.sigMu.Unlock()
		w.respond(req.ID, struct{}{})

	case interpreter.MethodExecute:
		var params interpreter.ExecuteParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			w.respondErr(req.ID, err)
			return
		}
		result := w.handleExecute(params)
		w.respond(req.ID, result)

	case interpreter.MethodResolveOperation:
		var params interpreter.ResolveOperationParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			w.respondErr(req.ID, err)
			return
		}
		if err := w.resolveOperation(params.OpID, params.Value); err != nil {
			w.respondErr(req.ID, err)
			return
		}
		w.respond(req.ID, struct{}{})

	case interpreter.MethodGetVariable:
		var params interpreter.GetVariableParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			w.respondErr(req.ID, err)
			return
		}
		w.globalsMu.Lock()
		v := w.globals[params.Name]
		w.globalsMu.Unlock()
		w.respond(req.ID, struct{ Value any }{Value: v})

	case interpreter.MethodSetVariable:
		var params interpreter.SetVariableParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			w.respondErr(req.ID, err)
			return
		}
		w.globalsMu.Lock()
		w.globals[params.Name] = params.Value
		w.globalsMu.Unlock()
		w.respond(req.ID, struct{}{})

	case interpreter.MethodStatus:
		w.resultMu.Lock()
		live := len(w.resultChans)
		w.resultMu.Unlock()
		w.sigMu.Lock()
		registered := w.signature != nil
		w.sigMu.Unlock()
		w.respond(req.ID, interpreter.StatusResult{SignatureRegistered: registered, LiveOperations: live})

	case interpreter.MethodReset:
		w.reset()
		w.respond(req.ID, struct{}{})

	case interpreter.MethodShutdown:
		w.respond(req.ID, struct{}{})
		os.Exit(0)

	default:
		w.respondErr(req.ID, fmt.Errorf("unknown method %q", req.Method))
	}
}

// reset clears per-execution state between pool borrows. Called only when
// no script is running (the pool resets after Execute has already
// returned a terminal result).
func (w *worker) reset() {
	w.sigMu.Lock()
	w.signature = nil
	w.sigMu.Unlock()

	w.globalsMu.Lock()
	w.globals = make(map[string]any)
	w.globalsMu.Unlock()

	w.submitMu.Lock()
	w.submitted = false
	w.multipleSubmits = false
	w.submitResult = nil
	w.submitMu.Unlock()

	w.stdoutMu.Lock()
	w.stdoutBuf.Reset()
	w.stdoutMu.Unlock()
}

// handleExecute starts a new script (if none is running) or rejoins an
// already-suspended one, then waits for either the script to finish or a
// new deferred operation to surface, whichever happens first.
func (w *worker) handleExecute(params interpreter.ExecuteParams) interpreter.ExecuteResultWire {
	w.execMu.Lock()
	defer w.execMu.Unlock()

	if !w.running {
		w.globalsMu.Lock()
		for k, v := range params.Globals {
			w.globals[k] = v
		}
		w.globalsMu.Unlock()

		w.running = true
		w.scriptDone = make(chan struct{})
		w.pendingCh = make(chan interpreter.DeferredOperation, 32)
		w.resultMu.Lock()
		w.resultChans = make(map[string]chan any)
		w.resultMu.Unlock()

		w.scriptErr = nil
		w.submitMu.Lock()
		w.submitted = false
		w.multipleSubmits = false
		w.submitResult = nil
		w.submitMu.Unlock()

		go w.runScript(params.Code)
	}

	select {
	case <-w.scriptDone:
		w.running = false
		return w.terminalResult()
	case op := <-w.pendingCh:
		ops := []interpreter.DeferredOperation{op}
	drain:
		for {
			select {
			case more := <-w.pendingCh:
				ops = append(ops, more)
			default:
				break drain
			}
		}
		return interpreter.ExecuteResultWire{OK: true, DeferredOperationsPending: ops, Stdout: w.captureStdout()}
	}
}

func (w *worker) terminalResult() interpreter.ExecuteResultWire {
	result := interpreter.ExecuteResultWire{Stdout: w.captureStdout()}
	if w.scriptErr != nil {
		result.OK = false
		result.Error = w.scriptErr.Error()
		return result
	}
	result.OK = true

	w.submitMu.Lock()
	defer w.submitMu.Unlock()
	if w.multipleSubmits {
		result.SubmitResult = &interpreter.SubmitResultWire{
			Errors: []signature.ValidationIssue{{Kind: signature.KindMultipleSubmits, Detail: "submit was called more than once in the same execution"}},
		}
		return result
	}
	result.SubmitResult = w.submitResult
	return result
}

func (w *worker) captureStdout() string {
	w.stdoutMu.Lock()
	defer w.stdoutMu.Unlock()
	s := w.stdoutBuf.String()
	w.stdoutBuf.Reset()
	return s
}

// runScript interprets the code with yaegi and runs its main function,
// recovering panics into scriptErr so a misbehaving script never crashes
// the subprocess.
func (w *worker) runScript(code string) {
	defer close(w.scriptDone)
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(submitSignal); ok {
				return
			}
			w.scriptErr = fmt.Errorf("script panic: %v", r)
		}
	}()

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		w.scriptErr = fmt.Errorf("load stdlib: %w", err)
		return
	}
	if err := i.Use(w.hostExports()); err != nil {
		w.scriptErr = fmt.Errorf("load host package: %w", err)
		return
	}

	if _, err := i.Eval(wrapScript(code)); err != nil {
		w.scriptErr = fmt.Errorf("evaluate script: %w", err)
		return
	}
	if _, err := i.Eval("main.main()"); err != nil {
		w.scriptErr = fmt.Errorf("run script: %w", err)
		return
	}
}

// wrapScript wraps a bare script body in a runnable package main unless
// the caller already supplied one, matching the teacher's
// wrapCode convention for tool bodies.
func wrapScript(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return fmt.Sprintf("package main\n\nimport \"host\"\n\nvar _ = host.Print\n\nfunc main() {\n%s\n}\n", code)
}

// hostExports builds the "host" package seen by interpreted scripts:
// Submit terminates the execution, Llm/LlmBatch/Summarize/FindRelevant
// suspend on a deferred operation, Peek/Search read local state without a
// round trip, and Print captures stdout for the execute result.
func (w *worker) hostExports() interp.Exports {
	return interp.Exports{
		"host/host": map[string]reflect.Value{
			"Submit":          reflect.ValueOf(w.hostSubmit),
			"Llm":             reflect.ValueOf(w.hostLlm),
			"LlmBatch":        reflect.ValueOf(w.hostLlmBatch),
			"LlmQueryBatched": reflect.ValueOf(w.hostLlmBatch), // alias parity, spec naming compatibility
			"Summarize":       reflect.ValueOf(w.hostSummarize),
			"FindRelevant":    reflect.ValueOf(w.hostFindRelevant),
			"Peek":            reflect.ValueOf(w.hostPeek),
			"Search":          reflect.ValueOf(w.hostSearch),
			"Print":           reflect.ValueOf(w.hostPrint),
		},
	}
}

func (w *worker) hostPrint(s string) {
	w.stdoutMu.Lock()
	w.stdoutBuf.WriteString(s)
	w.stdoutBuf.WriteString("\n")
	w.stdoutMu.Unlock()
}

// hostPeek reads a global without suspending; it is pure in the sense the
// spec requires of peek/search.
func (w *worker) hostPeek(name string) any {
	w.globalsMu.Lock()
	defer w.globalsMu.Unlock()
	return w.globals[name]
}

// hostSearch performs a local substring scan over string-valued globals,
// returning matching keys. It never leaves the process, unlike
// find_relevant which is host-resolved semantic retrieval.
func (w *worker) hostSearch(substr string) []string {
	w.globalsMu.Lock()
	defer w.globalsMu.Unlock()
	var matches []string
	for k, v := range w.globals {
		if s, ok := v.(string); ok && strings.Contains(s, substr) {
			matches = append(matches, k)
		}
	}
	return matches
}

// hostSubmit validates the first SUBMIT call's outputs against the
// registered signature using the same Signature.ValidateOutputs/Assignable
// rules module composition uses elsewhere (full numeric widening, list and
// object recursion, enum membership — not just missing_field/enum_invalid),
// records the result, and panics with submitSignal so runScript's recover
// ends the script right here: nothing after this call runs. A second call
// in the same execution — only reachable if the script races SUBMIT across
// goroutines, since the first call already unwinds its own goroutine's
// stack — never overwrites the first result; it flags multipleSubmits,
// which terminalResult promotes to the surfaced multiple_submits error.
func (w *worker) hostSubmit(outputs map[string]any) {
	w.submitMu.Lock()
	if w.submitted {
		w.multipleSubmits = true
		w.submitMu.Unlock()
		return
	}
	w.submitted = true
	w.submitMu.Unlock()

	w.sigMu.Lock()
	sig := w.signature
	w.sigMu.Unlock()

	var result interpreter.SubmitResultWire
	if sig == nil {
		result = interpreter.SubmitResultWire{
			Errors: []signature.ValidationIssue{{Kind: signature.KindNoSignatureRegistered, Detail: "no signature registered"}},
		}
	} else {
		outSig := signature.Signature{Outputs: sig.OutputFields}
		if issues := outSig.ValidateOutputs(outputs, signature.ValidationOptions{Permissive: true}); len(issues) > 0 {
			result = interpreter.SubmitResultWire{Errors: issues}
		} else {
			result = interpreter.SubmitResultWire{Success: true, Outputs: outputs}
		}
	}

	w.submitMu.Lock()
	w.submitResult = &result
	w.submitMu.Unlock()

	panic(submitSignal{})
}

func (w *worker) hostLlm(prompt string) string {
	v := w.awaitOp(interpreter.OpLLMCall, map[string]any{"prompt": prompt})
	s, _ := v.(string)
	return s
}

func (w *worker) hostLlmBatch(prompts []string) []string {
	v := w.awaitOp(interpreter.OpLLMBatch, map[string]any{"prompts": prompts})
	return toStringSlice(v)
}

func (w *worker) hostSummarize(text string) string {
	v := w.awaitOp(interpreter.OpSummarize, map[string]any{"text": text})
	s, _ := v.(string)
	return s
}

func (w *worker) hostFindRelevant(query string, k int) []string {
	v := w.awaitOp(interpreter.OpFindRelevant, map[string]any{"query": query, "k": k})
	return toStringSlice(v)
}

// awaitOp records a deferred operation and blocks the calling goroutine
// (the interpreted script) until the host resolves it via
// resolve_operation. This is the suspension primitive: the surrounding
// execute call sees the op on pendingCh and returns a pending result
// without waiting for this function to return.
func (w *worker) awaitOp(kind interpreter.DeferredOpKind, params map[string]any) any {
	opID := fmt.Sprintf("op-%d", atomic.AddInt64(&w.nextOpID, 1))
	resultCh := make(chan any, 1)

	w.resultMu.Lock()
	w.resultChans[opID] = resultCh
	w.resultMu.Unlock()

	w.pendingCh <- interpreter.DeferredOperation{OpID: opID, Kind: kind, Params: params}

	return <-resultCh
}

func (w *worker) resolveOperation(opID string, value any) error {
	w.resultMu.Lock()
	ch, ok := w.resultChans[opID]
	if ok {
		delete(w.resultChans, opID)
	}
	w.resultMu.Unlock()

	if !ok {
		return fmt.Errorf("unknown or already resolved op_id %q", opID)
	}
	ch <- value
	return nil
}

func toStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
