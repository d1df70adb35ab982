// Package interpreter implements the sandboxed interpreter handle and pool:
// a newline-delimited JSON request/response protocol over a subprocess's
// stdin/stdout, modeled directly on the teacher's internal/mcp stdio
// transport (transport_stdio.go's id-correlated pendingReqs map and
// reader-goroutine dispatch), generalized from MCP's tools/list/call
// methods to the execute/resolve_operation/SUBMIT protocol this spec
// names. Pool lifecycle (spawn-on-demand, reset-after-N, idle eviction) is
// grounded on internal/tactile/persistent_docker.go's container pool.
package interpreter

import (
	"encoding/json"

	"rlmkernel/internal/signature"
)

// Method is the closed set of wire request methods (§6, the protocol
// table).
type Method string

const (
	MethodRegisterSignature Method = "register_signature"
	MethodClearSignature    Method = "clear_signature"
	MethodExecute           Method = "execute"
	MethodGetVariable       Method = "get_variable"
	MethodSetVariable       Method = "set_variable"
	MethodResolveOperation  Method = "resolve_operation"
	MethodStatus            Method = "status"
	MethodReset             Method = "reset"
	MethodShutdown          Method = "shutdown"
)

// Request is one line of the wire protocol sent host -> worker.
type Request struct {
	ID     int64           `json:"id"`
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// WireError is the error shape carried in a Response.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Response is one line of the wire protocol sent worker -> host. Exactly
// one of Result/Error is set.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// HandshakeLine is the single line the worker writes on startup before any
// request is accepted, carrying the protocol version it speaks.
type HandshakeLine struct {
	Ready           bool   `json:"ready"`
	ProtocolVersion string `json:"protocol_version"`
}

// ProtocolVersion is the version this module's host and worker both speak.
const ProtocolVersion = "1"

// DeferredOpKind is the closed set of deferred-operation kinds a script's
// host-call helpers can request.
type DeferredOpKind string

const (
	OpLLMCall       DeferredOpKind = "llm_call"
	OpLLMBatch      DeferredOpKind = "llm_batch"
	OpSummarize     DeferredOpKind = "summarize"
	OpFindRelevant  DeferredOpKind = "find_relevant"
)

// DeferredOperation is a value the worker requested from the host, which
// suspends the script until the host resolves op_id.
type DeferredOperation struct {
	OpID   string         `json:"op_id"`
	Kind   DeferredOpKind `json:"kind"`
	Params map[string]any `json:"params"`
}

// SubmitResultWire is the Submit Result data-model entry: exactly one of
// Success or Errors is populated. Errors reuses signature.ValidationIssue
// directly (rather than a lossy wire projection) so the worker's SUBMIT
// handling and module composition's input/output checks produce identical
// issue kinds, including type_mismatch.
type SubmitResultWire struct {
	Success bool                        `json:"success"`
	Outputs map[string]any              `json:"outputs,omitempty"`
	Errors  []signature.ValidationIssue `json:"errors,omitempty"`
}

// ExecuteParams carries the execute request body.
type ExecuteParams struct {
	Code    string         `json:"code"`
	Globals map[string]any `json:"globals,omitempty"`
}

// ExecuteResultWire is the Execute Result data-model entry as it crosses
// the wire.
type ExecuteResultWire struct {
	OK                        bool                `json:"ok"`
	Stdout                    string              `json:"stdout,omitempty"`
	Stderr                    string              `json:"stderr,omitempty"`
	Value                     any                 `json:"value,omitempty"`
	SubmitResult              *SubmitResultWire   `json:"submit_result,omitempty"`
	DeferredOperationsPending []DeferredOperation `json:"deferred_operations_pending,omitempty"`
	Error                     string              `json:"error,omitempty"`
}

// RegisterSignatureParams carries the register_signature request body: the
// output fields that gate SUBMIT validation, plus optional input fields
// for documentation/echo purposes. Both carry the real signature.FieldSpec
// type tree (not a lossy projection) so the worker can validate SUBMIT
// outputs with the same Signature.ValidateOutputs/Assignable rules module
// composition uses, rather than a hand-rolled subset.
type RegisterSignatureParams struct {
	OutputFields []signature.FieldSpec `json:"output_fields"`
	InputFields  []signature.FieldSpec `json:"input_fields,omitempty"`
}

// ResolveOperationParams carries the resolve_operation request body.
type ResolveOperationParams struct {
	OpID  string `json:"op_id"`
	Value any    `json:"value"`
}

// StatusResult carries the status response body.
type StatusResult struct {
	SignatureRegistered bool `json:"signature_registered"`
	LiveOperations      int  `json:"live_operations"`
}

// GetVariableParams / SetVariableParams carry variable accessor bodies.
type GetVariableParams struct {
	Name string `json:"name"`
}

type SetVariableParams struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}
