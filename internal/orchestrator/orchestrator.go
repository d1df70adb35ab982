// Package orchestrator implements the recursion driver named in the data
// model: mode selection, budget binding, recursive decomposition, and
// fallback termination. It is grounded on the rand-recurse prior-attempt
// fragments (orchestrator-core.go's orchestrate/executeDirect/
// executeDecompose/executeSubcall/executeSynthesize control flow,
// meta-controller.go's State/Decision/Action shape, subcall.go's narrowed-
// budget child-call idiom), generalized from rand-recurse's untyped string
// responses to this module's typed Predict outputs, and wired into the
// teacher's config/logging/cost-tracking idiom instead of rand-recurse's
// ad hoc token counting.
package orchestrator

import (
	"time"

	"rlmkernel/internal/config"
	"rlmkernel/internal/costs"
	"rlmkernel/internal/interpreter"
	"rlmkernel/internal/llm"
	"rlmkernel/internal/memory"
	"rlmkernel/internal/module"
	"rlmkernel/internal/sessionctx"
	"rlmkernel/internal/signature"
	"rlmkernel/internal/trajectory"
)

// Query is the atomic unit passed to the orchestrator.
type Query struct {
	Text     string
	ParentID string
	Depth    int
	Mode     config.Mode // zero value means "compute from signals"
	// Inputs carries extra fields merged with {"query": Text} when calling a
	// Predict module whose signature names more than a bare query string.
	Inputs map[string]any
}

// Signal is one complexity signal extracted from a query and session
// context: a (kind, strength) pair in the data model's sense.
type Signal struct {
	Kind     string
	Strength float64
}

// Result is what Run/runChild return: the final validated outputs plus
// whether they came from fallback extraction.
type Result struct {
	Outputs      map[string]any
	Partial      bool
	TrajectoryID string
	CostUSD      float64
}

// RunOptions lets a caller observe or share state across a call tree: the
// same Tracker/Sink threaded through run_child so an entire recursion tree
// shares one trajectory and one cost ledger, matching "cross-node ordering
// is preserved by seq, not by wall-clock" (spec.md §4.1).
type RunOptions struct {
	Tracker    *costs.Tracker
	Trace      *trajectory.Sink
	SessionCtx *sessionctx.Context
	Memory     *memory.Store // optional; nil disables memory hints/writes
}

// Orchestrator drives queries to validated answers. One Orchestrator is
// built per process (it is stateless across runs); per-run mutable state
// lives in runState.
type Orchestrator struct {
	cfg    *config.Config
	router *llm.Router
	client llm.Client

	// pool, when set via WithInterpreterPool, routes every Predict this
	// orchestrator builds through the sandboxed interpreter instead of a
	// direct model call. Left nil by default so New's zero-config callers
	// (including every orchestrator_test.go case, which supplies a fake
	// in-process Client and never wants a real worker subprocess spawned)
	// keep the direct-call path.
	pool *interpreter.Pool

	rootSignature signature.Signature

	// Internal signatures used at every recursion level below the root;
	// children answer narrower textual sub-queries rather than root-shaped
	// objects, since run_child's contract returns a PartialAnswer, not a
	// structured object bound to the caller's root schema.
	answerSignature     signature.Signature
	decomposeSignature   signature.Signature
	synthesizeTextSig    signature.Signature
	synthesizeRootSig    signature.Signature
	extractTextSig       signature.Signature
	extractRootSig       signature.Signature
}

// Option configures optional Orchestrator wiring that most callers
// (including every unit test) don't need, the same variadic-functional-
// option shape the teacher uses elsewhere for opt-in collaborators.
type Option func(*Orchestrator)

// WithInterpreterPool makes every Predict this orchestrator builds execute
// inside the sandboxed interpreter (spec's "Signature -> Interpreter" data
// flow) rather than calling the LLM client directly. Production entry
// points that actually spawn rlm-worker subprocesses pass this; test code
// driving a fake in-process Client should not.
func WithInterpreterPool(pool *interpreter.Pool) Option {
	return func(o *Orchestrator) { o.pool = pool }
}

// New builds an Orchestrator bound to a caller-supplied root signature: the
// schema the top-level Run call's Outputs must validate against.
func New(cfg *config.Config, router *llm.Router, client llm.Client, rootSig signature.Signature, opts ...Option) (*Orchestrator, error) {
	if err := rootSig.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:           cfg,
		router:        router,
		client:        client,
		rootSignature: rootSig,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.answerSignature = signature.Signature{
		Instructions: "Answer the query directly and concisely using any provided context.",
		Inputs: []signature.FieldSpec{
			{Name: "query", Type: signature.String(), Required: true, Description: "the question or sub-task to answer"},
		},
		Outputs: []signature.FieldSpec{
			{Name: "answer", Type: signature.String(), Required: true, Description: "the answer text"},
		},
	}
	o.decomposeSignature = signature.Signature{
		Instructions: "Break the query into between 1 and max_children independent sub-queries that can be answered separately and later combined. Respond with sub_queries as a JSON array of objects, each with a text field and an optional hint field.",
		Inputs: []signature.FieldSpec{
			{Name: "query", Type: signature.String(), Required: true},
			{Name: "max_children", Type: signature.Integer(), Required: true},
		},
		Outputs: []signature.FieldSpec{
			{Name: "sub_queries", Type: signature.List(signature.Object([]signature.FieldSpec{
				{Name: "text", Type: signature.String(), Required: true},
				{Name: "hint", Type: signature.String(), Required: false, Default: ""},
			})), Required: true, Description: "1..max_children sub-queries"},
		},
	}
	o.synthesizeTextSig = signature.Signature{
		Instructions: "Combine the sub-answers into a single coherent answer to the original query.",
		Inputs: []signature.FieldSpec{
			{Name: "query", Type: signature.String(), Required: true},
			{Name: "sub_answers", Type: signature.List(signature.String()), Required: true},
		},
		Outputs: []signature.FieldSpec{
			{Name: "answer", Type: signature.String(), Required: true},
		},
	}
	o.synthesizeRootSig = signature.Signature{
		Instructions: "Combine the sub-answers into a final answer to the original query, matching the requested output schema exactly.",
		Inputs: []signature.FieldSpec{
			{Name: "query", Type: signature.String(), Required: true},
			{Name: "sub_answers", Type: signature.List(signature.String()), Required: true},
		},
		Outputs: rootSig.Outputs,
	}
	o.extractTextSig = signature.Signature{
		Instructions: "Budget or time has run out. Produce the best possible answer to the query from the partial work recorded so far, even if incomplete.",
		Inputs: []signature.FieldSpec{
			{Name: "query", Type: signature.String(), Required: true},
			{Name: "partial_summary", Type: signature.String(), Required: true},
		},
		Outputs: []signature.FieldSpec{
			{Name: "answer", Type: signature.String(), Required: true},
		},
	}
	o.extractRootSig = signature.Signature{
		Instructions: "Budget or time has run out. Produce the best possible answer matching the requested output schema from the partial work recorded so far, even if incomplete.",
		Inputs: []signature.FieldSpec{
			{Name: "query", Type: signature.String(), Required: true},
			{Name: "partial_summary", Type: signature.String(), Required: true},
		},
		Outputs: rootSig.Outputs,
	}
	return o, nil
}

// runState carries the per-run mutable pieces shared across the whole
// recursion tree of a single top-level Run call.
type runState struct {
	o          *Orchestrator
	tracker    *costs.Tracker
	trace      *trajectory.Sink
	sessionCtx *sessionctx.Context
	mem        *memory.Store
	startTime  time.Time
	iterations int
	mode       config.Mode
	profile    config.ModeProfile
}

func newPredict(name string, sig signature.Signature, client llm.Client, tracker *costs.Tracker, trace *trajectory.Sink, pool *interpreter.Pool, mem *memory.Store) (*module.Predict, error) {
	p, err := module.New(name, sig, client, tracker, trace)
	if err != nil {
		return nil, err
	}
	p.Pool = pool
	p.Memory = mem
	return p, nil
}
