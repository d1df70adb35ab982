package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"rlmkernel/internal/costs"
	"rlmkernel/internal/errs"
	"rlmkernel/internal/logging"
	"rlmkernel/internal/module"
	"rlmkernel/internal/signature"
	"rlmkernel/internal/trajectory"
)

// levelSignatures bundles the three signatures that govern one recursion
// level: root queries are bound to the caller's schema, every recursive
// child below it answers through the generic textual signature, per the
// decision recorded in DESIGN.md (run_child returns a PartialAnswer, not a
// root-shaped object).
type levelSignatures struct {
	Answer     signature.Signature
	Synthesize signature.Signature
	Extract    signature.Signature
}

func (o *Orchestrator) rootLevel() levelSignatures {
	return levelSignatures{Answer: o.rootSignature, Synthesize: o.synthesizeRootSig, Extract: o.extractRootSig}
}

func (o *Orchestrator) childLevel() levelSignatures {
	return levelSignatures{Answer: o.answerSignature, Synthesize: o.synthesizeTextSig, Extract: o.extractTextSig}
}

func tierForDepth(depth int) costs.Tier {
	if depth == 0 {
		return costs.TierRoot
	}
	return costs.TierRecursive
}

// Run drives a top-level query (depth 0) to a final answer validated
// against the orchestrator's root signature, recursing as needed and
// respecting mode-derived budgets. Mode is decided once here from
// complexity signals and held fixed for the whole call tree (spec.md §3:
// "Mode ... MAY NOT change mid-query").
func (o *Orchestrator) Run(ctx context.Context, q Query, opts RunOptions) (Result, error) {
	tracker := opts.Tracker
	if tracker == nil {
		tracker = costs.NewTracker()
	}
	trace := opts.Trace
	if trace == nil {
		trace = trajectory.NewSink()
	}

	rs := &runState{
		o:          o,
		tracker:    tracker,
		trace:      trace,
		sessionCtx: opts.SessionCtx,
		mem:        opts.Memory,
		startTime:  time.Now(),
	}

	startEv := trace.Append(trajectory.KindStart, q.Depth, map[string]any{"query": q.Text}, nil)

	signals := AnalyzeSignals(q.Text, rs.sessionCtx)
	score := ScoreSignals(signals, o.cfg.Activation.Weights)
	trace.Append(trajectory.KindAnalyze, q.Depth, map[string]any{"signals": signalsToMaps(signals), "score": score}, &startEv.Seq)

	mode, fastPath := DecideMode(signals, score, o.cfg.Activation, q.Mode)
	rs.mode = mode
	rs.profile = o.cfg.GetModeProfile(mode)

	budget := bindRootBudget(rs.profile, rs.startTime)
	if fastPath {
		budget.DepthCap = 0
	}

	outputs, partial, err := o.execute(ctx, rs, q.Text, 0, budget, &startEv.Seq, o.rootLevel())
	if err != nil {
		trace.Append(trajectory.KindError, 0, map[string]any{"error": err.Error()}, &startEv.Seq)
		return Result{TrajectoryID: trace.ID(), CostUSD: tracker.TotalUSD()}, err
	}

	trace.Append(trajectory.KindFinal, 0, map[string]any{"partial": partial}, &startEv.Seq)
	return Result{
		Outputs:      outputs,
		Partial:      partial,
		TrajectoryID: trace.ID(),
		CostUSD:      tracker.TotalUSD(),
	}, nil
}

// RunChild invokes a narrower recursive call directly, surfaced for test
// seams per spec.md §4.1's API listing. Production code reaches the same
// path through execute's internal recursion.
func (o *Orchestrator) RunChild(ctx context.Context, rs *runState, subText string, depth int, budget Budget, parentSeq *int64) (Result, error) {
	outputs, partial, err := o.execute(ctx, rs, subText, depth, budget, parentSeq, o.childLevel())
	if err != nil {
		return Result{}, err
	}
	return Result{Outputs: outputs, Partial: partial, TrajectoryID: rs.trace.ID(), CostUSD: rs.tracker.TotalUSD()}, nil
}

// execute is the shared recursive step: check fallback triggers, decide
// whether to decompose given the remaining budget/depth, then either
// answer directly, or decompose, recurse, and synthesize.
func (o *Orchestrator) execute(ctx context.Context, rs *runState, qText string, depth int, budget Budget, parentSeq *int64, lvl levelSignatures) (map[string]any, bool, error) {
	rs.iterations++

	if err := ctx.Err(); err != nil {
		return nil, false, errs.Wrap(errs.Cancelled, "orchestrator.execute", err)
	}

	llmCalls := rs.tracker.Snapshot().CallCount
	if budget.exhausted(rs.iterations, llmCalls, rs.tracker.TotalUSD(), time.Now()) {
		return o.fallback(ctx, rs, qText, depth, lvl, parentSeq)
	}

	shouldDecompose := rs.profile.MaxChildren > 0 && depth < budget.DepthCap
	if !shouldDecompose {
		outputs, issues, err := o.direct(ctx, rs, qText, depth, lvl.Answer, parentSeq)
		if err != nil {
			return nil, false, err
		}
		if len(issues) > 0 {
			return o.fallback(ctx, rs, qText, depth, lvl, parentSeq)
		}
		return outputs, false, nil
	}

	subs, decomposeErr := o.decompose(ctx, rs, qText, depth, parentSeq)
	if decomposeErr != nil {
		// Illegal or failed decomposition collapses to fast path (spec.md
		// §4.1 step 4: "on rejection, collapse to fast path").
		outputs, issues, err := o.direct(ctx, rs, qText, depth, lvl.Answer, parentSeq)
		if err != nil {
			return nil, false, err
		}
		if len(issues) > 0 {
			return o.fallback(ctx, rs, qText, depth, lvl, parentSeq)
		}
		return outputs, false, nil
	}

	subAnswers, anyPartial := o.recurse(ctx, rs, subs, depth, budget, parentSeq)
	outputs, issues, err := o.synthesize(ctx, rs, qText, subAnswers, depth, lvl.Synthesize, parentSeq)
	if err != nil {
		return nil, false, err
	}
	if len(issues) > 0 {
		return o.fallback(ctx, rs, qText, depth, lvl, parentSeq)
	}
	return outputs, anyPartial, nil
}

// direct answers a query in a single Predict call bound to sig.
func (o *Orchestrator) direct(ctx context.Context, rs *runState, qText string, depth int, sig signature.Signature, parentSeq *int64) (map[string]any, []signature.ValidationIssue, error) {
	p, err := newPredict("direct", sig, o.client, rs.tracker, rs.trace, o.pool, rs.mem)
	if err != nil {
		return nil, nil, err
	}
	tier := tierForDepth(depth)
	modelID := o.router.Route(tier, depth, rs.tracker.RemainingForTier(tier, rs.profile.CostCapUSD))

	inputs := map[string]any{"query": qText}
	for _, f := range sig.Inputs {
		if f.Name == "query" {
			continue
		}
		inputs[f.Name] = defaultForField(f)
	}

	outputs, issues, err := p.Forward(ctx, inputs, module.ForwardOptions{Tier: tier, Depth: depth, ModelID: modelID})
	if err != nil {
		return nil, nil, err
	}
	return outputs, issues, nil
}

// decompose asks the LLM to break qText into 1..max_children sub-queries.
func (o *Orchestrator) decompose(ctx context.Context, rs *runState, qText string, depth int, parentSeq *int64) ([]SubQuery, error) {
	p, err := newPredict("decompose", o.decomposeSignature, o.client, rs.tracker, rs.trace, o.pool, rs.mem)
	if err != nil {
		return nil, err
	}
	tier := tierForDepth(depth)
	modelID := o.router.Route(tier, depth, rs.tracker.RemainingForTier(tier, rs.profile.CostCapUSD))

	outputs, issues, err := p.Forward(ctx, map[string]any{
		"query":        qText,
		"max_children": rs.profile.MaxChildren,
	}, module.ForwardOptions{Tier: tier, Depth: depth, ModelID: modelID})
	if err != nil {
		return nil, err
	}
	if len(issues) > 0 {
		return nil, errs.New(errs.ValidationError, "orchestrator.decompose", "decomposition failed validation")
	}

	rs.trace.Append(trajectory.KindDecompose, depth, map[string]any{"outputs": outputs}, parentSeq)

	subs, err := parseSubQueries(outputs, rs.profile.MaxChildren)
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// recurse runs each sub-query as a child, up to MaxFanout concurrently. A
// child failure is isolated: it contributes an "error(child)" marker
// instead of aborting the whole synthesis (spec.md §4.1 edge-case policies).
func (o *Orchestrator) recurse(ctx context.Context, rs *runState, subs []SubQuery, depth int, budget Budget, parentSeq *int64) ([]string, bool) {
	childBudgetVal := childBudget(budget, len(subs), rs.profile.SynthesisReserveFraction)

	answers := make([]string, len(subs))
	anyPartial := make([]bool, len(subs))

	sem := semaphore.NewWeighted(int64(maxInt(rs.profile.MaxFanout, 1)))
	var wg sync.WaitGroup

	for i, sub := range subs {
		i, sub := i, sub
		if err := sem.Acquire(ctx, 1); err != nil {
			answers[i] = fmt.Sprintf("error(child): %v", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			startEv := rs.trace.Append(trajectory.KindRecurseStart, depth+1, map[string]any{"query": sub.Text, "hint": sub.Hint}, parentSeq)
			result, err := o.RunChild(ctx, rs, sub.Text, depth+1, childBudgetVal, &startEv.Seq)
			if err != nil {
				answers[i] = fmt.Sprintf("error(child): %v", err)
				rs.trace.Append(trajectory.KindRecurseEnd, depth+1, map[string]any{"error": err.Error()}, &startEv.Seq)
				return
			}
			if result.Partial {
				anyPartial[i] = true
			}
			if text, ok := result.Outputs["answer"].(string); ok {
				answers[i] = text
			}
			rs.trace.Append(trajectory.KindRecurseEnd, depth+1, map[string]any{"partial": result.Partial}, &startEv.Seq)
		}()
	}
	wg.Wait()

	combined := false
	for _, p := range anyPartial {
		combined = combined || p
	}
	return answers, combined
}

// synthesize combines sub-answers into this level's output shape.
func (o *Orchestrator) synthesize(ctx context.Context, rs *runState, qText string, subAnswers []string, depth int, sig signature.Signature, parentSeq *int64) (map[string]any, []signature.ValidationIssue, error) {
	p, err := newPredict("synthesize", sig, o.client, rs.tracker, rs.trace, o.pool, rs.mem)
	if err != nil {
		return nil, nil, err
	}
	tier := tierForDepth(depth)
	modelID := o.router.Route(tier, depth, rs.tracker.RemainingForTier(tier, rs.profile.CostCapUSD))

	subAny := make([]any, len(subAnswers))
	for i, a := range subAnswers {
		subAny[i] = a
	}

	outputs, issues, err := p.Forward(ctx, map[string]any{
		"query":       qText,
		"sub_answers": subAny,
	}, module.ForwardOptions{Tier: tier, Depth: depth, ModelID: modelID})
	if err != nil {
		return nil, nil, err
	}
	rs.trace.Append(trajectory.KindSynthesize, depth, map[string]any{"sub_answer_count": len(subAnswers)}, parentSeq)
	return outputs, issues, nil
}

// fallback runs a dedicated extraction module over the accumulated
// trajectory when a budget/iteration/timeout trigger fires before a
// validated answer was produced (spec.md §4.1 "Fallback (SPEC-27)").
func (o *Orchestrator) fallback(ctx context.Context, rs *runState, qText string, depth int, lvl levelSignatures, parentSeq *int64) (map[string]any, bool, error) {
	rs.trace.Append(trajectory.KindFallbackStart, depth, nil, parentSeq)
	logging.AuditBudgetExhausted(rs.trace.ID(), depth, rs.tracker.TotalUSD(), "iteration/call/cost/wall trigger fired before SUBMIT")

	summary := summarizeTrajectory(rs.trace, depth)

	p, err := newPredict("extract", lvl.Extract, o.client, rs.tracker, rs.trace, o.pool, rs.mem)
	if err != nil {
		return nil, false, err
	}
	outputs, issues, err := p.Forward(ctx, map[string]any{
		"query":           qText,
		"partial_summary": summary,
	}, module.ForwardOptions{Tier: costs.TierExtraction, Depth: depth, ModelID: o.router.Route(costs.TierExtraction, depth, 0), UnderFallback: true})
	if err != nil {
		return nil, false, err
	}
	if len(issues) > 0 {
		return nil, false, errs.New(errs.ValidationError, "orchestrator.fallback", "extraction failed validation: incomplete")
	}

	return outputs, true, nil
}

func summarizeTrajectory(trace *trajectory.Sink, depth int) string {
	events := trace.Range(0, 0)
	var b strings.Builder
	for _, ev := range events {
		if ev.Depth > depth {
			continue
		}
		fmt.Fprintf(&b, "[%s depth=%d] %v\n", ev.Kind, ev.Depth, ev.Content)
	}
	return b.String()
}

func signalsToMaps(signals []Signal) []map[string]any {
	out := make([]map[string]any, len(signals))
	for i, s := range signals {
		out[i] = map[string]any{"kind": s.Kind, "strength": s.Strength}
	}
	return out
}

func defaultForField(f signature.FieldSpec) any {
	if f.Default != nil {
		return f.Default
	}
	switch f.Type.Tag {
	case signature.TagInteger:
		return 0
	case signature.TagFloat:
		return 0.0
	case signature.TagBoolean:
		return false
	case signature.TagList:
		return []any{}
	case signature.TagObject:
		return map[string]any{}
	default:
		return ""
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
