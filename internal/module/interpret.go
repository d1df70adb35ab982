package module

import (
	"context"
	"fmt"

	"rlmkernel/internal/costs"
	"rlmkernel/internal/errs"
	"rlmkernel/internal/interpreter"
	"rlmkernel/internal/llm"
	"rlmkernel/internal/memory"
	"rlmkernel/internal/signature"
	"rlmkernel/internal/trajectory"
)

// attemptInterpreted runs one Forward attempt inside a sandboxed subprocess
// rather than calling the model directly: the assembled prompt is embedded
// into a small yaegi-runnable script that calls host.Llm, parses the reply,
// and calls host.Submit, with llm_call/summarize/find_relevant suspension
// points resolved by this host process. This is the "(Signature ->
// Interpreter)" edge named in the data flow; attempt() only takes this path
// when p.Pool is set, so Predicts built without a pool keep calling the
// model directly.
func (p *Predict) attemptInterpreted(ctx context.Context, inputs map[string]any, opts ForwardOptions, repairHint string) (map[string]any, []signature.ValidationIssue, error) {
	prompt := p.buildPrompt(inputs, repairHint)
	script := buildInterpreterScript(prompt)

	var (
		candidate map[string]any
		issues    []signature.ValidationIssue
		scriptErr error
	)

	poolErr := p.Pool.WithHandle(ctx, func(h *interpreter.Handle) error {
		if err := h.RegisterSignature(ctx, interpreter.RegisterSignatureParams{
			OutputFields: p.Signature.Outputs,
			InputFields:  p.Signature.Inputs,
		}); err != nil {
			return err
		}

		result, err := h.Execute(ctx, interpreter.ExecuteParams{Code: script})
		if err != nil {
			return err
		}

		for len(result.DeferredOperationsPending) > 0 {
			if p.Trace != nil {
				p.Trace.Append(trajectory.KindInterpreterExec, opts.Depth, map[string]any{
					"module":  p.Name,
					"pending": opKinds(result.DeferredOperationsPending),
				}, nil)
			}
			for _, op := range result.DeferredOperationsPending {
				value, resolveErr := p.resolveDeferredOp(ctx, op, opts)
				if resolveErr != nil {
					return resolveErr
				}
				if err := h.ResolveOperation(ctx, op.OpID, value); err != nil {
					return err
				}
			}
			result, err = h.Execute(ctx, interpreter.ExecuteParams{})
			if err != nil {
				return err
			}
		}

		if p.Trace != nil {
			p.Trace.Append(trajectory.KindInterpreterRes, opts.Depth, map[string]any{
				"module": p.Name,
				"ok":     result.OK,
			}, nil)
		}

		switch {
		case !result.OK:
			scriptErr = errs.New(errs.InterpreterError, "module.attemptInterpreted", result.Error)
		case result.SubmitResult == nil:
			issues = []signature.ValidationIssue{{Kind: signature.KindNoSignatureRegistered, Detail: "script completed without calling submit"}}
		case !result.SubmitResult.Success:
			issues = result.SubmitResult.Errors
		default:
			candidate = result.SubmitResult.Outputs
		}
		return nil
	})
	if poolErr != nil {
		return nil, nil, poolErr
	}
	if scriptErr != nil {
		return nil, nil, scriptErr
	}
	return candidate, issues, nil
}

// resolveDeferredOp serves one deferred operation the script suspended on,
// routing each kind to the same collaborator attempt() would have called
// directly: llm_call/llm_batch through p.Client, summarize through a
// prefixed p.Client.Call, find_relevant through p.Memory's search.
func (p *Predict) resolveDeferredOp(ctx context.Context, op interpreter.DeferredOperation, opts ForwardOptions) (any, error) {
	switch op.Kind {
	case interpreter.OpLLMCall:
		prompt, _ := op.Params["prompt"].(string)
		reply, err := p.Client.Call(ctx, llm.CallRequest{
			ModelID:     opts.ModelID,
			Messages:    []llm.Message{{Role: "user", Content: prompt}},
			MaxTokens:   p.Config.MaxTokens,
			Temperature: p.Config.Temperature,
		})
		if err != nil {
			return nil, err
		}
		p.recordDeferredCost(reply, opts)
		return reply.Text, nil

	case interpreter.OpLLMBatch:
		prompts := toStrings(op.Params["prompts"])
		reqs := make([]llm.CallRequest, len(prompts))
		for i, prompt := range prompts {
			reqs[i] = llm.CallRequest{ModelID: opts.ModelID, Messages: []llm.Message{{Role: "user", Content: prompt}}, MaxTokens: p.Config.MaxTokens, Temperature: p.Config.Temperature}
		}
		replies, err := p.Client.Batch(ctx, reqs)
		if err != nil {
			return nil, err
		}
		texts := make([]string, len(replies))
		for i, r := range replies {
			p.recordDeferredCost(r, opts)
			texts[i] = r.Text
		}
		return texts, nil

	case interpreter.OpSummarize:
		text, _ := op.Params["text"].(string)
		reply, err := p.Client.Call(ctx, llm.CallRequest{
			ModelID:     opts.ModelID,
			Messages:    []llm.Message{{Role: "user", Content: "Summarize the following concisely:\n\n" + text}},
			MaxTokens:   p.Config.MaxTokens,
			Temperature: p.Config.Temperature,
		})
		if err != nil {
			return nil, err
		}
		p.recordDeferredCost(reply, opts)
		return reply.Text, nil

	case interpreter.OpFindRelevant:
		if p.Memory == nil {
			return []string{}, nil
		}
		query, _ := op.Params["query"].(string)
		k := 5
		if kv, ok := op.Params["k"].(float64); ok && kv > 0 {
			k = int(kv)
		}
		scored, err := p.Memory.SearchContent(query, k, memory.SearchOptions{})
		if err != nil {
			return nil, err
		}
		out := make([]string, len(scored))
		for i, sn := range scored {
			out[i] = sn.Node.Content
		}
		return out, nil

	default:
		return nil, fmt.Errorf("module.resolveDeferredOp: unknown op kind %q", op.Kind)
	}
}

func (p *Predict) recordDeferredCost(reply llm.Reply, opts ForwardOptions) {
	if p.Costs == nil {
		return
	}
	p.Costs.Record(costs.Record{
		Tier:         opts.Tier,
		Depth:        opts.Depth,
		ModelID:      opts.ModelID,
		InputTokens:  reply.InputTokens,
		OutputTokens: reply.OutputTokens,
	})
}

// buildInterpreterScript embeds prompt into a yaegi-runnable package main
// that calls the model, parses its reply the same way parseOutputs does
// (direct JSON unmarshal, falling back to the text from the last '{'
// through the last '}'), and submits the result. %q-escaping keeps the prompt a
// single valid Go string literal regardless of its content.
func buildInterpreterScript(prompt string) string {
	return fmt.Sprintf(`package main

import (
	"encoding/json"
	"strings"

	"host"
)

func main() {
	reply := host.Llm(%s)
	text := strings.TrimSpace(reply)

	var outputs map[string]interface{}
	if err := json.Unmarshal([]byte(text), &outputs); err != nil {
		start := strings.LastIndex(text, "{")
		end := strings.LastIndex(text, "}")
		if start == -1 || end == -1 || end < start {
			host.Submit(map[string]interface{}{})
			return
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &outputs); err != nil {
			host.Submit(map[string]interface{}{})
			return
		}
	}
	host.Submit(outputs)
}
`, fmt.Sprintf("%q", prompt))
}

func opKinds(ops []interpreter.DeferredOperation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = string(op.Kind)
	}
	return out
}

func toStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
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
