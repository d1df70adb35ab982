// Package module implements the composable Module/Predict abstraction: a
// signature bound to an execution strategy. Predict is the canonical
// single-step module — prompt assembly, model call, parse, validate, one
// repair retry — grounded on the teacher's session spawner lifecycle
// (internal/session/spawner.go's build-dispatch-collect shape, generalized
// here from subagent processes to a single LLM round trip) and on the
// rand-recurse direct-execution path (orchestrator-core.go's
// executeDirect) for the prompt-then-parse control flow.
package module

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"rlmkernel/internal/costs"
	"rlmkernel/internal/errs"
	"rlmkernel/internal/interpreter"
	"rlmkernel/internal/llm"
	"rlmkernel/internal/memory"
	"rlmkernel/internal/signature"
	"rlmkernel/internal/trajectory"
)

// Demonstration is one few-shot example interleaved into the prompt.
type Demonstration struct {
	Inputs  map[string]any
	Outputs map[string]any
}

// Config is a Predict module's sampling configuration.
type Config struct {
	Temperature   float64
	MaxTokens     int
	StopSequences []string
}

// Predict binds a signature to a prompt-and-parse execution strategy.
type Predict struct {
	Name           string
	Signature      signature.Signature
	Demonstrations []Demonstration
	Config         Config

	Client   llm.Client
	Costs    *costs.Tracker
	Trace    *trajectory.Sink
	SubModules []*Predict // DAG children; composition validated at build time, never at call time

	// Pool, when set, routes Forward through the sandboxed interpreter
	// (Signature -> Interpreter in the data flow) instead of calling Client
	// directly. Memory backs the interpreter's find_relevant suspension
	// point; nil means find_relevant returns no results. Both are optional
	// so unit tests can build a bare Predict against a fake Client without
	// spawning a real worker subprocess.
	Pool   *interpreter.Pool
	Memory *memory.Store
}

// New builds a Predict module. The signature is validated immediately so
// malformed construction fails fast rather than on first Forward.
func New(name string, sig signature.Signature, client llm.Client, tracker *costs.Tracker, trace *trajectory.Sink) (*Predict, error) {
	if err := sig.Validate(); err != nil {
		return nil, errs.Wrap(errs.ConfigError, "module.New", err)
	}
	return &Predict{
		Name:      name,
		Signature: sig,
		Config:    Config{Temperature: 0.5, MaxTokens: 2000},
		Client:    client,
		Costs:     tracker,
		Trace:     trace,
	}, nil
}

// Compose attaches child as a sub-module of p, after validating that p's
// output schema satisfies child's input schema: every required input
// field of child must be present among p's outputs with an assignable
// type. Cycles are rejected explicitly: if p is already reachable from
// child, attaching child to p would close a loop in the module arena.
func (p *Predict) Compose(child *Predict) error {
	if reaches(child, p) {
		return errs.New(errs.ConfigError, "module.Compose", fmt.Sprintf("composing %q under %q would create a cycle", child.Name, p.Name))
	}
	for _, in := range child.Signature.Inputs {
		if !in.Required {
			continue
		}
		var match *signature.FieldSpec
		for i := range p.Signature.Outputs {
			if p.Signature.Outputs[i].Name == in.Name {
				match = &p.Signature.Outputs[i]
				break
			}
		}
		if match == nil {
			return errs.New(errs.ConfigError, "module.Compose", fmt.Sprintf("upstream %q has no output named %q required by downstream %q", p.Name, in.Name, child.Name))
		}
		if !signature.SatisfiesField(*match, in) {
			return errs.New(errs.ConfigError, "module.Compose", fmt.Sprintf("upstream %q output %q is not assignable to downstream %q input", p.Name, in.Name, in.Name))
		}
	}
	child.Client = p.Client
	child.Costs = p.Costs
	child.Trace = p.Trace
	child.Pool = p.Pool
	child.Memory = p.Memory
	p.SubModules = append(p.SubModules, child)
	return nil
}

// ForwardOptions tunes a single Forward call.
type ForwardOptions struct {
	Tier          costs.Tier
	Depth         int
	ModelID       string
	UnderFallback bool // when true, the first validation failure surfaces without a retry
}

// Forward validates inputs, builds the prompt, calls the model, parses and
// validates the response, retrying once with a repair hint on a first
// validation failure unless opts.UnderFallback.
func (p *Predict) Forward(ctx context.Context, inputs map[string]any, opts ForwardOptions) (map[string]any, []signature.ValidationIssue, error) {
	if issues := p.Signature.ValidateInputs(inputs, signature.ValidationOptions{}); len(issues) > 0 {
		return nil, issues, nil
	}

	outputs, issues, err := p.attempt(ctx, inputs, opts, "")
	if err != nil {
		return nil, nil, err
	}
	if len(issues) == 0 {
		return outputs, nil, nil
	}
	if opts.UnderFallback {
		return nil, issues, nil
	}

	hint := repairHint(issues)
	outputs, issues, err = p.attempt(ctx, inputs, opts, hint)
	if err != nil {
		return nil, nil, err
	}
	return outputs, issues, nil
}

func (p *Predict) attempt(ctx context.Context, inputs map[string]any, opts ForwardOptions, repairHint string) (map[string]any, []signature.ValidationIssue, error) {
	if p.Pool != nil {
		return p.attemptInterpreted(ctx, inputs, opts, repairHint)
	}

	prompt := p.buildPrompt(inputs, repairHint)

	req := llm.CallRequest{
		ModelID:       opts.ModelID,
		Messages:      []llm.Message{{Role: "user", Content: prompt}},
		StopSequences: p.Config.StopSequences,
		MaxTokens:     p.Config.MaxTokens,
		Temperature:   p.Config.Temperature,
		Schema:        outputJSONSchema(p.Signature),
	}

	reply, err := p.Client.Call(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	if p.Costs != nil {
		p.Costs.Record(costs.Record{
			Tier:         opts.Tier,
			Depth:        opts.Depth,
			ModelID:      req.ModelID,
			InputTokens:  reply.InputTokens,
			OutputTokens: reply.OutputTokens,
		})
	}
	if p.Trace != nil {
		p.Trace.Append(trajectory.KindModelCall, opts.Depth, map[string]any{
			"module": p.Name,
			"tier":   string(opts.Tier),
			"model":  req.ModelID,
		}, nil)
	}

	candidate, err := parseOutputs(reply.Text, p.Signature)
	if err != nil {
		return nil, []signature.ValidationIssue{{Kind: signature.KindTypeMismatch, Detail: err.Error()}}, nil
	}

	issues := p.Signature.ValidateOutputs(candidate, signature.ValidationOptions{})
	return candidate, issues, nil
}

// buildPrompt assembles the instruction header, per-field prompts with
// prefixes, demonstrations interleaved as (input_block, output_block)
// pairs, and the final open input block.
func (p *Predict) buildPrompt(inputs map[string]any, repairHint string) string {
	var b strings.Builder
	b.WriteString(p.Signature.Instructions)
	b.WriteString("\n\n")

	for _, f := range p.Signature.Inputs {
		b.WriteString(fieldPrompt(f))
	}
	b.WriteString("\nOutputs:\n")
	for _, f := range p.Signature.Outputs {
		b.WriteString(fieldPrompt(f))
	}

	for _, demo := range p.Demonstrations {
		b.WriteString("\n---\n")
		b.WriteString(renderBlock("Input", demo.Inputs))
		b.WriteString(renderBlock("Output", demo.Outputs))
	}

	b.WriteString("\n---\n")
	b.WriteString(renderBlock("Input", inputs))
	if repairHint != "" {
		b.WriteString("\nThe previous output failed validation: ")
		b.WriteString(repairHint)
		b.WriteString("\n")
	}
	b.WriteString("Output (JSON object matching the fields above):\n")
	return b.String()
}

func fieldPrompt(f signature.FieldSpec) string {
	prefix := f.Prefix
	if prefix == "" {
		prefix = f.Name
	}
	return fmt.Sprintf("%s (%s): %s\n", prefix, f.Type.Tag, f.Description)
}

func renderBlock(label string, values map[string]any) string {
	data, _ := json.Marshal(values)
	return fmt.Sprintf("%s: %s\n", label, string(data))
}

// outputJSONSchema renders a minimal JSON schema for structured-output
// requests, used when the Client supports CallRequest.Schema.
func outputJSONSchema(sig signature.Signature) map[string]any {
	props := make(map[string]any, len(sig.Outputs))
	var required []string
	for _, f := range sig.Outputs {
		props[f.Name] = map[string]any{"type": jsonSchemaType(f.Type)}
		if f.Required {
			required = append(required, f.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func jsonSchemaType(t signature.Type) string {
	switch t.Tag {
	case signature.TagInteger:
		return "integer"
	case signature.TagFloat:
		return "number"
	case signature.TagBoolean:
		return "boolean"
	case signature.TagList:
		return "array"
	case signature.TagObject:
		return "object"
	default:
		return "string"
	}
}

// parseOutputs extracts a candidate output map from the model's raw text:
// structured-output replies are a bare JSON object; otherwise falls back
// to parsing the text from the last '{' through the last '}' (delimiter
// parsing), so a trailing object that itself contains nested objects is
// not recovered. This is the same tolerance the teacher's tool-call parsing applies to
// loosely-formatted model replies.
func parseOutputs(text string, sig signature.Signature) (map[string]any, error) {
	text = strings.TrimSpace(text)

	var direct map[string]any
	if err := json.Unmarshal([]byte(text), &direct); err == nil {
		return direct, nil
	}

	start := strings.LastIndex(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON object found in model output")
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse model output as JSON: %w", err)
	}
	return parsed, nil
}

// reaches reports whether target is reachable from start by walking
// SubModules, used to reject back-edges before they are created.
func reaches(start, target *Predict) bool {
	if start == target {
		return true
	}
	for _, child := range start.SubModules {
		if reaches(child, target) {
			return true
		}
	}
	return false
}

func repairHint(issues []signature.ValidationIssue) string {
	var parts []string
	for _, iss := range issues {
		if iss.Field != "" {
			parts = append(parts, fmt.Sprintf("%s (%s): %s", iss.Field, iss.Kind, iss.Detail))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", iss.Kind, iss.Detail))
		}
	}
	return strings.Join(parts, "; ")
}
