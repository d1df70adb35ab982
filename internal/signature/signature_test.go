package signature

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleSignature() Signature {
	return Signature{
		Instructions: "summarize and score",
		Inputs: []FieldSpec{
			{Name: "text", Type: String(), Required: true},
		},
		Outputs: []FieldSpec{
			{Name: "summary", Type: String(), Required: true},
			{Name: "score", Type: Float(), Required: true},
			{Name: "tag", Type: Enum("low", "medium", "high"), Required: false, Default: "low"},
		},
	}
}

func TestSignatureValidateOK(t *testing.T) {
	require.NoError(t, sampleSignature().Validate())
}

func TestSignatureValidateRejectsEmptyInputs(t *testing.T) {
	s := sampleSignature()
	s.Inputs = nil
	require.Error(t, s.Validate())
}

func TestSignatureValidateRejectsDuplicateNames(t *testing.T) {
	s := sampleSignature()
	s.Outputs = append(s.Outputs, FieldSpec{Name: "summary", Type: String(), Required: true})
	require.Error(t, s.Validate())
}

func TestSignatureValidateRejectsRequiredWithDefault(t *testing.T) {
	s := sampleSignature()
	s.Outputs[0].Default = "x"
	require.Error(t, s.Validate())
}

func TestValidateOutputsMissingField(t *testing.T) {
	s := sampleSignature()
	issues := s.ValidateOutputs(map[string]any{"summary": "ok"}, ValidationOptions{})
	require.Len(t, issues, 1)
	require.Equal(t, KindMissingField, issues[0].Kind)
	require.Equal(t, "score", issues[0].Field)
}

func TestValidateOutputsSuccess(t *testing.T) {
	s := sampleSignature()
	issues := s.ValidateOutputs(map[string]any{"summary": "ok", "score": 0.9}, ValidationOptions{})
	require.Empty(t, issues)
}

func TestValidateOutputsEnumInvalid(t *testing.T) {
	s := sampleSignature()
	issues := s.ValidateOutputs(map[string]any{"summary": "ok", "score": 0.9, "tag": "extreme"}, ValidationOptions{})
	require.Len(t, issues, 1)
	require.Equal(t, KindEnumInvalid, issues[0].Kind)
}

func TestValidateRejectsUnknownFieldUnlessPermissive(t *testing.T) {
	s := sampleSignature()
	values := map[string]any{"summary": "ok", "score": 0.9, "extra": "nope"}

	issues := s.ValidateOutputs(values, ValidationOptions{})
	require.Len(t, issues, 1)
	require.Equal(t, KindUnknownField, issues[0].Kind)

	issues = s.ValidateOutputs(values, ValidationOptions{Permissive: true})
	require.Empty(t, issues)
}

func TestAssignableNumericWidening(t *testing.T) {
	require.True(t, Assignable(3, Float()))
	require.True(t, Assignable(3.5, Float()))
	require.False(t, Assignable("3", Float()))
	require.False(t, Assignable(3.5, Integer()))
}

func TestAssignableList(t *testing.T) {
	typ := List(String())
	require.True(t, Assignable([]any{"a", "b"}, typ))
	require.False(t, Assignable([]any{"a", 1}, typ))
}

func TestContentHashStableAndOrderIndependent(t *testing.T) {
	s := sampleSignature()
	h1 := s.ContentHash()

	reordered := s
	reordered.Outputs = []FieldSpec{s.Outputs[2], s.Outputs[0], s.Outputs[1]}
	require.Equal(t, h1, reordered.ContentHash())
}

func TestRegistryIdempotentRegistration(t *testing.T) {
	r := NewRegistry()
	s := sampleSignature()
	require.NoError(t, r.Register("root", s))
	require.NoError(t, r.Register("root", s))

	got, ok := r.Get("root")
	require.True(t, ok)
	require.Equal(t, s.ContentHash(), got.ContentHash())

	r.Clear("root")
	_, ok = r.Get("root")
	require.False(t, ok)
}

func TestSatisfiesFieldComposition(t *testing.T) {
	upstream := FieldSpec{Name: "score", Type: Integer(), Required: true}
	downstream := FieldSpec{Name: "score", Type: Float(), Required: true}
	require.True(t, SatisfiesField(upstream, downstream))

	bad := FieldSpec{Name: "score", Type: String(), Required: true}
	require.False(t, SatisfiesField(bad, downstream))
}
