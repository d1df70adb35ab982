package signature

import (
	"fmt"
)

// ValidationErrorKind is the closed set of validation failure kinds named
// in the Submit Result data model entry.
type ValidationErrorKind string

const (
	KindNoSignatureRegistered ValidationErrorKind = "no_signature_registered"
	KindMissingField          ValidationErrorKind = "missing_field"
	KindTypeMismatch          ValidationErrorKind = "type_mismatch"
	KindEnumInvalid           ValidationErrorKind = "enum_invalid"
	KindMultipleSubmits       ValidationErrorKind = "multiple_submits"
	KindUnknownField          ValidationErrorKind = "unknown_field"
)

// ValidationIssue is one structured validation failure.
type ValidationIssue struct {
	Kind   ValidationErrorKind
	Field  string
	Detail string
}

// ValidationOptions controls the strictness of a validation pass.
type ValidationOptions struct {
	// Permissive, when true, allows fields present in the value map that
	// are not declared in the signature, per "unless the caller opts into
	// permissive".
	Permissive bool
}

// ValidateInputs checks a candidate input map against the signature's
// input fields: required fields must be present and assignable, optional
// fields may be absent or explicitly nil, and unknown fields are rejected
// unless opts.Permissive.
func (s Signature) ValidateInputs(values map[string]any, opts ValidationOptions) []ValidationIssue {
	return validateFields(s.Inputs, values, opts)
}

// ValidateOutputs checks a candidate output map the same way ValidateInputs
// does, additionally enforcing enum membership (shared by validateFields
// via checkType, which both paths call).
func (s Signature) ValidateOutputs(values map[string]any, opts ValidationOptions) []ValidationIssue {
	return validateFields(s.Outputs, values, opts)
}

func validateFields(fields []FieldSpec, values map[string]any, opts ValidationOptions) []ValidationIssue {
	var issues []ValidationIssue
	declared := make(map[string]bool, len(fields))

	for _, f := range fields {
		declared[f.Name] = true
		v, present := values[f.Name]

		if !present || v == nil {
			if f.Required {
				issues = append(issues, ValidationIssue{Kind: KindMissingField, Field: f.Name, Detail: "required field is absent"})
			}
			continue
		}

		if issue := checkType(f, v); issue != nil {
			issues = append(issues, *issue)
		}
	}

	if !opts.Permissive {
		for name := range values {
			if !declared[name] {
				issues = append(issues, ValidationIssue{Kind: KindUnknownField, Field: name, Detail: "field not declared in signature"})
			}
		}
	}

	return issues
}

// checkType applies the assignability rules: numeric widening (Integer =>
// Float) is allowed, string<->non-string is never implicit, lists are
// checked element-wise, and objects recursively.
func checkType(f FieldSpec, v any) *ValidationIssue {
	if !Assignable(v, f.Type) {
		return &ValidationIssue{Kind: KindTypeMismatch, Field: f.Name, Detail: fmt.Sprintf("value %v is not assignable to %s", v, f.Type.Tag)}
	}
	if f.Type.Tag == TagEnum {
		s, ok := v.(string)
		if !ok || !enumContains(f.Type.Enum, s) {
			return &ValidationIssue{Kind: KindEnumInvalid, Field: f.Name, Detail: fmt.Sprintf("value %v not in enum %v", v, f.Type.Enum)}
		}
	}
	return nil
}

func enumContains(values []string, v string) bool {
	for _, e := range values {
		if e == v {
			return true
		}
	}
	return false
}

// Assignable implements the assignability rules from the data model:
// numeric widening (Integer => Float) is allowed; string<->non-string is
// never implicit; List checks every element; Object recurses field by
// field; Enum/Custom are checked by their own rules at the call site.
func Assignable(v any, t Type) bool {
	switch t.Tag {
	case TagString, TagEnum, TagCustom:
		_, ok := v.(string)
		return ok
	case TagInteger:
		switch v.(type) {
		case int, int32, int64:
			return true
		default:
			return false
		}
	case TagFloat:
		switch v.(type) {
		case float32, float64, int, int32, int64:
			return true // numeric widening: Integer => Float
		default:
			return false
		}
	case TagBoolean:
		_, ok := v.(bool)
		return ok
	case TagList:
		items, ok := v.([]any)
		if !ok {
			return false
		}
		if t.Elem == nil {
			return false
		}
		for _, item := range items {
			if !Assignable(item, *t.Elem) {
				return false
			}
		}
		return true
	case TagObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return false
		}
		for _, f := range t.Fields {
			val, present := obj[f.Name]
			if !present || val == nil {
				if f.Required {
					return false
				}
				continue
			}
			if !Assignable(val, f.Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// SatisfiesField reports whether an upstream output field can feed a
// downstream input field under composition: names must match (checked by
// the caller) and the output's type must be assignable to the input's
// type, per compose(A, B)'s validity rule.
func SatisfiesField(upstream, downstream FieldSpec) bool {
	return typeAssignableTo(upstream.Type, downstream.Type)
}

// typeAssignableTo checks static type compatibility (as opposed to a
// runtime value), used by module composition to validate a DAG edge before
// any data has flowed.
func typeAssignableTo(from, to Type) bool {
	if from.Tag == to.Tag {
		switch from.Tag {
		case TagList:
			if from.Elem == nil || to.Elem == nil {
				return false
			}
			return typeAssignableTo(*from.Elem, *to.Elem)
		case TagObject:
			for _, tf := range to.Fields {
				var match *FieldSpec
				for i := range from.Fields {
					if from.Fields[i].Name == tf.Name {
						match = &from.Fields[i]
						break
					}
				}
				if match == nil {
					if tf.Required {
						return false
					}
					continue
				}
				if !typeAssignableTo(match.Type, tf.Type) {
					return false
				}
			}
			return true
		case TagEnum:
			for _, v := range to.Enum {
				if !enumContains(from.Enum, v) {
					return false
				}
			}
			return true
		default:
			return true
		}
	}
	// Numeric widening at the static level: Integer => Float.
	if from.Tag == TagInteger && to.Tag == TagFloat {
		return true
	}
	return false
}
