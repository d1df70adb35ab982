// Package signature implements the typed input/output contract (Signature)
// and its pre-execution validation, generalized from the teacher's JSON-
// schema tool definitions (internal/tools.ToolSchema / Property) into the
// closed FieldSpec tagged-variant the data model names, so that field
// dispatch pattern-matches on a fixed tag set instead of relying on
// reflection over an open JSON schema.
package signature

import (
	"fmt"
	"sort"
)

// Type is the closed tagged variant of field types. Validation always
// pattern-matches on Tag; List/Object/Enum/Custom carry their own payload
// instead of reusing the outer Type recursively in an open-ended way.
type Type struct {
	Tag    Tag
	Elem   *Type       // set when Tag == List
	Fields []FieldSpec // set when Tag == Object
	Enum   []string    // set when Tag == Enum
	Custom string      // set when Tag == Custom
}

// Tag enumerates the closed field-type variants named in the data model.
type Tag string

const (
	TagString  Tag = "string"
	TagInteger Tag = "integer"
	TagFloat   Tag = "float"
	TagBoolean Tag = "boolean"
	TagList    Tag = "list"
	TagObject  Tag = "object"
	TagEnum    Tag = "enum"
	TagCustom  Tag = "custom"
)

// Convenience constructors, used throughout module construction instead of
// building the Type literal by hand.
func String() Type               { return Type{Tag: TagString} }
func Integer() Type              { return Type{Tag: TagInteger} }
func Float() Type                { return Type{Tag: TagFloat} }
func Boolean() Type              { return Type{Tag: TagBoolean} }
func List(elem Type) Type        { return Type{Tag: TagList, Elem: &elem} }
func Object(fields []FieldSpec) Type { return Type{Tag: TagObject, Fields: fields} }
func Enum(values ...string) Type { return Type{Tag: TagEnum, Enum: values} }
func Custom(name string) Type    { return Type{Tag: TagCustom, Custom: name} }

// FieldSpec describes one input or output field.
type FieldSpec struct {
	Name        string
	Type        Type
	Description string
	Prefix      string // used when rendering the field into a prompt block
	Required    bool
	Default     any // only meaningful when Required == false
}

// Signature is the schema bound to a module: an instruction header plus
// input and output field lists.
type Signature struct {
	Instructions string
	Inputs       []FieldSpec
	Outputs      []FieldSpec
}

// Validate checks the signature construction invariants: at least one
// input, at least one output, unique names within each list, Default only
// on optional fields, and non-empty enum value sets.
func (s Signature) Validate() error {
	if len(s.Inputs) == 0 {
		return fmt.Errorf("signature: at least one input field is required")
	}
	if len(s.Outputs) == 0 {
		return fmt.Errorf("signature: at least one output field is required")
	}
	if err := validateFieldList("input", s.Inputs); err != nil {
		return err
	}
	if err := validateFieldList("output", s.Outputs); err != nil {
		return err
	}
	return nil
}

func validateFieldList(kind string, fields []FieldSpec) error {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return fmt.Errorf("signature: %s field has empty name", kind)
		}
		if seen[f.Name] {
			return fmt.Errorf("signature: duplicate %s field name %q", kind, f.Name)
		}
		seen[f.Name] = true
		if f.Required && f.Default != nil {
			return fmt.Errorf("signature: required %s field %q may not carry a default", kind, f.Name)
		}
		if f.Type.Tag == TagEnum && len(f.Type.Enum) == 0 {
			return fmt.Errorf("signature: enum %s field %q has no values", kind, f.Name)
		}
		if f.Type.Tag == TagList && f.Type.Elem == nil {
			return fmt.Errorf("signature: list %s field %q has no element type", kind, f.Name)
		}
	}
	return nil
}

// InputNames returns input field names in declared order, used by Predict
// when assembling the prompt's field blocks.
func (s Signature) InputNames() []string { return fieldNames(s.Inputs) }

// OutputNames returns output field names in declared order.
func (s Signature) OutputNames() []string { return fieldNames(s.Outputs) }

func fieldNames(fields []FieldSpec) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// ContentHash returns a stable, order-independent hash of the signature's
// shape, used by the registry to make registration idempotent by content.
func (s Signature) ContentHash() string {
	var parts []string
	parts = append(parts, "instructions:"+s.Instructions)
	parts = append(parts, hashFields("in", s.Inputs)...)
	parts = append(parts, hashFields("out", s.Outputs)...)
	sort.Strings(parts)
	h := uint64(1469598103934665603) // FNV offset basis
	for _, p := range parts {
		for _, b := range []byte(p) {
			h ^= uint64(b)
			h *= 1099511628211
		}
	}
	return fmt.Sprintf("%016x", h)
}

func hashFields(prefix string, fields []FieldSpec) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, fmt.Sprintf("%s:%s:%s:%v:%v", prefix, f.Name, f.Type.Tag, f.Required, f.Default))
	}
	return out
}
