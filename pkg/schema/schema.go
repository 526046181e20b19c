// Package schema defines the static schema descriptors bound to per-tenant
// database handles. Descriptors are compiled once at startup and shared
// process-wide; binding one to a connection handle produces a model object.
package schema

import (
	"fmt"
	"time"
)

// FieldType enumerates the value types a descriptor field may declare.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeBool     FieldType = "bool"
	TypeInt      FieldType = "int"
	TypeDateTime FieldType = "datetime"
	TypeObjectID FieldType = "objectid"
	TypeStrings  FieldType = "[]string"
)

// Field describes a single document field: its type and validation rules.
type Field struct {
	Name      string
	Type      FieldType
	Required  bool
	Enum      []string
	MaxLength int
}

// Descriptor is an immutable description of one model: the collection it maps
// to and the fields its documents carry. Descriptors must not be mutated after
// startup.
type Descriptor struct {
	Name       string
	Collection string
	Fields     []Field
}

// Field returns the named field definition.
func (d *Descriptor) Field(name string) (*Field, bool) {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			return &d.Fields[i], true
		}
	}
	return nil, false
}

// check verifies the descriptor itself is well-formed.
func (d *Descriptor) check() error {
	if d.Name == "" {
		return fmt.Errorf("descriptor name is required")
	}
	if d.Collection == "" {
		return fmt.Errorf("descriptor %s: collection is required", d.Name)
	}
	seen := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("descriptor %s: field name is required", d.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("descriptor %s: duplicate field %s", d.Name, f.Name)
		}
		seen[f.Name] = true
		switch f.Type {
		case TypeString, TypeBool, TypeInt, TypeDateTime, TypeObjectID, TypeStrings:
		default:
			return fmt.Errorf("descriptor %s: field %s has unknown type %q", d.Name, f.Name, f.Type)
		}
		if len(f.Enum) > 0 && f.Type != TypeString {
			return fmt.Errorf("descriptor %s: field %s: enum is only valid for string fields", d.Name, f.Name)
		}
	}
	return nil
}

// ValidateDocument checks a document against the descriptor: required fields
// present, declared types respected, enum and length constraints honored.
// Fields not declared in the descriptor are rejected.
func (d *Descriptor) ValidateDocument(doc map[string]interface{}) error {
	for _, f := range d.Fields {
		v, ok := doc[f.Name]
		if !ok || v == nil {
			if f.Required {
				return fmt.Errorf("%s: field %s is required", d.Name, f.Name)
			}
			continue
		}
		if err := f.validateValue(v); err != nil {
			return fmt.Errorf("%s: %w", d.Name, err)
		}
	}
	for k := range doc {
		if k == "_id" {
			continue
		}
		if _, ok := d.Field(k); !ok {
			return fmt.Errorf("%s: unknown field %s", d.Name, k)
		}
	}
	return nil
}

// ValidatePatch checks a partial update: every field named in the patch must
// be declared and carry a value of the declared type. A required field may not
// be unset.
func (d *Descriptor) ValidatePatch(patch map[string]interface{}) error {
	for k, v := range patch {
		f, ok := d.Field(k)
		if !ok {
			return fmt.Errorf("%s: unknown field %s", d.Name, k)
		}
		if v == nil {
			if f.Required {
				return fmt.Errorf("%s: field %s cannot be unset", d.Name, k)
			}
			continue
		}
		if err := f.validateValue(v); err != nil {
			return fmt.Errorf("%s: %w", d.Name, err)
		}
	}
	return nil
}

func (f *Field) validateValue(v interface{}) error {
	switch f.Type {
	case TypeString, TypeObjectID:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("field %s: expected string, got %T", f.Name, v)
		}
		if f.MaxLength > 0 && len(s) > f.MaxLength {
			return fmt.Errorf("field %s: exceeds max length %d", f.Name, f.MaxLength)
		}
		if len(f.Enum) > 0 && !contains(f.Enum, s) {
			return fmt.Errorf("field %s: value %q not in %v", f.Name, s, f.Enum)
		}
	case TypeBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("field %s: expected bool, got %T", f.Name, v)
		}
	case TypeInt:
		switch v.(type) {
		case int, int32, int64:
		default:
			return fmt.Errorf("field %s: expected int, got %T", f.Name, v)
		}
	case TypeDateTime:
		if _, ok := v.(time.Time); !ok {
			return fmt.Errorf("field %s: expected time.Time, got %T", f.Name, v)
		}
	case TypeStrings:
		switch vv := v.(type) {
		case []string:
		case []interface{}:
			for _, item := range vv {
				if _, ok := item.(string); !ok {
					return fmt.Errorf("field %s: expected []string, found %T element", f.Name, item)
				}
			}
		default:
			return fmt.Errorf("field %s: expected []string, got %T", f.Name, v)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
