package localstore

import (
	"fmt"
	"math"
)

type FieldType string

const (
	FieldString  FieldType = "string"
	FieldInteger FieldType = "integer"
	FieldNumber  FieldType = "number"
	FieldBool    FieldType = "bool"
)

type Field struct {
	Type     FieldType
	Required bool
}

// Schema declares the permitted fields of a collection. Documents with
// undeclared fields are rejected.
type Schema map[string]Field

func (s Schema) validate(collection string, doc Document) error {
	for name, field := range s {
		v, ok := doc[name]
		if !ok {
			if field.Required {
				return &ValidationError{Collection: collection, Field: name, Reason: "is required"}
			}
			continue
		}
		if !field.Type.matches(v) {
			return &ValidationError{Collection: collection, Field: name, Reason: fmt.Sprintf("must be a %s", field.Type)}
		}
	}
	for name := range doc {
		if _, ok := s[name]; !ok {
			return &ValidationError{Collection: collection, Field: name, Reason: "is not declared in the schema"}
		}
	}
	return nil
}

func (t FieldType) matches(v any) bool {
	switch t {
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldBool:
		_, ok := v.(bool)
		return ok
	case FieldNumber:
		_, ok := v.(float64)
		return ok
	case FieldInteger:
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	default:
		return false
	}
}

// normalize coerces Go integer kinds to float64 in place so every document
// carries one numeric representation, the same one JSON decoding produces.
func normalize(doc Document) {
	for k, v := range doc {
		switch t := v.(type) {
		case int:
			doc[k] = float64(t)
		case int32:
			doc[k] = float64(t)
		case int64:
			doc[k] = float64(t)
		case float32:
			doc[k] = float64(t)
		}
	}
}
