package localstore

// Document is a single record in a collection. Values are kept in their
// JSON-native kinds (string, float64, bool) so snapshots and remote payloads
// round-trip without drift.
type Document map[string]any

// ID returns the document identifier.
func (d Document) ID() (string, bool) {
	id, ok := d["id"].(string)
	return id, ok && id != ""
}

// Clone deep-copies the document so callers never alias store-internal maps.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case Document:
		return map[string]any(t.Clone())
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return t
	}
}
