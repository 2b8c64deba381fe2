package godoo

import "strconv"

// Ref is the canonical shape of a relational value: the id of the related row
// plus its display label when Odoo sent one.
type Ref struct {
	ID    int64
	Label string
}

// Record is one row returned by Find. Relational values are normalized when the
// record is built, so callers never see Odoo's wire shapes:
//
//	[7, "All / Saleable"]          -> Ref{7, "All / Saleable"}
//	[1, 2, 3]                      -> []Ref{{ID: 1}, {ID: 2}, {ID: 3}}
//	[[1, "IVA 21%"], [2, "Exento"]] -> []Ref{{1, "IVA 21%"}, {2, "Exento"}}
//
// Scalars are kept as decoded; Odoo encodes an empty scalar as false, which the
// typed accessors treat as the zero value.
type Record struct {
	values map[string]interface{}
}

// NewRecord builds a Record from a decoded search_read row.
func NewRecord(raw map[string]interface{}) Record {
	values := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		values[k] = normalizeValue(v)
	}
	return Record{values: values}
}

func normalizeValue(v interface{}) interface{} {
	list, ok := v.([]interface{})
	if !ok {
		return v
	}
	if len(list) == 2 {
		if id, ok := toInt64(list[0]); ok {
			if label, ok := list[1].(string); ok {
				return Ref{ID: id, Label: label}
			}
		}
	}
	refs := make([]Ref, 0, len(list))
	for _, item := range list {
		switch it := item.(type) {
		case []interface{}:
			if len(it) == 0 {
				continue
			}
			id, ok := toInt64(it[0])
			if !ok {
				return v
			}
			ref := Ref{ID: id}
			if len(it) > 1 {
				ref.Label, _ = it[1].(string)
			}
			refs = append(refs, ref)
		default:
			id, ok := toInt64(item)
			if !ok {
				// Not a relation (e.g. a selection list); keep the raw value.
				return v
			}
			refs = append(refs, Ref{ID: id})
		}
	}
	return refs
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

// ID returns the record id, or 0 when the projection did not include it.
func (r Record) ID() int64 {
	id, _ := toInt64(r.values["id"])
	return id
}

// Has reports whether the field was returned.
func (r Record) Has(field string) bool {
	_, ok := r.values[field]
	return ok
}

// Raw returns the normalized value of a field.
func (r Record) Raw(field string) interface{} {
	return r.values[field]
}

// String returns a char/text/selection field; false and missing read as "".
func (r Record) String(field string) string {
	switch v := r.values[field].(type) {
	case string:
		return v
	case Ref:
		return v.Label
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// Bool returns a boolean field. A missing field reads as def, which lets the
// liveness flag default to true for models without an active column.
func (r Record) Bool(field string, def bool) bool {
	v, ok := r.values[field]
	if !ok || v == nil {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// Float returns a numeric field; false and missing read as 0.
func (r Record) Float(field string) float64 {
	switch v := r.values[field].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// Int returns an integer field; false and missing read as 0.
func (r Record) Int(field string) int64 {
	n, _ := toInt64(r.values[field])
	return n
}

// Ref returns a many2one value. ok is false when the relation is empty.
func (r Record) Ref(field string) (Ref, bool) {
	switch v := r.values[field].(type) {
	case Ref:
		return v, true
	case []Ref:
		if len(v) > 0 {
			return v[0], true
		}
	case int64:
		if v > 0 {
			return Ref{ID: v}, true
		}
	}
	return Ref{}, false
}

// Refs returns an x2many value; a many2one is returned as a one-element slice.
func (r Record) Refs(field string) []Ref {
	switch v := r.values[field].(type) {
	case []Ref:
		return v
	case Ref:
		return []Ref{v}
	}
	return nil
}

// Merge copies fields from other into r, overwriting existing values.
func (r Record) Merge(other Record) {
	for k, v := range other.values {
		r.values[k] = v
	}
}
