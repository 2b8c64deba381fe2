package mapper

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ilcreatore32/odoosync/godoo"
)

// DefaultPlaces is the number of decimals compared by a zero Differ.
const DefaultPlaces = 4

// Differ compares mapped values with the current target record.
type Differ struct {
	// Places is the number of decimals floats are rounded to before comparing.
	Places int32
}

// Changes returns the subset of values that differ from target. An empty result
// means the record is already up to date.
func (d Differ) Changes(target godoo.Record, values godoo.Data) godoo.Data {
	changes := godoo.Data{}
	for field, v := range values {
		if !d.Equal(target, field, v) {
			changes[field] = v
		}
	}
	return changes
}

// Equal reports whether target already holds value in field. value is in write
// shape: an id for a many2one, a (6, 0, ids) command for a many2many.
func (d Differ) Equal(target godoo.Record, field string, value interface{}) bool {
	if !target.Has(field) {
		return isZero(value)
	}
	have := target.Raw(field)

	if ids, ok := commandIDs(value); ok {
		return sameIDs(refIDs(target.Refs(field)), ids)
	}

	switch want := value.(type) {
	case bool:
		b, ok := have.(bool)
		return ok && b == want
	case string:
		return target.String(field) == want
	case int:
		return d.equalInt(target, field, int64(want))
	case int64:
		return d.equalInt(target, field, want)
	case float64:
		return d.equalFloat(have, decimal.NewFromFloat(want))
	case decimal.Decimal:
		return d.equalFloat(have, want)
	case nil:
		return isZero(have)
	}
	return false
}

func (d Differ) equalInt(target godoo.Record, field string, want int64) bool {
	if ref, ok := target.Ref(field); ok {
		return ref.ID == want
	}
	switch have := target.Raw(field).(type) {
	case float64:
		return d.equalFloat(have, decimal.NewFromInt(want))
	case bool:
		return !have && want == 0
	}
	return target.Int(field) == want
}

func (d Differ) equalFloat(have interface{}, want decimal.Decimal) bool {
	var h decimal.Decimal
	switch x := have.(type) {
	case float64:
		h = decimal.NewFromFloat(x)
	case int64:
		h = decimal.NewFromInt(x)
	case int:
		h = decimal.NewFromInt(int64(x))
	case bool:
		if x {
			return false
		}
		h = decimal.Zero
	default:
		return false
	}
	places := d.Places
	if places <= 0 {
		places = DefaultPlaces
	}
	return h.Round(places).Equal(want.Round(places))
}

func isZero(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case string:
		return x == ""
	case int:
		return x == 0
	case int64:
		return x == 0
	case float64:
		return x == 0
	}
	if ids, ok := commandIDs(v); ok {
		return len(ids) == 0
	}
	return false
}

// commandIDs extracts the ids of a [(6, 0, ids)] command.
func commandIDs(v interface{}) ([]int64, bool) {
	cmds, ok := v.([]interface{})
	if !ok || len(cmds) != 1 {
		return nil, false
	}
	cmd, ok := cmds[0].([]interface{})
	if !ok || len(cmd) != 3 || cmd[0] != 6 {
		return nil, false
	}
	list, ok := cmd[2].([]interface{})
	if !ok {
		return nil, false
	}
	ids := make([]int64, 0, len(list))
	for _, item := range list {
		switch n := item.(type) {
		case int64:
			ids = append(ids, n)
		case int:
			ids = append(ids, int64(n))
		}
	}
	return ids, true
}

func refIDs(refs []godoo.Ref) []int64 {
	ids := make([]int64, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}
	return ids
}

func sameIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]int64(nil), a...)
	y := append([]int64(nil), b...)
	sort.Slice(x, func(i, j int) bool { return x[i] < x[j] })
	sort.Slice(y, func(i, j int) bool { return y[i] < y[j] })
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
