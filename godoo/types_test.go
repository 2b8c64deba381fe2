package godoo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainToRPC(t *testing.T) {
	base := Domain{{"active", "=", true}}
	d := base.And(Or(DomainCondition{"default_code", "=", "X1"}, DomainCondition{"barcode", "=", "779"})...)

	assert.Equal(t, []interface{}{
		[]interface{}{"active", "=", true},
		"|",
		[]interface{}{"default_code", "=", "X1"},
		[]interface{}{"barcode", "=", "779"},
	}, d.ToRPC())
	assert.Len(t, base, 1, "And must not modify the receiver")
}

func TestFindOptionsIncludeArchived(t *testing.T) {
	rpc := FindOptions{IncludeArchived: true, Limit: 10}.toOptions(Fields{"name"}).ToRPC()
	assert.Equal(t, map[string]interface{}{"active_test": false}, rpc["context"])
	assert.Equal(t, 10, rpc["limit"])
	assert.Equal(t, []string{"name"}, rpc["fields"])

	rpc = FindOptions{}.toOptions(nil).ToRPC()
	assert.NotContains(t, rpc, "context")
	assert.NotContains(t, rpc, "fields")
}

func TestFieldsWithout(t *testing.T) {
	f := Fields{"name", "x_brand", "barcode"}
	assert.Equal(t, Fields{"name", "barcode"}, f.Without("x_brand"))
	assert.True(t, f.Contains("x_brand"))
	assert.False(t, f.Without("x_brand").Contains("x_brand"))
}

func TestSetMany2Many(t *testing.T) {
	assert.Equal(t, []interface{}{[]interface{}{6, 0, []interface{}{int64(4), int64(9)}}}, SetMany2Many([]int64{4, 9}))
	assert.Equal(t, []interface{}{[]interface{}{6, 0, []interface{}{}}}, SetMany2Many(nil))
}

func TestNewRecordNormalizesWireShapes(t *testing.T) {
	rec := NewRecord(map[string]interface{}{
		"id":          int64(3),
		"categ_id":    []interface{}{int64(7), "All / Saleable"},
		"taxes_id":    []interface{}{int64(1), int64(2)},
		"tag_ids":     []interface{}{[]interface{}{int64(4), "VIP"}},
		"uom_id":      false,
		"list_price":  12.5,
		"active":      true,
		"description": false,
	})

	ref, ok := rec.Ref("categ_id")
	require.True(t, ok)
	assert.Equal(t, Ref{ID: 7, Label: "All / Saleable"}, ref)
	assert.Equal(t, []Ref{{ID: 1}, {ID: 2}}, rec.Refs("taxes_id"))
	assert.Equal(t, []Ref{{ID: 4, Label: "VIP"}}, rec.Refs("tag_ids"))

	_, ok = rec.Ref("uom_id")
	assert.False(t, ok)
	assert.Equal(t, "", rec.String("description"))
	assert.Equal(t, 12.5, rec.Float("list_price"))
	assert.True(t, rec.Bool("active", false))
	assert.True(t, rec.Bool("missing", true))
	assert.Equal(t, int64(3), rec.ID())
}
