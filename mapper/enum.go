package mapper

import (
	"sort"

	"github.com/ilcreatore32/odoosync/godoo"
)

// EnumTable is a fixed translation of a selection value into target values.
type EnumTable struct {
	Values  map[string]godoo.Data
	Default godoo.Data
}

func (e EnumTable) lookup(v string) (godoo.Data, bool) {
	if d, ok := e.Values[v]; ok {
		return d, true
	}
	return e.Default, false
}

func (e EnumTable) fields() []string {
	seen := map[string]bool{}
	for _, d := range e.Values {
		for k := range d {
			seen[k] = true
		}
	}
	for k := range e.Default {
		seen[k] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ProductType translates the product type of Odoo 16 and older, where storable
// goods are type "product", into the type plus is_storable flag of Odoo 18.
var ProductType = EnumTable{
	Values: map[string]godoo.Data{
		"product": {"type": "consu", "is_storable": true},
		"consu":   {"type": "consu", "is_storable": false},
		"service": {"type": "service"},
		"combo":   {"type": "combo"},
	},
	Default: godoo.Data{"type": "consu", "is_storable": false},
}
