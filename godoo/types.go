package godoo

// types.go

// Model represents an Odoo model name.
// This type provides compile-time safety and enables autocompletion
// in IDEs when using predefined model constants.
type Model string

// Predefined constants for the Odoo models touched by the synchronizer.
const (
	// Product & Inventory Models
	ModelProductProduct        Model = "product.product"         // Product Variants
	ModelProductTemplate       Model = "product.template"        // Product Templates
	ModelProductCategory       Model = "product.category"        // Internal Product Categories
	ModelPosCategory           Model = "pos.category"            // Point of Sale Categories
	ModelProductPublicCategory Model = "product.public.category" // eCommerce Categories
	ModelProductPricelist      Model = "product.pricelist"       // Pricelists
	ModelProductPricelistItem  Model = "product.pricelist.item"  // Pricelist Rules
	ModelUom                   Model = "uom.uom"                 // Units of Measure

	// Partner Models
	ModelResPartner             Model = "res.partner"                      // Contacts (Customers, Vendors, Addresses)
	ModelResCountry             Model = "res.country"                      // Countries
	ModelResCountryState        Model = "res.country.state"                // Provinces / States
	ModelAfipResponsibilityType Model = "l10n_ar.afip.responsibility.type" // AFIP responsibility (Argentina)

	// Accounting & Finance Models
	ModelAccountTax  Model = "account.tax"  // Taxes
	ModelResCurrency Model = "res.currency" // Currencies

	// System Models
	ModelIrModelData Model = "ir.model.data" // External identifiers (xml ids)
)

// DateTimeFormat is Odoo's wire format for datetime fields (always UTC).
const DateTimeFormat = "2006-01-02 15:04:05"

// DomainCondition represents a single element within an Odoo domain filter.
// It can be either a 3-element tuple [field, operator, value] for a condition,
// or a single string element for a logical operator like "|" or "&".
//
// Examples:
//
//	{"name", "=", "John Doe"} // A standard condition
//	{"|"}                    // A logical OR operator
type DomainCondition []interface{}

// Domain represents a collection of DomainCondition elements.
// Conditions are AND-combined unless a prefix operator ("|", "&", "!") says otherwise.
type Domain []DomainCondition

// Or returns the prefix-notation OR of two conditions, ready to be appended to a Domain.
func Or(a, b DomainCondition) Domain {
	return Domain{{"|"}, a, b}
}

// And returns a new Domain with the given conditions appended.
// The receiver is never modified, so a shared base domain can be extended safely.
func (d Domain) And(conds ...DomainCondition) Domain {
	out := make(Domain, 0, len(d)+len(conds))
	out = append(out, d...)
	return append(out, conds...)
}

// ToRPC converts the Go-native Domain type into the []interface{} format
// expected by Odoo's RPC for domain filters.
//
// Single-element conditions holding a string ({"|"}) are flattened into a bare
// operator string, which is how Odoo encodes prefix operators.
func (d Domain) ToRPC() []interface{} {
	rpcDomain := make([]interface{}, 0, len(d))
	for _, cond := range d {
		if len(cond) == 1 {
			if op, ok := cond[0].(string); ok {
				rpcDomain = append(rpcDomain, op)
				continue
			}
		}
		rpcDomain = append(rpcDomain, []interface{}(cond))
	}
	return rpcDomain
}

// Fields represents a slice of field names to retrieve from Odoo.
type Fields []string

// ToRPC converts the Fields type to a []string suitable for Odoo RPC calls.
func (f Fields) ToRPC() []string {
	if f == nil {
		return []string{}
	}
	return []string(f)
}

// Without returns a copy of the projection without the named field.
func (f Fields) Without(name string) Fields {
	out := make(Fields, 0, len(f))
	for _, field := range f {
		if field != name {
			out = append(out, field)
		}
	}
	return out
}

// Contains reports whether the projection includes the named field.
func (f Fields) Contains(name string) bool {
	for _, field := range f {
		if field == name {
			return true
		}
	}
	return false
}

// OdooContext represents the 'context' dictionary passed as an option
// in Odoo RPC calls. It allows custom key-value pairs that influence
// Odoo's server-side logic (e.g., language, timezone, active_test).
type OdooContext map[string]interface{}

// Options represents common keyword arguments for Odoo RPC methods.
type Options struct {
	Context OdooContext `json:"context,omitempty"` // Odoo's context dictionary
	Fields  Fields      `json:"fields,omitempty"`  // Projection for search_read
	Limit   int         `json:"limit,omitempty"`   // Maximum number of records to return
	Offset  int         `json:"offset,omitempty"`  // Number of records to skip
	Order   string      `json:"order,omitempty"`   // Field(s) to sort by (e.g., "id asc")
}

// ToRPC converts the Options struct into the map[string]interface{} format
// expected by Odoo's RPC.
func (o *Options) ToRPC() map[string]interface{} {
	if o == nil {
		return map[string]interface{}{}
	}

	rpcOptions := make(map[string]interface{})
	if len(o.Context) > 0 {
		rpcOptions["context"] = map[string]interface{}(o.Context)
	}
	if o.Fields != nil {
		rpcOptions["fields"] = o.Fields.ToRPC()
	}
	if o.Limit > 0 { // Odoo ignores limits <= 0, so only include if positive
		rpcOptions["limit"] = o.Limit
	}
	if o.Offset > 0 {
		rpcOptions["offset"] = o.Offset
	}
	if o.Order != "" {
		rpcOptions["order"] = o.Order
	}
	return rpcOptions
}

// Data holds the field values written by Create and Update.
type Data map[string]interface{}

// ToRPC converts the Data type to a map[string]interface{} suitable for Odoo RPC calls.
func (d Data) ToRPC() map[string]interface{} {
	return map[string]interface{}(d)
}

// Clone returns a shallow copy of the values.
func (d Data) Clone() Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// SetMany2Many returns the Odoo command that replaces a many2many field with ids.
func SetMany2Many(ids []int64) []interface{} {
	list := make([]interface{}, len(ids))
	for i, id := range ids {
		list[i] = id
	}
	return []interface{}{[]interface{}{6, 0, list}}
}

// FindOptions controls a Find/FindAll call.
type FindOptions struct {
	// IncludeArchived disables Odoo's active_test so archived rows are returned too.
	// Liveness is data being synchronized, so most callers want this set.
	IncludeArchived bool
	Limit           int
	Offset          int
	Order           string
}

func (fo FindOptions) toOptions(fields Fields) *Options {
	opts := &Options{
		Fields: fields,
		Limit:  fo.Limit,
		Offset: fo.Offset,
		Order:  fo.Order,
	}
	if fo.IncludeArchived {
		opts.Context = OdooContext{"active_test": false}
	}
	return opts
}
