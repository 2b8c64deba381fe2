package reconcile

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ilcreatore32/odoosync/godoo"
	"github.com/ilcreatore32/odoosync/mapper"
)

// Entity names of the catalog.
const (
	EntityProductCategory = "product_category"
	EntityPOSCategory     = "pos_category"
	EntityPublicCategory  = "public_category"
	EntityPricelist       = "pricelist"
	EntityProduct         = "product"
	EntityProductArchive  = "product_archive"
	EntityPricelistItem   = "pricelist_item"
	EntityCustomer        = "customer"
	EntitySupplier        = "supplier"
)

// CatalogConfig selects the product keys and extra fields of the catalog.
type CatalogConfig struct {
	// ProductKey is the field products are matched and linked by:
	// default_code, internal_code, barcode or name.
	ProductKey string
	// ArchiveKey is the field the archive pass matches unlinked products by.
	ArchiveKey string
	// CustomFields are copied as-is on products.
	CustomFields []string
	ImageField   string
	Logger       *zap.Logger
}

// Catalog holds the entity definitions and the mapping tables of a run.
type Catalog struct {
	entities []Entity
	mapper   *mapper.Mapper
}

// productKeyKinds maps the supported product key fields to their normalization.
var productKeyKinds = map[string]string{
	"default_code":  "code",
	"internal_code": "code",
	"barcode":       "barcode",
	"name":          "name",
}

// NewCatalog builds the entity catalog over a source and a target instance.
func NewCatalog(source, target Store, links mapper.Linker, cfg CatalogConfig) (*Catalog, error) {
	if cfg.ProductKey == "" {
		cfg.ProductKey = "default_code"
	}
	if cfg.ArchiveKey == "" {
		cfg.ArchiveKey = cfg.ProductKey
	}
	if cfg.ImageField == "" {
		cfg.ImageField = "image_1920"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	productKey, err := mapper.KeyByName(productKeyKinds[cfg.ProductKey], cfg.ProductKey)
	if err != nil {
		return nil, fmt.Errorf("reconcile: unsupported product key %q", cfg.ProductKey)
	}
	archiveKey, err := mapper.KeyByName(productKeyKinds[cfg.ArchiveKey], cfg.ArchiveKey)
	if err != nil {
		return nil, fmt.Errorf("reconcile: unsupported archive key %q", cfg.ArchiveKey)
	}
	logger := cfg.Logger

	// Relations to records the synchronizer owns resolve through links.
	categLink := mapper.NewLinkResolver(EntityProductCategory, godoo.ModelProductCategory, godoo.ModelProductCategory,
		godoo.Fields{"id"}, mapper.IDKey(), source, links)
	posCategLink := mapper.NewLinkResolver(EntityPOSCategory, godoo.ModelPosCategory, godoo.ModelPosCategory,
		godoo.Fields{"id"}, mapper.IDKey(), source, links).AllowMissingModel()
	publicCategLink := mapper.NewLinkResolver(EntityPublicCategory, godoo.ModelProductPublicCategory, godoo.ModelProductPublicCategory,
		godoo.Fields{"id"}, mapper.IDKey(), source, links).AllowMissingModel()
	pricelistLink := mapper.NewLinkResolver(EntityPricelist, godoo.ModelProductPricelist, godoo.ModelProductPricelist,
		godoo.Fields{"id"}, mapper.IDKey(), source, links)
	productLink := mapper.NewLinkResolver(EntityProduct, godoo.ModelProductTemplate, godoo.ModelProductTemplate,
		godoo.Fields{cfg.ProductKey}, productKey, source, links)

	// Shared reference data resolves by a key both instances agree on.
	currency := mapper.NewCodeResolver(godoo.ModelResCurrency, "name", source, target, logger)
	uom := mapper.NewCodeResolver(godoo.ModelUom, "name", source, target, logger)
	saleTax := mapper.NewCodeResolver(godoo.ModelAccountTax, "name", source, target, logger).
		WithDomains(godoo.Domain{{"type_tax_use", "=", "sale"}}, godoo.Domain{{"type_tax_use", "=", "sale"}}).
		WithAliases(mapper.TaxAliases)
	purchaseTax := mapper.NewCodeResolver(godoo.ModelAccountTax, "name", source, target, logger).
		WithDomains(godoo.Domain{{"type_tax_use", "=", "purchase"}}, godoo.Domain{{"type_tax_use", "=", "purchase"}}).
		WithAliases(mapper.TaxAliases)
	variant := mapper.NewCodeResolver(godoo.ModelProductProduct, "default_code", source, target, logger)
	country := mapper.NewCodeResolver(godoo.ModelResCountry, "code", source, target, logger)
	countryState := mapper.NewCodeResolver(godoo.ModelResCountryState, "name", source, target, logger)
	afipResponsibility := mapper.NewCodeResolver(godoo.ModelAfipResponsibilityType, "code", source, target, logger).
		AllowMissingModel()

	appliedOn := func(value string) func(godoo.Record) bool {
		return func(rec godoo.Record) bool { return rec.String("applied_on") == value }
	}

	productRules := []mapper.Rule{
		mapper.Copy("name"),
		mapper.Copy(cfg.ProductKey),
		mapper.Copy("default_code"),
		mapper.Copy("barcode"),
		mapper.Copy("list_price"),
		mapper.Copy("standard_price"),
		mapper.Copy("description"),
		mapper.Copy("description_sale"),
		mapper.Copy("description_purchase"),
		mapper.Copy("weight"),
		mapper.Copy("volume"),
		mapper.Copy("sale_ok").Keep(),
		mapper.Copy("purchase_ok").Keep(),
		mapper.Copy("available_in_pos").Keep(),
		mapper.Enum("type", mapper.ProductType),
		mapper.Many2One("categ_id", categLink),
		mapper.Many2Many("pos_categ_id", posCategLink).To("pos_categ_ids"),
		mapper.Many2Many("public_categ_ids", publicCategLink),
		mapper.Many2Many("taxes_id", saleTax),
		mapper.Many2Many("supplier_taxes_id", purchaseTax),
		mapper.Many2One("uom_id", uom),
		mapper.Many2One("uom_po_id", uom),
		mapper.Many2One("replenishment_base_cost_currency_id", currency),
	}
	for _, f := range cfg.CustomFields {
		productRules = append(productRules, mapper.Copy(f))
	}
	productRules = dedupeRules(productRules, logger)

	partnerRules := func(rank string) []mapper.Rule {
		return []mapper.Rule{
			mapper.Copy("name"),
			mapper.Copy("email"),
			mapper.Copy("phone"),
			mapper.Copy("mobile"),
			mapper.Copy("vat"),
			mapper.Copy("ref"),
			mapper.Copy("street"),
			mapper.Copy("street2"),
			mapper.Copy("city"),
			mapper.Copy("zip"),
			mapper.Copy("website"),
			mapper.Copy(rank),
			mapper.Copy("is_company").Keep(),
			mapper.Many2One("country_id", country),
			mapper.Many2One("state_id", countryState),
			mapper.Many2One("l10n_ar_afip_responsibility_type_id", afipResponsibility),
		}
	}

	categoryRules := func(parent mapper.Resolver) []mapper.Rule {
		return []mapper.Rule{
			mapper.Copy("name"),
			mapper.Many2One("parent_id", parent),
		}
	}

	tables := []mapper.Table{
		{Entity: EntityProductCategory, Rules: categoryRules(categLink)},
		{Entity: EntityPOSCategory, Rules: append(categoryRules(posCategLink), mapper.Copy("sequence"))},
		{Entity: EntityPublicCategory, Rules: append(categoryRules(publicCategLink), mapper.Copy("sequence"))},
		{Entity: EntityPricelist, Rules: []mapper.Rule{
			mapper.Copy("name"),
			mapper.Many2One("currency_id", currency),
		}},
		{Entity: EntityProduct, Rules: productRules},
		{Entity: EntityPricelistItem, Rules: []mapper.Rule{
			mapper.Many2One("pricelist_id", pricelistLink),
			mapper.Copy("applied_on"),
			mapper.Copy("min_quantity"),
			mapper.Copy("base"),
			mapper.Copy("compute_price"),
			mapper.Copy("fixed_price"),
			mapper.Copy("percent_price"),
			mapper.Copy("price_surcharge"),
			mapper.Copy("price_discount"),
			mapper.Copy("price_round"),
			mapper.Copy("price_min_margin"),
			mapper.Copy("price_max_margin"),
			mapper.Copy("date_start"),
			mapper.Copy("date_end"),
			mapper.Many2One("categ_id", categLink).If(appliedOn("2_product_category")),
			mapper.Many2One("product_tmpl_id", productLink).If(appliedOn("1_product")),
			mapper.Many2One("product_tmpl_id", productLink).If(appliedOn("0_product_variant")),
			mapper.Many2One("product_id", variant).If(appliedOn("0_product_variant")),
		}},
		{Entity: EntityCustomer, Rules: partnerRules("customer_rank")},
		{Entity: EntitySupplier, Rules: partnerRules("supplier_rank")},
	}

	entities := []Entity{
		{
			Name:               EntityProductCategory,
			SourceModel:        godoo.ModelProductCategory,
			TargetModel:        godoo.ModelProductCategory,
			LinkKey:            mapper.IDKey(),
			SourceKey:          mapper.NameKey("complete_name"),
			SourceFields:       godoo.Fields{"complete_name"},
			TargetKey:          mapper.NameKey("complete_name"),
			TargetFields:       godoo.Fields{"complete_name"},
			ParentField:        "parent_id",
			NaturalKeyFallback: true,
		},
		{
			Name:               EntityPOSCategory,
			SourceModel:        godoo.ModelPosCategory,
			TargetModel:        godoo.ModelPosCategory,
			LinkKey:            mapper.IDKey(),
			SourceKey:          mapper.NameKey("name"),
			TargetKey:          mapper.NameKey("name"),
			ParentField:        "parent_id",
			NaturalKeyFallback: true,
			Optional:           true,
		},
		{
			Name:               EntityPublicCategory,
			SourceModel:        godoo.ModelProductPublicCategory,
			TargetModel:        godoo.ModelProductPublicCategory,
			LinkKey:            mapper.IDKey(),
			SourceKey:          mapper.NameKey("name"),
			TargetKey:          mapper.NameKey("name"),
			ParentField:        "parent_id",
			NaturalKeyFallback: true,
			Optional:           true,
		},
		{
			Name:               EntityPricelist,
			SourceModel:        godoo.ModelProductPricelist,
			TargetModel:        godoo.ModelProductPricelist,
			LinkKey:            mapper.IDKey(),
			SourceKey:          mapper.NameKey("name"),
			TargetKey:          mapper.NameKey("name"),
			LivenessField:      "active",
			NaturalKeyFallback: true,
		},
		{
			Name:               EntityProduct,
			SourceModel:        godoo.ModelProductTemplate,
			TargetModel:        godoo.ModelProductTemplate,
			SourceKey:          productKey,
			SourceFields:       godoo.Fields{cfg.ProductKey},
			TargetKey:          productKey,
			TargetFields:       godoo.Fields{cfg.ProductKey},
			LivenessField:      "active",
			ImageField:         cfg.ImageField,
			NaturalKeyFallback: true,
			Required:           true,
			DependsOn:          []string{EntityProductCategory, EntityPOSCategory, EntityPublicCategory},
		},
		{
			Name:               EntityProductArchive,
			SourceModel:        godoo.ModelProductTemplate,
			TargetModel:        godoo.ModelProductTemplate,
			LinkEntity:         EntityProduct,
			LinkKey:            productKey,
			LinkFields:         godoo.Fields{cfg.ProductKey},
			SourceKey:          archiveKey,
			SourceFields:       godoo.Fields{cfg.ArchiveKey},
			TargetKey:          archiveKey,
			TargetFields:       godoo.Fields{cfg.ArchiveKey},
			LivenessField:      "active",
			ArchiveOnly:        true,
			NaturalKeyFallback: true,
			AfterLiveness:      archiveVariants,
			DependsOn:          []string{EntityProduct},
		},
		{
			Name:             EntityPricelistItem,
			SourceModel:      godoo.ModelProductPricelistItem,
			TargetModel:      godoo.ModelProductPricelistItem,
			SourceKey:        mapper.IDKey(),
			TargetKey:        mapper.IDKey(),
			RequiredOnCreate: []string{"pricelist_id"},
			DependsOn:        []string{EntityPricelist, EntityProduct, EntityProductCategory},
		},
		partnerEntity(EntityCustomer, "customer_rank"),
		partnerEntity(EntitySupplier, "supplier_rank"),
	}

	return &Catalog{entities: entities, mapper: mapper.New(logger, tables...)}, nil
}

func partnerEntity(name, rank string) Entity {
	return Entity{
		Name:               name,
		SourceModel:        godoo.ModelResPartner,
		TargetModel:        godoo.ModelResPartner,
		LinkEntity:         "partner",
		LinkKey:            mapper.IDKey(),
		SourceKey:          mapper.BarcodeKey("vat"),
		TargetKey:          mapper.BarcodeKey("vat"),
		Domain:             godoo.Domain{{rank, ">", 0}},
		TargetDomain:       godoo.Domain{{rank, ">", 0}},
		LivenessField:      "active",
		NaturalKeyFallback: true,
	}
}

// archiveVariants propagates the liveness of a product template to its variants.
func archiveVariants(ctx context.Context, target Store, templateID int64, active bool) error {
	ids, err := target.Search(ctx, godoo.ModelProductProduct,
		godoo.Domain{{"product_tmpl_id", "=", templateID}, {"active", "=", !active}},
		godoo.FindOptions{IncludeArchived: true})
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return target.Update(ctx, godoo.ModelProductProduct, ids, godoo.Data{"active": active})
}

// dedupeRules keeps the first copy of each target field. A copy whose target is
// already written by a relation, enum or constant rule is dropped: a custom field
// naming a relation must not overwrite its resolved id.
func dedupeRules(rules []mapper.Rule, logger *zap.Logger) []mapper.Rule {
	owned := map[string]bool{}
	for _, r := range rules {
		if r.Kind != mapper.KindCopy && r.Target != "" {
			owned[r.Target] = true
		}
	}
	seen := map[string]bool{}
	out := rules[:0]
	for _, r := range rules {
		if r.Kind == mapper.KindCopy {
			if owned[r.Target] {
				logger.Warn("Custom field is already mapped as a relation, plain copy ignored", zap.String("field", r.Target))
				continue
			}
			if seen[r.Target] {
				continue
			}
			seen[r.Target] = true
		}
		out = append(out, r)
	}
	return out
}

// Names returns the entity names in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.entities))
	for i, e := range c.entities {
		names[i] = e.Name
	}
	return names
}

// Select returns the named entities in dependency order; no names selects all.
func (c *Catalog) Select(names []string) ([]Entity, error) {
	if len(names) == 0 {
		return Order(c.entities)
	}
	byName := make(map[string]Entity, len(c.entities))
	for _, e := range c.entities {
		byName[e.Name] = e
	}
	selected := make([]Entity, 0, len(names))
	for _, name := range names {
		e, ok := byName[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("%w: %s (known: %s)", mapper.ErrUnknownEntity, name, strings.Join(c.Names(), ", "))
		}
		selected = append(selected, e)
	}
	return Order(selected)
}

// Mapper returns the mapper holding the catalog's tables.
func (c *Catalog) Mapper() *mapper.Mapper {
	return c.mapper
}
