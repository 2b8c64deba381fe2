package mapper

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ilcreatore32/odoosync/godoo"
)

var (
	// ErrUnresolved means the related record has no counterpart in the target.
	ErrUnresolved = errors.New("mapper: relation has no counterpart in target")
	// ErrAmbiguous means several target records share the related record's key.
	ErrAmbiguous = errors.New("mapper: relation matches several target records")
)

// Store is the read side of an Odoo instance.
type Store interface {
	FindAll(ctx context.Context, model godoo.Model, domain godoo.Domain, fields godoo.Fields, opts godoo.FindOptions) ([]godoo.Record, error)
}

// Linker is the part of the identity map the resolvers read.
type Linker interface {
	Load(ctx context.Context, entity string, targetModel godoo.Model) error
	Lookup(entity, key string) (int64, bool)
}

// Resolver translates a source relation into a target id. Prepare loads whatever
// lookup tables the resolver needs and is called once per run; Resolve is pure.
type Resolver interface {
	Name() string
	Prepare(ctx context.Context) error
	Resolve(ref godoo.Ref) (int64, error)
}

// LinkResolver resolves relations to records the synchronizer owns (categories,
// products, pricelists): source id -> source key -> identity link.
type LinkResolver struct {
	Entity      string
	SourceModel godoo.Model
	TargetModel godoo.Model
	KeyFields   godoo.Fields
	Key         KeyFunc
	// Optional resolvers resolve nothing when the source model is not installed.
	Optional bool

	source Store
	links  Linker
	keys   map[int64]string
}

// NewLinkResolver returns a resolver over the links of entity.
func NewLinkResolver(entity string, sourceModel, targetModel godoo.Model, keyFields godoo.Fields, key KeyFunc, source Store, links Linker) *LinkResolver {
	return &LinkResolver{
		Entity:      entity,
		SourceModel: sourceModel,
		TargetModel: targetModel,
		KeyFields:   keyFields,
		Key:         key,
		source:      source,
		links:       links,
	}
}

func (r *LinkResolver) Name() string { return "link:" + r.Entity }

// AllowMissingModel marks the resolver optional.
func (r *LinkResolver) AllowMissingModel() *LinkResolver {
	r.Optional = true
	return r
}

// Prepare loads the entity's links and indexes the source keys by id.
func (r *LinkResolver) Prepare(ctx context.Context) error {
	if err := r.links.Load(ctx, r.Entity, r.TargetModel); err != nil {
		return err
	}
	rows, err := r.source.FindAll(ctx, r.SourceModel, nil, r.KeyFields, godoo.FindOptions{IncludeArchived: true})
	if r.Optional && errors.Is(err, godoo.ErrInvalidModel) {
		r.keys = map[int64]string{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("index %s keys: %w", r.SourceModel, err)
	}
	r.keys = make(map[int64]string, len(rows))
	for _, row := range rows {
		if k := r.Key(row); k != "" {
			r.keys[row.ID()] = k
		}
	}
	return nil
}

// Resolve looks the link up in the identity map's cache, so records bound earlier
// in the same run resolve too.
func (r *LinkResolver) Resolve(ref godoo.Ref) (int64, error) {
	key, ok := r.keys[ref.ID]
	if !ok {
		return 0, fmt.Errorf("%w: %s(%d) has no key", ErrUnresolved, r.SourceModel, ref.ID)
	}
	id, ok := r.links.Lookup(r.Entity, key)
	if !ok {
		return 0, fmt.Errorf("%w: %s %q is not linked", ErrUnresolved, r.Entity, key)
	}
	return id, nil
}

// Alias rewrites one term of a reference key before the target lookup, e.g. the
// Spanish tax name "IVA 21%" to "VAT 21%".
type Alias struct {
	From string
	To   string
}

// TaxAliases map the Spanish names of VAT to the English ones.
var TaxAliases = []Alias{
	{From: "Impuesto al Valor Agregado", To: "VAT"},
	{From: "I.V.A.", To: "VAT"},
	{From: "IVA", To: "VAT"},
}

// CodeResolver resolves shared reference data (currencies, units of measure,
// countries, taxes) by looking the source record's key up in the target.
type CodeResolver struct {
	Model        godoo.Model
	KeyField     string
	SourceDomain godoo.Domain
	TargetDomain godoo.Domain
	Aliases      []Alias
	// Optional resolvers tolerate a model missing on either instance (a
	// localization module that is not installed); nothing resolves then.
	Optional bool

	source Store
	target Store
	logger *zap.Logger

	sourceKeys map[int64]string
	targetIDs  map[string]int64
	ambiguous  map[string]bool
}

// NewCodeResolver returns a resolver matching model rows by keyField.
func NewCodeResolver(model godoo.Model, keyField string, source, target Store, logger *zap.Logger) *CodeResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CodeResolver{
		Model:    model,
		KeyField: keyField,
		source:   source,
		target:   target,
		logger:   logger,
	}
}

// WithDomains restricts both sides, e.g. sale taxes only.
func (r *CodeResolver) WithDomains(source, target godoo.Domain) *CodeResolver {
	r.SourceDomain = source
	r.TargetDomain = target
	return r
}

// WithAliases sets the alias table tried when the exact key is not found.
func (r *CodeResolver) WithAliases(aliases []Alias) *CodeResolver {
	r.Aliases = aliases
	return r
}

// AllowMissingModel marks the resolver optional.
func (r *CodeResolver) AllowMissingModel() *CodeResolver {
	r.Optional = true
	return r
}

func (r *CodeResolver) Name() string { return "code:" + string(r.Model) + "." + r.KeyField }

// Prepare indexes both sides by normalized key. Target keys shared by several rows
// are remembered as ambiguous and never resolved.
func (r *CodeResolver) Prepare(ctx context.Context) error {
	r.sourceKeys = map[int64]string{}
	r.targetIDs = map[string]int64{}
	r.ambiguous = map[string]bool{}

	fields := godoo.Fields{r.KeyField}
	src, err := r.source.FindAll(ctx, r.Model, r.SourceDomain, fields, godoo.FindOptions{IncludeArchived: true})
	if err != nil {
		return r.missing("source", err)
	}
	tgt, err := r.target.FindAll(ctx, r.Model, r.TargetDomain, fields, godoo.FindOptions{IncludeArchived: true})
	if err != nil {
		return r.missing("target", err)
	}

	key := NameKey(r.KeyField)
	for _, row := range src {
		if k := key(row); k != "" {
			r.sourceKeys[row.ID()] = k
		}
	}
	for _, row := range tgt {
		k := key(row)
		if k == "" {
			continue
		}
		if _, dup := r.targetIDs[k]; dup {
			r.ambiguous[k] = true
			continue
		}
		r.targetIDs[k] = row.ID()
	}

	r.logger.Debug("Reference lookup prepared",
		zap.String("resolver", r.Name()),
		zap.Int("source_keys", len(r.sourceKeys)),
		zap.Int("target_keys", len(r.targetIDs)),
		zap.Int("ambiguous", len(r.ambiguous)),
	)
	return nil
}

func (r *CodeResolver) missing(side string, err error) error {
	if r.Optional && errors.Is(err, godoo.ErrInvalidModel) {
		r.logger.Warn("Reference model is not available, relations to it will be omitted",
			zap.String("resolver", r.Name()),
			zap.String("side", side),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("index %s %s: %w", side, r.Model, err)
}

func (r *CodeResolver) Resolve(ref godoo.Ref) (int64, error) {
	key, ok := r.sourceKeys[ref.ID]
	if !ok {
		return 0, fmt.Errorf("%w: %s(%d) has no %s", ErrUnresolved, r.Model, ref.ID, r.KeyField)
	}
	if id, found, err := r.lookup(key); found {
		return id, err
	}
	for _, alias := range r.Aliases {
		aliased, changed := applyAlias(key, alias)
		if !changed {
			continue
		}
		if id, found, err := r.lookup(aliased); found {
			return id, err
		}
	}
	return 0, fmt.Errorf("%w: %s %q", ErrUnresolved, r.Model, key)
}

func (r *CodeResolver) lookup(key string) (int64, bool, error) {
	if r.ambiguous[key] {
		return 0, true, fmt.Errorf("%w: %s %q", ErrAmbiguous, r.Model, key)
	}
	id, ok := r.targetIDs[key]
	return id, ok, nil
}

// applyAlias replaces alias.From when it appears as whole words of key. key is
// already normalized.
func applyAlias(key string, alias Alias) (string, bool) {
	from := " " + NormalizeName(alias.From) + " "
	padded := " " + key + " "
	if !strings.Contains(padded, from) {
		return key, false
	}
	replaced := strings.Replace(padded, from, " "+NormalizeName(alias.To)+" ", 1)
	return strings.TrimSpace(replaced), true
}
