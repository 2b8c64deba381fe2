// Package mapper translates a source record into the values written to the
// target. Relations are resolved through identity links or shared reference
// keys; a relation that cannot be resolved is left out and reported, so a raw
// source id never reaches the target.
package mapper

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ilcreatore32/odoosync/godoo"
)

// ErrUnknownEntity is returned by Map for an entity without a table.
var ErrUnknownEntity = errors.New("mapper: no mapping table for entity")

// Kind is the kind of a mapping rule.
type Kind int

const (
	KindCopy Kind = iota
	KindMany2One
	KindMany2Many
	KindEnum
	KindConst
)

// Rule maps one source field to one or more target fields.
type Rule struct {
	Kind      Kind
	Source    string
	Target    string
	Resolver  Resolver
	Enum      EnumTable
	Value     interface{}
	KeepEmpty bool
	When      func(godoo.Record) bool
}

// Copy copies a scalar field under the same name. A relational value is never
// copied: it carries a source id, so it is left out with a warning.
func Copy(field string) Rule {
	return Rule{Kind: KindCopy, Source: field, Target: field}
}

// Many2One resolves a many2one field through r.
func Many2One(field string, r Resolver) Rule {
	return Rule{Kind: KindMany2One, Source: field, Target: field, Resolver: r}
}

// Many2Many resolves every id of an x2many field through r and writes the
// (6, 0, ids) replace command.
func Many2Many(field string, r Resolver) Rule {
	return Rule{Kind: KindMany2Many, Source: field, Target: field, Resolver: r}
}

// Enum translates a selection field through a static table.
func Enum(field string, table EnumTable) Rule {
	return Rule{Kind: KindEnum, Source: field, Target: field, Enum: table}
}

// Const writes a fixed value.
func Const(target string, value interface{}) Rule {
	return Rule{Kind: KindConst, Target: target, Value: value}
}

// To renames the target field.
func (r Rule) To(target string) Rule {
	r.Target = target
	return r
}

// Keep writes empty values (false, "") instead of omitting them. Boolean flags
// need it: false is a value, not an absence.
func (r Rule) Keep() Rule {
	r.KeepEmpty = true
	return r
}

// If applies the rule only to records accepted by pred.
func (r Rule) If(pred func(godoo.Record) bool) Rule {
	r.When = pred
	return r
}

// Warning is a field left out of the mapped values.
type Warning struct {
	Field  string
	Reason string
}

func (w Warning) String() string {
	return w.Field + ": " + w.Reason
}

// Result is the outcome of mapping one record.
type Result struct {
	Values   godoo.Data
	Warnings []Warning
}

// Table is the ordered rule list of one entity.
type Table struct {
	Entity string
	Rules  []Rule
}

// SourceFields returns the projection the table reads from the source.
func (t Table) SourceFields() godoo.Fields {
	seen := map[string]bool{}
	var fields godoo.Fields
	for _, r := range t.Rules {
		if r.Source == "" || seen[r.Source] {
			continue
		}
		seen[r.Source] = true
		fields = append(fields, r.Source)
	}
	return fields
}

// TargetFields returns every field the table may write.
func (t Table) TargetFields() godoo.Fields {
	seen := map[string]bool{}
	var fields godoo.Fields
	add := func(f string) {
		if f != "" && !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}
	for _, r := range t.Rules {
		if r.Kind == KindEnum {
			for _, f := range r.Enum.fields() {
				add(f)
			}
			continue
		}
		add(r.Target)
	}
	return fields
}

// Map applies the table to rec.
func (t Table) Map(rec godoo.Record) Result {
	res := Result{Values: godoo.Data{}}
	warn := func(field, format string, args ...interface{}) {
		res.Warnings = append(res.Warnings, Warning{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	for _, r := range t.Rules {
		if r.When != nil && !r.When(rec) {
			continue
		}
		switch r.Kind {
		case KindConst:
			res.Values[r.Target] = r.Value

		case KindCopy:
			if !rec.Has(r.Source) {
				continue
			}
			v := rec.Raw(r.Source)
			switch x := v.(type) {
			case godoo.Ref:
				warn(r.Target, "relational value of %s needs a resolver, source id %d not copied", r.Source, x.ID)
				continue
			case []godoo.Ref:
				if len(x) > 0 {
					warn(r.Target, "relational value of %s needs a resolver, %d source ids not copied", r.Source, len(x))
				}
				continue
			}
			if isEmpty(v) && !r.KeepEmpty {
				continue
			}
			if v == nil {
				v = false
			}
			res.Values[r.Target] = v

		case KindMany2One:
			ref, ok := rec.Ref(r.Source)
			if !ok {
				continue
			}
			id, err := r.Resolver.Resolve(ref)
			if err != nil {
				warn(r.Target, "%v", err)
				continue
			}
			res.Values[r.Target] = id

		case KindMany2Many:
			refs := rec.Refs(r.Source)
			if len(refs) == 0 {
				continue
			}
			ids := make([]int64, 0, len(refs))
			for _, ref := range refs {
				id, err := r.Resolver.Resolve(ref)
				if err != nil {
					warn(r.Target, "%v", err)
					continue
				}
				ids = append(ids, id)
			}
			if len(ids) == 0 {
				continue
			}
			res.Values[r.Target] = godoo.SetMany2Many(dedupe(ids))

		case KindEnum:
			values, ok := r.Enum.lookup(rec.String(r.Source))
			if !ok {
				warn(r.Source, "unknown value %q, using the default", rec.String(r.Source))
			}
			for k, v := range values {
				res.Values[k] = v
			}
		}
	}
	return res
}

func isEmpty(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case string:
		return x == ""
	}
	return false
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Mapper holds the tables of a run and prepares their resolvers once.
type Mapper struct {
	tables   map[string]Table
	prepared map[Resolver]bool
	logger   *zap.Logger
}

// New returns a mapper over the given tables.
func New(logger *zap.Logger, tables ...Table) *Mapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Mapper{
		tables:   make(map[string]Table, len(tables)),
		prepared: map[Resolver]bool{},
		logger:   logger,
	}
	for _, t := range tables {
		m.tables[t.Entity] = t
	}
	return m
}

// Table returns the table of entity.
func (m *Mapper) Table(entity string) (Table, bool) {
	t, ok := m.tables[entity]
	return t, ok
}

// Prepare loads the lookups of every resolver used by entity's table. A resolver
// shared by several tables is prepared once per run; link resolvers read the
// identity map's cache on every Resolve, so links bound later stay visible.
func (m *Mapper) Prepare(ctx context.Context, entity string) error {
	t, ok := m.tables[entity]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	for _, r := range t.Rules {
		if r.Resolver == nil || m.prepared[r.Resolver] {
			continue
		}
		if err := r.Resolver.Prepare(ctx); err != nil {
			return fmt.Errorf("prepare %s for %s: %w", r.Resolver.Name(), entity, err)
		}
		m.prepared[r.Resolver] = true
		m.logger.Debug("Resolver prepared", zap.String("entity", entity), zap.String("resolver", r.Resolver.Name()))
	}
	return nil
}

// Map translates rec with the table of entity.
func (m *Mapper) Map(entity string, rec godoo.Record) (Result, error) {
	t, ok := m.tables[entity]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	return t.Map(rec), nil
}
