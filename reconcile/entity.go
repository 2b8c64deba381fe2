package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/ilcreatore32/odoosync/godoo"
	"github.com/ilcreatore32/odoosync/mapper"
)

// Store is what the reconciler needs from one Odoo instance.
type Store interface {
	FindAll(ctx context.Context, model godoo.Model, domain godoo.Domain, fields godoo.Fields, opts godoo.FindOptions) ([]godoo.Record, error)
	FindByIDs(ctx context.Context, model godoo.Model, ids []int64, fields godoo.Fields, pageSize int, opts godoo.FindOptions) ([]godoo.Record, error)
	Search(ctx context.Context, model godoo.Model, domain godoo.Domain, opts godoo.FindOptions) ([]int64, error)
	Create(ctx context.Context, model godoo.Model, data godoo.Data) (int64, error)
	Update(ctx context.Context, model godoo.Model, ids []int64, data godoo.Data) error
}

// Identity is the identity map as seen by the reconciler.
type Identity interface {
	Load(ctx context.Context, entity string, targetModel godoo.Model) error
	Lookup(entity, key string) (int64, bool)
	ResolveFresh(ctx context.Context, entity, key string) (int64, bool, error)
	Bind(ctx context.Context, entity string, targetModel godoo.Model, key string, targetID int64) error
	Keys(entity string) []string
}

// LivenessHook runs after the liveness of a target record was written.
type LivenessHook func(ctx context.Context, target Store, targetID int64, active bool) error

// Entity describes one synchronized entity type.
type Entity struct {
	Name        string
	SourceModel godoo.Model
	TargetModel godoo.Model

	// LinkEntity namespaces the identity links; defaults to Name. Entities that
	// reconcile the same records share it (customers and suppliers).
	LinkEntity string
	// LinkKey builds the identity key of a source record; defaults to SourceKey.
	// A record without an identity key is skipped.
	LinkKey      mapper.KeyFunc
	LinkFields   godoo.Fields
	SourceKey    mapper.KeyFunc
	SourceFields godoo.Fields
	TargetKey    mapper.KeyFunc
	TargetFields godoo.Fields

	// Domain restricts the source records; TargetDomain the candidate targets.
	Domain       godoo.Domain
	TargetDomain godoo.Domain

	// LivenessField is the boolean archive flag, empty for models without one.
	LivenessField string
	// ParentField orders records parent first.
	ParentField string
	// ImageField is read in a second, smaller-paged pass.
	ImageField string
	// RequiredOnCreate lists target fields a create cannot do without.
	RequiredOnCreate []string

	// ArchiveOnly reconciles liveness only: no creates, no field updates.
	ArchiveOnly bool
	// NaturalKeyFallback matches unlinked records by natural key.
	NaturalKeyFallback bool
	// Required makes an empty full source fetch fatal.
	Required bool
	// Optional entities are skipped when their model is not installed on either
	// instance (website or point of sale categories).
	Optional bool

	AfterLiveness LivenessHook
	DependsOn     []string
}

func (e Entity) linkEntity() string {
	if e.LinkEntity != "" {
		return e.LinkEntity
	}
	return e.Name
}

func (e Entity) linkKey(rec godoo.Record) string {
	if e.LinkKey != nil {
		return e.LinkKey(rec)
	}
	return e.SourceKey(rec)
}

func (e Entity) validate() error {
	switch {
	case e.Name == "":
		return errors.New("reconcile: entity without name")
	case e.SourceModel == "" || e.TargetModel == "":
		return fmt.Errorf("reconcile: entity %s has no model", e.Name)
	case e.SourceKey == nil || e.TargetKey == nil:
		return fmt.Errorf("reconcile: entity %s has no key", e.Name)
	}
	return nil
}

func union(sets ...godoo.Fields) godoo.Fields {
	seen := map[string]bool{}
	var out godoo.Fields
	for _, set := range sets {
		for _, f := range set {
			if f != "" && !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}
