// Package identity keeps the durable links between a source record and its
// counterpart in the target instance. Links live in the target's ir.model.data
// table as rows named "{entity}:{source_key}" under a dedicated module, so any
// process that can reach the target can rebuild the map. The key is escaped,
// since ir.model.data names may not contain spaces.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ilcreatore32/odoosync/godoo"
)

// DefaultModule is the ir.model.data module that tags synchronizer links.
const DefaultModule = "sync_script"

var (
	// ErrLinkConflict is returned by Bind when the key is already linked to a different target id.
	ErrLinkConflict = errors.New("identity: source key already linked to another target record")
	// ErrEmptyKey is returned when a link is requested for an empty source key.
	ErrEmptyKey = errors.New("identity: empty source key")
)

// BindError reports a link that could not be written after its target record was
// created. The record exists without a link and will be created again by the next
// run unless a natural key matches it.
type BindError struct {
	Entity   string
	Key      string
	TargetID int64
	Err      error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("identity: bind %s:%s -> %d failed, target record is unlinked: %v", e.Entity, e.Key, e.TargetID, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Store is the subset of the target client the map needs.
type Store interface {
	Find(ctx context.Context, model godoo.Model, domain godoo.Domain, fields godoo.Fields, opts godoo.FindOptions) ([]godoo.Record, error)
	FindAll(ctx context.Context, model godoo.Model, domain godoo.Domain, fields godoo.Fields, opts godoo.FindOptions) ([]godoo.Record, error)
	Create(ctx context.Context, model godoo.Model, data godoo.Data) (int64, error)
}

// Map caches the links of the entities loaded in this run.
type Map struct {
	store  Store
	module string
	logger *zap.Logger

	mu    sync.RWMutex
	links map[string]map[string]int64 // entity -> source key -> target id
}

// Option configures a Map.
type Option func(*Map)

// WithModule overrides the ir.model.data module used to tag links.
func WithModule(module string) Option {
	return func(m *Map) {
		if module != "" {
			m.module = module
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Map) {
		m.logger = logger
	}
}

// New returns an empty map over the target store.
func New(store Store, opts ...Option) *Map {
	m := &Map{
		store:  store,
		module: DefaultModule,
		logger: zap.NewNop(),
		links:  map[string]map[string]int64{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var linkFields = godoo.Fields{"name", "res_id", "model"}

// Name returns the ir.model.data name of a link. Keys are path-escaped: a space
// becomes %20, and plain codes such as "X1" are kept as they are.
func Name(entity, key string) string {
	return entity + ":" + url.PathEscape(key)
}

// keyOf is the inverse of Name for a name already stripped of its entity prefix.
func keyOf(escaped string) string {
	key, err := url.PathUnescape(escaped)
	if err != nil {
		return escaped
	}
	return key
}

// Load reads every link of entity into the cache, replacing what was there.
func (m *Map) Load(ctx context.Context, entity string, targetModel godoo.Model) error {
	domain := godoo.Domain{
		{"module", "=", m.module},
		{"model", "=", string(targetModel)},
		{"name", "=like", entity + ":%"},
	}
	rows, err := m.store.FindAll(ctx, godoo.ModelIrModelData, domain, linkFields, godoo.FindOptions{})
	if err != nil {
		return fmt.Errorf("load links of %s: %w", entity, err)
	}

	prefix := entity + ":"
	links := make(map[string]int64, len(rows))
	for _, row := range rows {
		name := row.String("name")
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		key := keyOf(strings.TrimPrefix(name, prefix))
		resID := row.Int("res_id")
		if prev, dup := links[key]; dup && prev != resID {
			m.logger.Warn("Duplicate identity links for one source key, keeping the first",
				zap.String("entity", entity),
				zap.String("key", key),
				zap.Int64("kept", prev),
				zap.Int64("ignored", resID),
			)
			continue
		}
		links[key] = resID
	}

	m.mu.Lock()
	m.links[entity] = links
	m.mu.Unlock()

	m.logger.Debug("Identity links loaded",
		zap.String("entity", entity),
		zap.String("model", string(targetModel)),
		zap.Int("count", len(links)),
	)
	return nil
}

// Lookup answers from the cache only. It is what the field mapper uses, so
// mapping never issues a round trip.
func (m *Map) Lookup(entity, key string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.links[entity][key]
	return id, ok
}

// Resolve returns the target id linked to key. The cache is consulted first; a
// miss falls back to the store so entities that were never loaded still resolve.
func (m *Map) Resolve(ctx context.Context, entity, key string) (int64, bool, error) {
	if key == "" {
		return 0, false, nil
	}
	if id, ok := m.Lookup(entity, key); ok {
		return id, true, nil
	}
	m.mu.RLock()
	_, loaded := m.links[entity]
	m.mu.RUnlock()
	if loaded {
		return 0, false, nil
	}
	return m.ResolveFresh(ctx, entity, key)
}

// ResolveFresh re-reads the link from the store, ignoring the cache. The
// reconciler calls it right before every create: a previous run may have bound
// the key after this run's Load.
func (m *Map) ResolveFresh(ctx context.Context, entity, key string) (int64, bool, error) {
	if key == "" {
		return 0, false, nil
	}
	rows, err := m.store.Find(ctx, godoo.ModelIrModelData, godoo.Domain{
		{"module", "=", m.module},
		{"name", "=", Name(entity, key)},
	}, linkFields, godoo.FindOptions{Limit: 1})
	if err != nil {
		return 0, false, fmt.Errorf("resolve %s: %w", Name(entity, key), err)
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	id := rows[0].Int("res_id")
	m.remember(entity, key, id)
	return id, true, nil
}

// Bind links key to targetID. Binding an identical link again is a no-op; a link
// to a different id fails with ErrLinkConflict. Links are never rewritten.
func (m *Map) Bind(ctx context.Context, entity string, targetModel godoo.Model, key string, targetID int64) error {
	if key == "" {
		return ErrEmptyKey
	}
	existing, ok, err := m.ResolveFresh(ctx, entity, key)
	if err != nil {
		return err
	}
	if ok {
		if existing == targetID {
			return nil
		}
		return fmt.Errorf("%w: %s is %d, not %d", ErrLinkConflict, Name(entity, key), existing, targetID)
	}

	_, err = m.store.Create(ctx, godoo.ModelIrModelData, godoo.Data{
		"module":   m.module,
		"name":     Name(entity, key),
		"model":    string(targetModel),
		"res_id":   targetID,
		"noupdate": true,
	})
	if err != nil {
		return fmt.Errorf("create link %s: %w", Name(entity, key), err)
	}
	m.remember(entity, key, targetID)
	return nil
}

// Count returns the number of cached links of entity.
func (m *Map) Count(entity string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.links[entity])
}

// Keys returns the cached source keys of entity, sorted.
func (m *Map) Keys(entity string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.links[entity]))
	for k := range m.links[entity] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Map) remember(entity, key string, id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[entity] == nil {
		m.links[entity] = map[string]int64{}
	}
	m.links[entity][key] = id
}
