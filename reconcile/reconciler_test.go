package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ilcreatore32/odoosync/godoo"
	"github.com/ilcreatore32/odoosync/identity"
	"github.com/ilcreatore32/odoosync/internal/memstore"
	"github.com/ilcreatore32/odoosync/mapper"
)

type testEnv struct {
	t      *testing.T
	source *memstore.Store
	target *memstore.Store
	links  *identity.Map
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{t: t, source: memstore.New(), target: memstore.New()}
	env.links = identity.New(env.target, identity.WithLogger(zaptest.NewLogger(t)))
	return env
}

func (env *testEnv) reconciler(tables []mapper.Table, opts ...Option) *Reconciler {
	logger := zaptest.NewLogger(env.t)
	opts = append([]Option{WithLogger(logger)}, opts...)
	return New(env.source, env.target, env.links, mapper.New(logger, tables...), opts...)
}

func (env *testEnv) link(entity string, model godoo.Model, key string, id int64) {
	env.target.Put(godoo.ModelIrModelData, map[string]interface{}{
		"module": identity.DefaultModule,
		"name":   identity.Name(entity, key),
		"model":  string(model),
		"res_id": id,
	})
}

func productEntity() Entity {
	return Entity{
		Name:               "product",
		SourceModel:        godoo.ModelProductTemplate,
		TargetModel:        godoo.ModelProductTemplate,
		SourceKey:          mapper.CodeKey("default_code"),
		SourceFields:       godoo.Fields{"default_code"},
		TargetKey:          mapper.CodeKey("default_code"),
		TargetFields:       godoo.Fields{"default_code"},
		LivenessField:      "active",
		NaturalKeyFallback: true,
	}
}

func productTables() []mapper.Table {
	return []mapper.Table{{Entity: "product", Rules: []mapper.Rule{
		mapper.Copy("name"),
		mapper.Copy("default_code"),
		mapper.Copy("list_price"),
	}}}
}

func product(code, name string, price float64) map[string]interface{} {
	return map[string]interface{}{"default_code": code, "name": name, "list_price": price, "active": true}
}

func TestRunCreatesLinksAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.source.Put(godoo.ModelProductTemplate, product("A1", "Silla", 10))
	env.source.Put(godoo.ModelProductTemplate, product("A2", "Mesa", 25.5))
	r := env.reconciler(productTables())
	ctx := context.Background()

	report, err := r.Run(ctx, productEntity(), RunInfo{ID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, report.State)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 2, report.Processed)
	assert.True(t, report.Clean())
	assert.Equal(t, 2, env.target.Len(godoo.ModelProductTemplate))
	assert.Equal(t, 2, env.links.Count("product"))

	id, ok := env.links.Lookup("product", "A1")
	require.True(t, ok)
	row := env.target.Get(godoo.ModelProductTemplate, id)
	assert.Equal(t, "Silla", row["name"])
	assert.Equal(t, true, row["active"])

	env.target.ResetCalls()
	report, err = r.Run(ctx, productEntity(), RunInfo{ID: "run-2"})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 0, report.Updated)
	assert.Equal(t, 2, report.Unchanged)
	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, 0, env.target.Calls("create"))
	assert.Equal(t, 0, env.target.Calls("update"))
}

func TestRunLinksKeysContainingSpaces(t *testing.T) {
	env := newTestEnv(t)
	env.source.Put(godoo.ModelProductTemplate, product("AB 12", "Silla roja", 10))
	adopted := env.target.Put(godoo.ModelProductTemplate, product("AB 13", "Mesa", 20))
	env.source.Put(godoo.ModelProductTemplate, product("AB 13", "Mesa", 20))
	r := env.reconciler(productTables())
	ctx := context.Background()

	report, err := r.Run(ctx, productEntity(), RunInfo{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, 0, report.Errors)
	id, ok := env.links.Lookup("product", "AB 13")
	require.True(t, ok)
	assert.Equal(t, adopted, id)

	report, err = r.Run(ctx, productEntity(), RunInfo{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Unchanged)
	assert.True(t, report.Clean())
	assert.Equal(t, 2, env.target.Len(godoo.ModelIrModelData))
}

func TestRunWritesOnlyChangedFields(t *testing.T) {
	env := newTestEnv(t)
	env.source.Put(godoo.ModelProductTemplate, product("A1", "Silla roja", 10))
	targetID := env.target.Put(godoo.ModelProductTemplate, product("A1", "Silla", 10))
	env.link("product", godoo.ModelProductTemplate, "A1", targetID)

	var written godoo.Data
	env.target.FailWith(func(op string, model godoo.Model, ids []int64, data godoo.Data) error {
		if op == "update" && model == godoo.ModelProductTemplate {
			written = data.Clone()
		}
		return nil
	})

	report, err := env.reconciler(productTables()).Run(context.Background(), productEntity(), RunInfo{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, godoo.Data{"name": "Silla roja"}, written)
	assert.Equal(t, "Silla roja", env.target.Get(godoo.ModelProductTemplate, targetID)["name"])
}

func TestRunReconcilesLiveness(t *testing.T) {
	env := newTestEnv(t)
	archived := product("A1", "Silla", 10)
	archived["active"] = false
	env.source.Put(godoo.ModelProductTemplate, archived)
	both := product("A2", "Mesa", 5)
	both["active"] = false
	env.source.Put(godoo.ModelProductTemplate, both)

	a1 := env.target.Put(godoo.ModelProductTemplate, product("A1", "Silla", 10))
	a2Row := product("A2", "Mesa", 5)
	a2Row["active"] = false
	a2 := env.target.Put(godoo.ModelProductTemplate, a2Row)
	env.link("product", godoo.ModelProductTemplate, "A1", a1)
	env.link("product", godoo.ModelProductTemplate, "A2", a2)

	report, err := env.reconciler(productTables()).Run(context.Background(), productEntity(), RunInfo{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Archived)
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, false, env.target.Get(godoo.ModelProductTemplate, a1)["active"])
}

func TestRunAdoptsNaturalKeyMatch(t *testing.T) {
	env := newTestEnv(t)
	env.source.Put(godoo.ModelProductTemplate, product("B1", "Banco", 7))
	targetID := env.target.Put(godoo.ModelProductTemplate, product("B1", "Banco", 7))

	report, err := env.reconciler(productTables()).Run(context.Background(), productEntity(), RunInfo{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, 1, report.Unchanged)

	id, ok := env.links.Lookup("product", "B1")
	require.True(t, ok)
	assert.Equal(t, targetID, id)
}

func TestRunSkipsRecordsWithoutKey(t *testing.T) {
	env := newTestEnv(t)
	env.source.Put(godoo.ModelProductTemplate, product("", "Sin código", 1))
	env.source.Put(godoo.ModelProductTemplate, product("  ", "Espacios", 1))

	report, err := env.reconciler(productTables()).Run(context.Background(), productEntity(), RunInfo{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.SkippedNoKey)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 0, env.target.Len(godoo.ModelProductTemplate))
}

func TestRunNeverGuessesAmbiguousMatches(t *testing.T) {
	env := newTestEnv(t)
	env.source.Put(godoo.ModelProductTemplate, product("D1", "Uno", 1))
	env.source.Put(godoo.ModelProductTemplate, product("D1", "Otro", 1))
	env.source.Put(godoo.ModelProductTemplate, product("E1", "Estante", 3))
	env.target.Put(godoo.ModelProductTemplate, product("E1", "Estante", 3))
	env.target.Put(godoo.ModelProductTemplate, product("E1", "Estante bis", 3))

	report, err := env.reconciler(productTables()).Run(context.Background(), productEntity(), RunInfo{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Ambiguous)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 0, env.target.Calls("update"))
	assert.Equal(t, 2, env.target.Len(godoo.ModelProductTemplate))
}

func TestRunReportsStaleLinks(t *testing.T) {
	env := newTestEnv(t)
	env.source.Put(godoo.ModelProductTemplate, product("S1", "Sofá", 100))
	env.link("product", godoo.ModelProductTemplate, "S1", 99)

	report, err := env.reconciler(productTables()).Run(context.Background(), productEntity(), RunInfo{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Ambiguous)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 0, env.target.Len(godoo.ModelProductTemplate))
}

func TestRunContinuesAfterFailedRecord(t *testing.T) {
	env := newTestEnv(t)
	for i := 1; i <= 100; i++ {
		env.source.Put(godoo.ModelProductTemplate, product(fmt.Sprintf("P%03d", i), "Producto", float64(i)))
	}
	env.target.FailWith(func(op string, model godoo.Model, ids []int64, data godoo.Data) error {
		if op == "create" && model == godoo.ModelProductTemplate && data["default_code"] == "P037" {
			return &godoo.OdooRPCError{Message: "ValidationError: price out of range"}
		}
		return nil
	})

	report, err := env.reconciler(productTables()).Run(context.Background(), productEntity(), RunInfo{})
	require.NoError(t, err)
	assert.Equal(t, 100, report.Processed)
	assert.Equal(t, 99, report.Created)
	assert.Equal(t, 1, report.Errors)
	assert.False(t, report.Clean())
	require.Error(t, report.Err)
	assert.Contains(t, report.Err.Error(), "P037")
	assert.True(t, errors.Is(report.Err, godoo.ErrOdooRPC))
	assert.Equal(t, 99, env.links.Count("product"))
}

func TestRunStopsWritingWhenInterrupted(t *testing.T) {
	env := newTestEnv(t)
	for i := 1; i <= 10; i++ {
		env.source.Put(godoo.ModelProductTemplate, product(fmt.Sprintf("I%02d", i), "Producto", 1))
	}
	env.source.Put(godoo.ModelProductTemplate, product("", "Sin código", 1))
	env.source.Put(godoo.ModelProductTemplate, product("", "Sin código", 2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	creates := 0
	env.target.FailWith(func(op string, model godoo.Model, ids []int64, data godoo.Data) error {
		if op == "create" && model == godoo.ModelProductTemplate {
			creates++
			if creates == 3 {
				cancel()
			}
		}
		return nil
	})

	report, err := env.reconciler(productTables()).Run(ctx, productEntity(), RunInfo{})
	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	assert.False(t, report.Clean())
	assert.Equal(t, 3, report.Created)
	assert.Equal(t, 2, report.SkippedNoKey, "decided outcomes are still reported")
	assert.Equal(t, 5, report.Processed)
	// the record in flight was finished, link included
	assert.Equal(t, 3, env.links.Count("product"))
	assert.Equal(t, 3, env.target.Len(godoo.ModelProductTemplate))
}

func TestRunRequiredEmptyDatasetIsFatal(t *testing.T) {
	env := newTestEnv(t)
	entity := productEntity()
	entity.Required = true

	report, err := env.reconciler(productTables()).Run(context.Background(), entity, RunInfo{})
	require.Error(t, err)
	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, StateFetchingSource, fatal.State)
	assert.ErrorIs(t, err, ErrEmptyDataset)
	assert.Equal(t, StateError, report.State)

	// an incremental fetch may legitimately be empty
	_, err = env.reconciler(productTables()).Run(context.Background(), entity, RunInfo{Since: time.Now()})
	assert.NoError(t, err)
}

func TestRunFatalFetchAbortsBeforeWrites(t *testing.T) {
	env := newTestEnv(t)
	env.source.Put(godoo.ModelProductTemplate, product("F1", "Farol", 1))
	env.target.FailWith(func(op string, model godoo.Model, ids []int64, data godoo.Data) error {
		if op == "find" && model == godoo.ModelProductTemplate {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	report, err := env.reconciler(productTables()).Run(context.Background(), productEntity(), RunInfo{})
	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, StateFetchingTarget, fatal.State)
	assert.Equal(t, 0, report.Processed)
	assert.Equal(t, 0, env.target.Calls("create"))
}

func TestRunCountsOrphansWithoutTouchingThem(t *testing.T) {
	env := newTestEnv(t)
	env.source.Put(godoo.ModelProductTemplate, product("O1", "Olla", 1))
	env.target.Put(godoo.ModelProductTemplate, product("Z9", "Huérfano", 1))

	report, err := env.reconciler(productTables()).Run(context.Background(), productEntity(), RunInfo{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Orphans)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 0, env.target.Calls("update"))

	// orphans are only meaningful on a full fetch
	report, err = env.reconciler(productTables(), WithLimit(1)).Run(context.Background(), productEntity(), RunInfo{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Orphans)
}

func TestRunDropsFieldsTheTargetRejects(t *testing.T) {
	env := newTestEnv(t)
	env.source.Put(godoo.ModelProductTemplate, product("R1", "Reloj", 30))
	env.source.Put(godoo.ModelProductTemplate, product("R2", "Radio", 40))
	rejected := 0
	env.target.FailWith(func(op string, model godoo.Model, ids []int64, data godoo.Data) error {
		if op == "create" && model == godoo.ModelProductTemplate {
			if _, ok := data["list_price"]; ok {
				rejected++
				return &godoo.InvalidFieldError{Model: string(model), Field: "list_price", Err: errors.New("Invalid field 'list_price'")}
			}
		}
		return nil
	})

	report, err := env.reconciler(productTables()).Run(context.Background(), productEntity(), RunInfo{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
	// the second record is written without the field straight away
	assert.Equal(t, 1, rejected)
	id, _ := env.links.Lookup("product", "R1")
	_, has := env.target.Get(godoo.ModelProductTemplate, id)["list_price"]
	assert.False(t, has)
}

func TestRunUpdateWithEveryFieldRejectedIsUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.source.Put(godoo.ModelProductTemplate, product("R1", "Reloj", 35))
	targetID := env.target.Put(godoo.ModelProductTemplate, product("R1", "Reloj", 30))
	env.link("product", godoo.ModelProductTemplate, "R1", targetID)
	env.target.FailWith(func(op string, model godoo.Model, ids []int64, data godoo.Data) error {
		if op == "update" && model == godoo.ModelProductTemplate {
			if _, ok := data["list_price"]; ok {
				return &godoo.InvalidFieldError{Model: string(model), Field: "list_price", Err: errors.New("Invalid field 'list_price'")}
			}
		}
		return nil
	})

	report, err := env.reconciler(productTables()).Run(context.Background(), productEntity(), RunInfo{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Updated)
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, 1, report.Warnings)
	assert.True(t, report.Clean())
	assert.Equal(t, 30.0, env.target.Get(godoo.ModelProductTemplate, targetID)["list_price"])
}

func TestRunIncrementalFetchesRecentRecordsOnly(t *testing.T) {
	env := newTestEnv(t)
	old := product("W1", "Viejo", 1)
	old["write_date"] = "2026-01-01 10:00:00"
	recent := product("W2", "Nuevo", 1)
	recent["write_date"] = "2026-03-01 10:00:00"
	env.source.Put(godoo.ModelProductTemplate, old)
	env.source.Put(godoo.ModelProductTemplate, recent)

	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	report, err := env.reconciler(productTables()).Run(context.Background(), productEntity(), RunInfo{Since: since})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	_, ok := env.links.Lookup("product", "W2")
	assert.True(t, ok)
	assert.Equal(t, 0, report.Orphans)
}

func TestRunOnlyActive(t *testing.T) {
	env := newTestEnv(t)
	env.source.Put(godoo.ModelProductTemplate, product("V1", "Vaso", 1))
	archived := product("V2", "Vela", 1)
	archived["active"] = false
	env.source.Put(godoo.ModelProductTemplate, archived)

	report, err := env.reconciler(productTables(), WithOnlyActive(true)).Run(context.Background(), productEntity(), RunInfo{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, env.target.Len(godoo.ModelProductTemplate))
}

func TestRunCreatesParentsBeforeChildren(t *testing.T) {
	env := newTestEnv(t)
	// the child is read first
	env.source.Put(godoo.ModelProductCategory, map[string]interface{}{"name": "Sillas", "complete_name": "Muebles / Sillas", "parent_id": []interface{}{int64(2), "Muebles"}})
	env.source.Put(godoo.ModelProductCategory, map[string]interface{}{"name": "Muebles", "complete_name": "Muebles", "parent_id": false})

	parent := mapper.NewLinkResolver("category", godoo.ModelProductCategory, godoo.ModelProductCategory,
		godoo.Fields{"id"}, mapper.IDKey(), env.source, env.links)
	tables := []mapper.Table{{Entity: "category", Rules: []mapper.Rule{
		mapper.Copy("name"),
		mapper.Many2One("parent_id", parent),
	}}}
	entity := Entity{
		Name:         "category",
		SourceModel:  godoo.ModelProductCategory,
		TargetModel:  godoo.ModelProductCategory,
		LinkKey:      mapper.IDKey(),
		SourceKey:    mapper.NameKey("complete_name"),
		SourceFields: godoo.Fields{"complete_name"},
		TargetKey:    mapper.NameKey("complete_name"),
		ParentField:  "parent_id",
	}

	report, err := env.reconciler(tables).Run(context.Background(), entity, RunInfo{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 0, report.Warnings)

	parentID, ok := env.links.Lookup("category", "2")
	require.True(t, ok)
	childID, ok := env.links.Lookup("category", "1")
	require.True(t, ok)
	assert.Equal(t, parentID, env.target.Get(godoo.ModelProductCategory, childID)["parent_id"])
}

func TestRunSkipsCreateWithoutRequiredField(t *testing.T) {
	env := newTestEnv(t)
	env.source.Put(godoo.ModelProductTemplate, product("Q1", "", 1))
	entity := productEntity()
	entity.RequiredOnCreate = []string{"name"}

	report, err := env.reconciler(productTables()).Run(context.Background(), entity, RunInfo{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, env.target.Len(godoo.ModelProductTemplate))
}

func TestRunOptionalEntityWithoutModel(t *testing.T) {
	env := newTestEnv(t)
	env.source.FailWith(func(op string, model godoo.Model, ids []int64, data godoo.Data) error {
		if model == godoo.ModelProductPublicCategory {
			return fmt.Errorf("%w: product.public.category", godoo.ErrInvalidModel)
		}
		return nil
	})
	entity := Entity{
		Name:        "public_category",
		SourceModel: godoo.ModelProductPublicCategory,
		TargetModel: godoo.ModelProductPublicCategory,
		SourceKey:   mapper.NameKey("name"),
		TargetKey:   mapper.NameKey("name"),
		Optional:    true,
	}
	tables := []mapper.Table{{Entity: "public_category", Rules: []mapper.Rule{mapper.Copy("name")}}}

	report, err := env.reconciler(tables).Run(context.Background(), entity, RunInfo{})
	require.NoError(t, err)
	assert.Equal(t, StateDone, report.State)
	assert.Equal(t, 1, report.Warnings)
}

func TestParentFirst(t *testing.T) {
	recs := []godoo.Record{
		godoo.NewRecord(map[string]interface{}{"id": int64(1), "parent_id": []interface{}{int64(3), "C"}}),
		godoo.NewRecord(map[string]interface{}{"id": int64(2), "parent_id": false}),
		godoo.NewRecord(map[string]interface{}{"id": int64(3), "parent_id": []interface{}{int64(2), "B"}}),
		godoo.NewRecord(map[string]interface{}{"id": int64(4), "parent_id": []interface{}{int64(40), "outside"}}),
	}
	var ids []int64
	for _, rec := range parentFirst(recs, "parent_id") {
		ids = append(ids, rec.ID())
	}
	assert.Equal(t, []int64{2, 3, 1, 4}, ids)
}
