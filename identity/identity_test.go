package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ilcreatore32/odoosync/godoo"
	"github.com/ilcreatore32/odoosync/internal/memstore"
)

func putLink(s *memstore.Store, module, name string, model godoo.Model, resID int64) {
	s.Put(godoo.ModelIrModelData, map[string]interface{}{
		"module": module,
		"name":   name,
		"model":  string(model),
		"res_id": resID,
	})
}

func TestLoadOnlyReadsOwnLinks(t *testing.T) {
	store := memstore.New()
	putLink(store, DefaultModule, "product:X1", godoo.ModelProductTemplate, 10)
	putLink(store, DefaultModule, "product:X2", godoo.ModelProductTemplate, 11)
	putLink(store, DefaultModule, "customer:20-1", godoo.ModelResPartner, 5)
	putLink(store, "product", "product:X3", godoo.ModelProductTemplate, 12)

	m := New(store, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, m.Load(context.Background(), "product", godoo.ModelProductTemplate))

	assert.Equal(t, 2, m.Count("product"))
	assert.Equal(t, []string{"X1", "X2"}, m.Keys("product"))
	id, ok := m.Lookup("product", "X2")
	assert.True(t, ok)
	assert.Equal(t, int64(11), id)
	_, ok = m.Lookup("customer", "20-1")
	assert.False(t, ok, "customer links were not loaded")
}

func TestResolveFallsBackToStoreForUnloadedEntity(t *testing.T) {
	store := memstore.New()
	putLink(store, DefaultModule, "pricelist:Mayorista", godoo.ModelProductPricelist, 3)
	m := New(store)
	ctx := context.Background()

	id, ok, err := m.Resolve(ctx, "pricelist", "Mayorista")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), id)

	_, ok, err = m.Resolve(ctx, "pricelist", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBindIsIdempotent(t *testing.T) {
	store := memstore.New()
	m := New(store)
	ctx := context.Background()

	require.NoError(t, m.Bind(ctx, "product", godoo.ModelProductTemplate, "X2", 40))
	require.NoError(t, m.Bind(ctx, "product", godoo.ModelProductTemplate, "X2", 40))
	assert.Equal(t, 1, store.Len(godoo.ModelIrModelData))

	err := m.Bind(ctx, "product", godoo.ModelProductTemplate, "X2", 41)
	assert.ErrorIs(t, err, ErrLinkConflict)
	assert.Equal(t, 1, store.Len(godoo.ModelIrModelData))

	row := store.Get(godoo.ModelIrModelData, 1)
	assert.Equal(t, "product:X2", row["name"])
	assert.Equal(t, DefaultModule, row["module"])
	assert.Equal(t, int64(40), row["res_id"])

	assert.ErrorIs(t, m.Bind(ctx, "product", godoo.ModelProductTemplate, "", 40), ErrEmptyKey)
}

func TestResolveFreshSeesLinksBoundByAnotherRun(t *testing.T) {
	store := memstore.New()
	m := New(store, WithModule("odoosync"))
	ctx := context.Background()
	require.NoError(t, m.Load(ctx, "product", godoo.ModelProductTemplate))

	// A concurrent or crashed run bound the key after Load.
	putLink(store, "odoosync", "product:X9", godoo.ModelProductTemplate, 77)

	_, ok, err := m.Resolve(ctx, "product", "X9")
	require.NoError(t, err)
	assert.False(t, ok, "loaded cache is authoritative for Resolve")

	id, ok, err := m.ResolveFresh(ctx, "product", "X9")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(77), id)
	assert.Equal(t, 1, m.Count("product"))
}

func TestBindStoreFailure(t *testing.T) {
	store := memstore.New()
	boom := errors.New("access error")
	store.FailWith(func(op string, model godoo.Model, ids []int64, data godoo.Data) error {
		if op == "create" {
			return boom
		}
		return nil
	})
	m := New(store)

	err := m.Bind(context.Background(), "product", godoo.ModelProductTemplate, "X1", 5)
	assert.ErrorIs(t, err, boom)
	_, ok := m.Lookup("product", "X1")
	assert.False(t, ok)
}

func TestKeysWithSpacesAreEscapedInLinkNames(t *testing.T) {
	store := memstore.New()
	m := New(store)
	ctx := context.Background()

	require.NoError(t, m.Bind(ctx, "product", godoo.ModelProductTemplate, "silla roja", 12))
	require.NoError(t, m.Bind(ctx, "product", godoo.ModelProductTemplate, "AB 12", 13))
	require.NoError(t, m.Bind(ctx, "product", godoo.ModelProductTemplate, "50%", 14))
	assert.Equal(t, "product:silla%20roja", store.Get(godoo.ModelIrModelData, 1)["name"])
	assert.Equal(t, "product:50%25", store.Get(godoo.ModelIrModelData, 3)["name"])

	reloaded := New(store)
	require.NoError(t, reloaded.Load(ctx, "product", godoo.ModelProductTemplate))
	assert.Equal(t, []string{"50%", "AB 12", "silla roja"}, reloaded.Keys("product"))
	id, ok, err := reloaded.ResolveFresh(ctx, "product", "AB 12")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(13), id)
}
