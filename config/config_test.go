package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilcreatore32/odoosync/godoo"
)

const sampleYAML = `
source:
  url: https://odoo16.example.com
  db: prod16
  username: sync@example.com
target:
  url: https://odoo18.example.com
  db: prod18
  username: sync@example.com
sync:
  entities: [product_category, product]
  only_active: false
  limit: 50
  product_key: internal_code
  custom_fields: [x_origin, x_brand]
  custom_filters:
    product:
      - ["categ_id.name", "=", "Sillas"]
rpc:
  timeout: 15s
  max_attempts: 5
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFileWithEnvOverrides(t *testing.T) {
	path := writeFile(t, "odoosync.yaml", sampleYAML)
	envFile := writeFile(t, ".env", "ODOOSYNC_SOURCE_PASSWORD=from-dotenv\nODOOSYNC_TARGET_PASSWORD=from-dotenv\n")
	t.Setenv("ODOOSYNC_TARGET_PASSWORD", "from-env")
	t.Setenv("ODOOSYNC_SYNC_LIMIT", "7")
	t.Cleanup(func() { os.Unsetenv("ODOOSYNC_SOURCE_PASSWORD") })

	cfg, err := Load(path, envFile)
	require.NoError(t, err)

	assert.Equal(t, "https://odoo16.example.com", cfg.Source.URL)
	assert.Equal(t, "from-dotenv", cfg.Source.Password)
	assert.Equal(t, "from-env", cfg.Target.Password)
	assert.Equal(t, 7, cfg.Sync.Limit)
	assert.False(t, cfg.Sync.OnlyActive)
	assert.Equal(t, []string{"product_category", "product"}, cfg.Sync.Entities)
	assert.Equal(t, []string{"x_origin", "x_brand"}, cfg.Sync.CustomFields)
	assert.Equal(t, "internal_code", cfg.Sync.ProductKey)
	assert.Equal(t, 15*time.Second, cfg.RPC.Timeout)
	assert.Equal(t, 5, cfg.RPC.RetryPolicy().MaxAttempts)

	// defaults
	assert.True(t, cfg.Sync.SyncImages)
	assert.True(t, cfg.Sync.Incremental)
	assert.Equal(t, "last_product_sync.txt", cfg.Sync.CheckpointFile)
	assert.Equal(t, godoo.DefaultPageSize, cfg.Sync.PageSize)
	assert.Equal(t, "sync_script", cfg.Sync.LinkModule)

	filters := cfg.Sync.Filters()
	require.Len(t, filters["product"], 1)
	assert.Equal(t, "categ_id.name", filters["product"][0][0])
}

func TestLoadMissingCredentials(t *testing.T) {
	path := writeFile(t, "odoosync.yaml", sampleYAML)

	_, err := Load(path, filepath.Join(t.TempDir(), "absent.env"))
	require.ErrorIs(t, err, ErrMissingConfig)
	assert.Contains(t, err.Error(), "source.password")
	assert.Contains(t, err.Error(), "target.password")
}

func TestLoadFromEnvironmentOnly(t *testing.T) {
	for _, side := range []string{"SOURCE", "TARGET"} {
		t.Setenv("ODOOSYNC_"+side+"_URL", "http://localhost:8069")
		t.Setenv("ODOOSYNC_"+side+"_DB", "odoo")
		t.Setenv("ODOOSYNC_"+side+"_USERNAME", "admin")
		t.Setenv("ODOOSYNC_"+side+"_PASSWORD", "admin")
	}
	t.Setenv("ODOOSYNC_SYNC_ENTITIES", "customer, supplier")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"customer", "supplier"}, cfg.Sync.Entities)
	assert.Equal(t, "admin", cfg.Target.Username)
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), filepath.Join(t.TempDir(), "absent.env"))
	assert.Error(t, err)
}

func TestValidateRanges(t *testing.T) {
	valid := func() *Config {
		inst := InstanceConfig{URL: "http://x", DB: "db", Username: "u", Password: "p"}
		return &Config{
			Source: inst,
			Target: inst,
			Sync:   SyncConfig{PageSize: 100, ImagePageSize: 20},
			RPC:    RPCConfig{Timeout: time.Second, MaxAttempts: 1},
		}
	}
	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.Sync.Limit = -1
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Sync.Incremental = true
	assert.ErrorIs(t, cfg.Validate(), ErrMissingConfig)

	cfg = valid()
	cfg.Sync.CustomFilters = map[string][][]interface{}{"product": {{"name", "="}}}
	assert.Error(t, cfg.Validate())
}
