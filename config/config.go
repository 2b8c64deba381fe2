// Package config loads the synchronizer configuration from a YAML file, an
// optional .env file and ODOOSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ilcreatore32/odoosync/godoo"
)

// ErrMissingConfig is returned when a required setting is absent.
var ErrMissingConfig = errors.New("config: missing required setting")

// EnvPrefix prefixes every environment override, e.g. ODOOSYNC_TARGET_PASSWORD.
const EnvPrefix = "ODOOSYNC"

// Config is the whole configuration of one invocation.
type Config struct {
	Source  InstanceConfig `mapstructure:"source"`
	Target  InstanceConfig `mapstructure:"target"`
	Sync    SyncConfig     `mapstructure:"sync"`
	RPC     RPCConfig      `mapstructure:"rpc"`
	Logging LoggingConfig  `mapstructure:"logging"`
}

// InstanceConfig holds the connection settings of one Odoo instance.
type InstanceConfig struct {
	URL           string `mapstructure:"url"`
	DB            string `mapstructure:"db"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	SkipTLSVerify bool   `mapstructure:"skip_tls_verify"`
}

// SyncConfig selects what is synchronized and how.
type SyncConfig struct {
	Entities       []string `mapstructure:"entities"`
	OnlyActive     bool     `mapstructure:"only_active"`
	Limit          int      `mapstructure:"limit"`
	SyncImages     bool     `mapstructure:"sync_images"`
	Incremental    bool     `mapstructure:"incremental"`
	CheckpointFile string   `mapstructure:"checkpoint_file"`
	PageSize       int      `mapstructure:"page_size"`
	ImagePageSize  int      `mapstructure:"image_page_size"`
	LinkModule     string   `mapstructure:"link_module"`
	ProductKey     string   `mapstructure:"product_key"`
	ArchiveKey     string   `mapstructure:"archive_key"`
	CustomFields   []string `mapstructure:"custom_fields"`
	// CustomFilters adds a source domain per entity, e.g.
	//   product: [["categ_id.name", "=", "Sillas"]]
	CustomFilters map[string][][]interface{} `mapstructure:"custom_filters"`
	FailOnErrors  bool                       `mapstructure:"fail_on_errors"`
	FloatPlaces   int32                      `mapstructure:"float_places"`
}

// RPCConfig bounds every remote call.
type RPCConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	Burst           int           `mapstructure:"burst"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
	AuthTimeout     time.Duration `mapstructure:"auth_timeout"`
}

// LoggingConfig selects the zap configuration.
type LoggingConfig struct {
	Env   string `mapstructure:"env"`
	Level string `mapstructure:"level"`
}

// Load reads the configuration. path may be empty, in which case odoosync.yaml is
// looked up in the working directory and ./config; a missing file is fine then,
// everything can come from the environment. envFiles are loaded into the process
// environment first (default ".env", skipped when absent); variables already set
// win over them.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("odoosync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	// Lists from the environment arrive as one comma-separated string.
	cfg.Sync.Entities = splitList(cfg.Sync.Entities)
	cfg.Sync.CustomFields = splitList(cfg.Sync.CustomFields)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	for _, side := range []string{"source", "target"} {
		v.SetDefault(side+".url", "")
		v.SetDefault(side+".db", "")
		v.SetDefault(side+".username", "")
		v.SetDefault(side+".password", "")
		v.SetDefault(side+".skip_tls_verify", false)
	}

	v.SetDefault("sync.entities", []string{})
	v.SetDefault("sync.only_active", true)
	v.SetDefault("sync.limit", 0)
	v.SetDefault("sync.sync_images", true)
	v.SetDefault("sync.incremental", true)
	v.SetDefault("sync.checkpoint_file", "last_product_sync.txt")
	v.SetDefault("sync.page_size", godoo.DefaultPageSize)
	v.SetDefault("sync.image_page_size", 20)
	v.SetDefault("sync.link_module", "sync_script")
	v.SetDefault("sync.product_key", "default_code")
	v.SetDefault("sync.archive_key", "")
	v.SetDefault("sync.custom_fields", []string{})
	v.SetDefault("sync.fail_on_errors", false)
	v.SetDefault("sync.float_places", 4)

	v.SetDefault("rpc.timeout", 60*time.Second)
	v.SetDefault("rpc.max_attempts", 3)
	v.SetDefault("rpc.initial_backoff", 500*time.Millisecond)
	v.SetDefault("rpc.max_backoff", 10*time.Second)
	v.SetDefault("rpc.rate_limit", 0)
	v.SetDefault("rpc.burst", 1)
	v.SetDefault("rpc.breaker_failures", 5)
	v.SetDefault("rpc.breaker_cooldown", 30*time.Second)
	v.SetDefault("rpc.auth_timeout", time.Hour)

	v.SetDefault("logging.env", string(godoo.EnvProduction))
	v.SetDefault("logging.level", "info")
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks the required settings and the ranges of the numeric ones.
func (c *Config) Validate() error {
	var missing []string
	for side, inst := range map[string]InstanceConfig{"source": c.Source, "target": c.Target} {
		for key, value := range map[string]string{"url": inst.URL, "db": inst.DB, "username": inst.Username, "password": inst.Password} {
			if value == "" {
				missing = append(missing, side+"."+key)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	switch {
	case c.Sync.Limit < 0:
		return fmt.Errorf("config: sync.limit must not be negative")
	case c.Sync.PageSize <= 0 || c.Sync.ImagePageSize <= 0:
		return fmt.Errorf("config: sync.page_size and sync.image_page_size must be positive")
	case c.Sync.Incremental && c.Sync.CheckpointFile == "":
		return fmt.Errorf("%w: sync.checkpoint_file is required for incremental runs", ErrMissingConfig)
	case c.RPC.Timeout <= 0:
		return fmt.Errorf("config: rpc.timeout must be positive")
	case c.RPC.MaxAttempts < 1:
		return fmt.Errorf("config: rpc.max_attempts must be at least 1")
	}
	for entity, filter := range c.Sync.CustomFilters {
		for _, cond := range filter {
			if len(cond) != 1 && len(cond) != 3 {
				return fmt.Errorf("config: sync.custom_filters.%s: condition %v is neither an operator nor a triple", entity, cond)
			}
		}
	}
	return nil
}

// Filters returns the custom source domains by entity.
func (c SyncConfig) Filters() map[string]godoo.Domain {
	out := make(map[string]godoo.Domain, len(c.CustomFilters))
	for entity, filter := range c.CustomFilters {
		domain := make(godoo.Domain, 0, len(filter))
		for _, cond := range filter {
			domain = append(domain, godoo.DomainCondition(cond))
		}
		out[entity] = domain
	}
	return out
}

// RetryPolicy returns the client retry policy.
func (c RPCConfig) RetryPolicy() godoo.RetryPolicy {
	p := godoo.DefaultRetryPolicy()
	p.MaxAttempts = c.MaxAttempts
	if c.InitialBackoff > 0 {
		p.InitialInterval = c.InitialBackoff
	}
	if c.MaxBackoff > 0 {
		p.MaxInterval = c.MaxBackoff
	}
	return p
}

// ClientOptions returns the client options of one instance.
func (c *Config) ClientOptions(name string, inst InstanceConfig) []godoo.Option {
	opts := []godoo.Option{
		godoo.WithName(name),
		godoo.WithSkipTLSVerify(inst.SkipTLSVerify),
		godoo.WithCallTimeout(c.RPC.Timeout),
		godoo.WithRetryPolicy(c.RPC.RetryPolicy()),
		godoo.WithPageSize(c.Sync.PageSize),
		godoo.WithBreaker(c.RPC.BreakerFailures, c.RPC.BreakerCooldown),
	}
	if c.RPC.AuthTimeout > 0 {
		opts = append(opts, godoo.WithAuthTimeout(c.RPC.AuthTimeout))
	}
	if c.RPC.RateLimit > 0 {
		opts = append(opts, godoo.WithRateLimit(c.RPC.RateLimit, c.RPC.Burst))
	}
	return opts
}
