package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (KEYGATE_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (KEYGATE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Storage     string `default:"postgres" usage:"Key store backend: postgres or memory"`
	KeyPepper   string `usage:"HMAC pepper for key hashing (KEYGATE_KEY_PEPPER)" flag:"key-pepper"`
	RootAPIID   string `usage:"API whose keys may call management endpoints" flag:"root-api-id"`
	Bootstrap   BootstrapConfig
	HashFilter  HashFilterConfig
	RateLimit   RateLimitConfig
	Graceful    GracefulConfig
}

// BootstrapConfig provisions the root API and one root key at startup when
// the root API does not exist yet. Required for the memory store.
type BootstrapConfig struct {
	RootKey   string `usage:"Root key secret to provision (KEYGATE_BOOTSTRAP_ROOT_KEY)" flag:"root-key"`
	Workspace string `default:"ws_default" usage:"Workspace managed by the bootstrapped root key"`
}

// HashFilterConfig controls the bloom filter in front of hash lookups. The
// filter only learns about keys inserted through this process, so it is
// limited to the memory store.
type HashFilterConfig struct {
	Enabled  bool    `default:"false" usage:"Reject unknown hashes without a store round trip" flag:"hash-filter"`
	Capacity uint    `default:"1000000" usage:"Expected number of keys"`
	FPR      float64 `default:"0.001" usage:"Target false positive rate"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"1000" usage:"Max requests per window"`
	Window time.Duration `default:"1m"   usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files, then applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KEYGATE",
		Files:     []string{"config.yaml", "/etc/keygate/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set KEYGATE_DATABASE_URL or DATABASE_URL")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown storage %q", c.Storage)
	}
	if c.RootAPIID == "" {
		return errors.New("root API id is required: set KEYGATE_ROOT_API_ID")
	}
	if c.HashFilter.Enabled && c.Storage != StorageMemory {
		return errors.Errorf("hash filter requires memory storage: keys written by other processes to %s would be rejected", c.Storage)
	}
	if c.HashFilter.Enabled && (c.HashFilter.FPR <= 0 || c.HashFilter.FPR >= 1) {
		return errors.Errorf("hash filter FPR must be in (0, 1), got %v", c.HashFilter.FPR)
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT onto the KEYGATE_ configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
