package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Supported voucher stores.
const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (VOUCHER_ prefix), flags, or YAML config files.
type Config struct {
	Addr          string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Store         string `default:"postgres" usage:"Voucher store: postgres or mongo"`
	DatabaseURL   string `usage:"PostgreSQL connection URL (VOUCHER_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	MongoURI      string `usage:"MongoDB connection URI (VOUCHER_MONGO_URI or MONGO_URI)" flag:"mongo-uri"`
	MongoDatabase string `default:"vouchers" usage:"MongoDB database name" flag:"mongo-database"`
	APIKeyPepper  string `usage:"HMAC pepper for API key hashing (VOUCHER_API_KEY_PEPPER)" flag:"api-key-pepper"`
	RateLimit     RateLimitConfig
	PreviewLimit  PreviewLimitConfig
	Graceful      GracefulConfig
}

// RateLimitConfig controls a sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// PreviewLimitConfig throttles voucher previews per user. Max 0 disables it.
type PreviewLimitConfig struct {
	Max    int           `default:"30" usage:"Max previews per user per window"`
	Window time.Duration `default:"1m" usage:"Preview limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(os.Args[1:])
}

func loadConfig(args []string) (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "VOUCHER",
		Args:      args,
		Files:     []string{"config.yaml", "/etc/voucher/config.yaml"},
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
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set VOUCHER_DATABASE_URL or DATABASE_URL")
		}
	case StoreMongo:
		if c.MongoURI == "" {
			return errors.New("mongo URI is required: set VOUCHER_MONGO_URI or MONGO_URI")
		}
		if c.MongoDatabase == "" {
			return errors.New("mongo database name is required")
		}
	default:
		return errors.Errorf("unknown store %q: want %s or %s", c.Store, StorePostgres, StoreMongo)
	}
	if c.PreviewLimit.Max < 0 || c.RateLimit.Max < 0 {
		return errors.New("rate limits must not be negative")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT to the VOUCHER_-prefixed
// configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.MongoURI == "" {
		c.MongoURI = os.Getenv("MONGO_URI")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
