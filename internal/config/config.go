package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Storage   StorageConfig             `mapstructure:"storage"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Jobs      JobsConfig                `mapstructure:"jobs"`
	Progress  ProgressConfig            `mapstructure:"progress"`
	History   HistoryConfig             `mapstructure:"history"`
	Credit    CreditConfig              `mapstructure:"credit"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
	Auth AuthConfig `mapstructure:"auth"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// AuthConfig guards /api/v1 with a shared bearer key.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite or postgres
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN builds the connection string for the configured driver.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
	return c.Path
}

type StorageConfig struct {
	Type          string `mapstructure:"type"` // s3 (aws, r2, minio via endpoint)
	Endpoint      string `mapstructure:"endpoint"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	UseSSL        bool   `mapstructure:"use_ssl"`
	Bucket        string `mapstructure:"bucket"`
	Region        string `mapstructure:"region"`
	PublicURL     string `mapstructure:"public_url"`
	Prefix        string `mapstructure:"prefix"`
	MaxUploadSize int64  `mapstructure:"max_upload_size"`
}

// JobsConfig controls error classification and registry retention.
type JobsConfig struct {
	MaxTransientFailures int           `mapstructure:"max_transient_failures"`
	SuccessTokens        []string      `mapstructure:"success_tokens"`
	DisguisedSuccess     bool          `mapstructure:"disguised_success"`
	Retention            time.Duration `mapstructure:"retention"`
	CleanupInterval      time.Duration `mapstructure:"cleanup_interval"`
}

// ProgressConfig drives the cosmetic progress estimate.
type ProgressConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Ceiling  int           `mapstructure:"ceiling"`
	Factor   float64       `mapstructure:"factor"`
}

type HistoryConfig struct {
	Backend  string `mapstructure:"backend"` // database or remote
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	PageSize int    `mapstructure:"page_size"`
}

type CreditConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	BaseURL string           `mapstructure:"base_url"`
	APIKey  string           `mapstructure:"api_key"`
	Costs   map[string]int64 `mapstructure:"costs"`
}

// Provider returns the configuration for kind with defaults filled in.
func (c *Config) Provider(kind string) ProviderConfig {
	p := c.Providers[kind]
	p.Kind = kind
	p.applyDefaults()
	p.ResolveEnvVars()
	return p
}

// stringToByteSizeHookFunc parses human-readable sizes such as "20MB" into int64 bytes.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(data.(string))); err != nil {
			// not a size string, leave it to the default conversion
			return data, nil
		}
		return int64(size.Bytes()), nil
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("server.auth.enabled", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/genflow.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("storage.type", "s3")
	v.SetDefault("storage.region", "auto")
	v.SetDefault("storage.bucket", "genflow")
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.prefix", "uploads")
	v.SetDefault("storage.max_upload_size", "20MB")

	v.SetDefault("jobs.max_transient_failures", 2)
	v.SetDefault("jobs.success_tokens", []string{"successfully"})
	v.SetDefault("jobs.disguised_success", true)
	v.SetDefault("jobs.retention", "1h")
	v.SetDefault("jobs.cleanup_interval", "5m")

	v.SetDefault("progress.interval", "1s")
	v.SetDefault("progress.ceiling", 95)
	v.SetDefault("progress.factor", 0.08)

	v.SetDefault("history.backend", "database")
	v.SetDefault("history.page_size", 10)

	v.SetDefault("credit.enabled", false)
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets are usually provided through the environment
	v.BindEnv("server.auth.api_key", "GENFLOW_API_KEY")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")
	v.BindEnv("history.api_key", "HISTORY_API_KEY")
	v.BindEnv("credit.api_key", "CREDIT_API_KEY")

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToByteSizeHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that defaults cannot guarantee.
func (c *Config) Validate() error {
	if c.Progress.Ceiling <= 0 || c.Progress.Ceiling >= 100 {
		return fmt.Errorf("progress.ceiling must be between 1 and 99, got %d", c.Progress.Ceiling)
	}
	if c.Jobs.MaxTransientFailures < 0 {
		return fmt.Errorf("jobs.max_transient_failures must not be negative")
	}
	switch c.History.Backend {
	case "database":
	case "remote":
		if c.History.BaseURL == "" {
			return fmt.Errorf("history.base_url is required for the remote backend")
		}
	default:
		return fmt.Errorf("unknown history.backend %q", c.History.Backend)
	}
	for kind, p := range c.Providers {
		p.Kind = kind
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}
