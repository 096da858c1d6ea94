package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. FLOW2API_DATABASE_URL.
const EnvPrefix = "FLOW2API"

// Config captures the runtime configuration for the gateway. Fields that
// operators may also change at runtime through the admin API live in
// SettingDefaults; everything else is fixed at startup.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Upstream      UpstreamConfig      `mapstructure:"upstream"`
	Generation    GenerationConfig    `mapstructure:"generation"`
	Admin         AdminConfig         `mapstructure:"admin"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Proxy         ProxyConfig         `mapstructure:"proxy"`
	Debug         DebugConfig         `mapstructure:"debug"`
	RateLimits    RateLimitConfig     `mapstructure:"rate_limits"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	BodyLimitMB           int           `mapstructure:"body_limit_mb"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// UpstreamConfig points at the Flow generation service.
type UpstreamConfig struct {
	LabsBaseURL string        `mapstructure:"labs_base_url"`
	APIBaseURL  string        `mapstructure:"api_base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

// GenerationConfig holds the orchestration budgets. Timeouts, poll interval
// and the ban threshold are runtime-overridable through settings.
type GenerationConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxPollAttempts   int           `mapstructure:"max_poll_attempts"`
	ImageTimeout      time.Duration `mapstructure:"image_timeout"`
	VideoTimeout      time.Duration `mapstructure:"video_timeout"`
	ErrorBanThreshold int           `mapstructure:"error_ban_threshold"`
	RetryOnNewToken   bool          `mapstructure:"retry_on_new_token"`
	ImageCreditCost   float64       `mapstructure:"image_credit_cost"`
	VideoCreditCost   float64       `mapstructure:"video_credit_cost"`
}

type AdminConfig struct {
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	JWTSecret  string        `mapstructure:"jwt_secret"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

type AuthConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type CacheConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	TTL           time.Duration `mapstructure:"ttl"`
	BaseURL       string        `mapstructure:"base_url"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type StorageConfig struct {
	Backend string          `mapstructure:"backend"`
	Local   StorageLocal    `mapstructure:"local"`
	S3      StorageS3Config `mapstructure:"s3"`
}

type StorageLocal struct {
	Directory string `mapstructure:"directory"`
}

type StorageS3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	PublicDomain string `mapstructure:"public_domain"`
}

type ProxyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	LogRequests  bool `mapstructure:"log_requests"`
	LogResponses bool `mapstructure:"log_responses"`
	MaskToken    bool `mapstructure:"mask_token"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	ParallelRequests  int `mapstructure:"parallel_requests"`
}

type ObservabilityConfig struct {
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment
// variables. Environment always wins over the file.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv(EnvPrefix + "_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		// Allow standard lookup locations when no explicit file is provided.
		v.SetConfigName("flow2api")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are set and fills derived defaults.
func (c *Config) Validate() error {
	var missing []string

	if c.Database.URL == "" {
		missing = append(missing, EnvPrefix+"_DATABASE_URL")
	}
	if c.Redis.URL == "" {
		missing = append(missing, EnvPrefix+"_REDIS_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Database.RunMigrations && c.Database.MigrationsDir == "" {
		return fmt.Errorf("database.migrations_dir must be provided when run_migrations is true")
	}
	if c.Database.MaxConns < 0 {
		return fmt.Errorf("database.max_conns must be >= 0")
	}
	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size must be >= 0")
	}

	if c.Generation.PollInterval <= 0 {
		return fmt.Errorf("generation.poll_interval must be > 0")
	}
	if c.Generation.MaxPollAttempts <= 0 {
		return fmt.Errorf("generation.max_poll_attempts must be > 0")
	}
	if c.Generation.ImageTimeout <= 0 || c.Generation.VideoTimeout <= 0 {
		return fmt.Errorf("generation timeouts must be > 0")
	}
	if c.Generation.ErrorBanThreshold <= 0 {
		return fmt.Errorf("generation.error_ban_threshold must be > 0")
	}
	if c.Generation.ImageCreditCost < 0 || c.Generation.VideoCreditCost < 0 {
		return fmt.Errorf("generation credit costs must be >= 0")
	}

	if c.Admin.JWTSecret == "" {
		return fmt.Errorf("admin.jwt_secret must be provided")
	}
	if c.Admin.SessionTTL <= 0 {
		return fmt.Errorf("admin.session_ttl must be > 0")
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Backend)) {
	case "", "local":
		c.Storage.Backend = "local"
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket must be provided for s3 storage")
		}
	default:
		return fmt.Errorf("storage.backend must be local or s3, got %q", c.Storage.Backend)
	}

	if c.RateLimits.RequestsPerMinute < 0 || c.RateLimits.ParallelRequests < 0 {
		return fmt.Errorf("rate_limits values must be >= 0")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8000")
	v.SetDefault("server.body_limit_mb", 20)
	v.SetDefault("server.read_timeout", "120s")
	v.SetDefault("server.idle_timeout", "75s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")

	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.migrations_dir", "./migrations")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("upstream.labs_base_url", "https://labs.google/fx/api")
	v.SetDefault("upstream.api_base_url", "https://aisandbox-pa.googleapis.com/v1")
	v.SetDefault("upstream.timeout", "120s")
	v.SetDefault("upstream.max_retries", 3)

	v.SetDefault("generation.poll_interval", "3s")
	v.SetDefault("generation.max_poll_attempts", 200)
	v.SetDefault("generation.image_timeout", "300s")
	v.SetDefault("generation.video_timeout", "1500s")
	v.SetDefault("generation.error_ban_threshold", 3)
	v.SetDefault("generation.retry_on_new_token", false)
	v.SetDefault("generation.image_credit_cost", 1)
	v.SetDefault("generation.video_credit_cost", 10)

	v.SetDefault("admin.username", "admin")
	v.SetDefault("admin.password", "admin")
	v.SetDefault("admin.session_ttl", "24h")

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.ttl", "7200s")
	v.SetDefault("cache.sweep_interval", "15m")

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local.directory", "./data/files")

	v.SetDefault("debug.log_requests", true)
	v.SetDefault("debug.log_responses", true)
	v.SetDefault("debug.mask_token", true)

	v.SetDefault("rate_limits.requests_per_minute", 0)
	v.SetDefault("rate_limits.parallel_requests", 0)

	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
