package config

import (
	"log"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Security SecurityConfig `mapstructure:"security"`
}

type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type AuthConfig struct {
	AdminKey       string           `mapstructure:"admin_key"`
	AdminSecretKey string           `mapstructure:"admin_secret_key"`
	APIKeyHeader   string           `mapstructure:"api_key_header"`
	SessionCookie  string           `mapstructure:"session_cookie"`
	FailOpen       bool             `mapstructure:"fail_open"`
	Identities     []IdentityConfig `mapstructure:"identities"`
}

// IdentityConfig declares a statically provisioned caller.
// Credentials are hashed when loaded and never kept in plaintext afterwards.
type IdentityConfig struct {
	ID           string   `mapstructure:"id"`
	Name         string   `mapstructure:"name"`
	APIKey       string   `mapstructure:"api_key"`
	BearerTokens []string `mapstructure:"bearer_tokens"`
	Roles        []string `mapstructure:"roles"`
	State        string   `mapstructure:"state"` // active | inactive | locked | suspended
}

type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	EventRetentionDays     int    `mapstructure:"event_retention_days"`
	CleanupIntervalMinutes int    `mapstructure:"cleanup_interval_minutes"`
}

type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	KeyPrefix    string `mapstructure:"key_prefix"`
	TimeoutMs    int    `mapstructure:"timeout_ms"`
	EventListKey string `mapstructure:"event_list_key"`
	EventListMax int    `mapstructure:"event_list_max"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type AuditConfig struct {
	LogDir     string `mapstructure:"log_dir"`
	BufferSize int    `mapstructure:"buffer_size"`
	RingSize   int    `mapstructure:"ring_size"`
}

type SecurityConfig struct {
	// Secret seeds every keyed hash (signatures, fingerprints, token digests).
	Secret         string   `mapstructure:"secret"`
	StageTimeoutMs int      `mapstructure:"stage_timeout_ms"`
	ReadOnly       bool     `mapstructure:"read_only"`
	PublicPaths    []string `mapstructure:"public_paths"`
	AdminPaths     []string `mapstructure:"admin_paths"`

	Headers   HeaderConfig    `mapstructure:"headers"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Threat    ThreatConfig    `mapstructure:"threat"`
	CSRF      CSRFConfig      `mapstructure:"csrf"`
	Session   SessionConfig   `mapstructure:"session"`
}

type HeaderConfig struct {
	MaxHeaderCount      int `mapstructure:"max_header_count"`
	MaxHeaderValueBytes int `mapstructure:"max_header_value_bytes"`
}

type RateLimitConfig struct {
	Disabled bool               `mapstructure:"disabled"`
	FailOpen bool               `mapstructure:"fail_open"`
	Classes  []RouteClassConfig `mapstructure:"classes"`
}

// RouteClassConfig is one row of the ordered classification table; first match wins.
type RouteClassConfig struct {
	Name          string   `mapstructure:"name"`
	Keywords      []string `mapstructure:"keywords"`
	Methods       []string `mapstructure:"methods"`
	WindowSeconds int      `mapstructure:"window_seconds"`
	Anonymous     int      `mapstructure:"anonymous"`
	Authenticated int      `mapstructure:"authenticated"`
}

type ThreatConfig struct {
	Disabled               bool     `mapstructure:"disabled"`
	FailOpen               bool     `mapstructure:"fail_open"`
	MaxValueBytes          int      `mapstructure:"max_value_bytes"`
	MaxBodyBytes           int64    `mapstructure:"max_body_bytes"`
	MaxDepth               int      `mapstructure:"max_depth"`
	CleanCacheSeconds      int      `mapstructure:"clean_cache_seconds"`
	HitCacheSeconds        int      `mapstructure:"hit_cache_seconds"`
	SafePaths              []string `mapstructure:"safe_paths"`
	SafeContentTypes       []string `mapstructure:"safe_content_types"`
	ScannedHeaders         []string `mapstructure:"scanned_headers"`
	BlockThreshold         int      `mapstructure:"block_threshold"`
	ViolationWindowSeconds int      `mapstructure:"violation_window_seconds"`
	BlockSeconds           int      `mapstructure:"block_seconds"`
}

type CSRFConfig struct {
	Disabled            bool     `mapstructure:"disabled"`
	FailOpen            bool     `mapstructure:"fail_open"`
	CookieName          string   `mapstructure:"cookie_name"`
	HeaderName          string   `mapstructure:"header_name"`
	CookieSecure        bool     `mapstructure:"cookie_secure"`
	CookieDomain        string   `mapstructure:"cookie_domain"`
	CookieMaxAgeSeconds int      `mapstructure:"cookie_max_age_seconds"`
	ReplayWindowSeconds int      `mapstructure:"replay_window_seconds"`
	ExemptPaths         []string `mapstructure:"exempt_paths"`
	AllowedOrigins      []string `mapstructure:"allowed_origins"`
	StrictOrigin        bool     `mapstructure:"strict_origin"`
}

type SessionConfig struct {
	Disabled          bool     `mapstructure:"disabled"`
	FailOpen          bool     `mapstructure:"fail_open"`
	Mode              string   `mapstructure:"mode"` // strict | balanced | permissive
	StrictPaths       []string `mapstructure:"strict_paths"`
	MismatchThreshold int      `mapstructure:"mismatch_threshold"`
	TTLSeconds        int      `mapstructure:"ttl_seconds"`
}

// StageTimeout is the bound applied to every shared-store or identity-store call of a stage.
func (c *SecurityConfig) StageTimeout() time.Duration {
	if c.StageTimeoutMs <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.StageTimeoutMs) * time.Millisecond
}

func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom reads the given file instead of searching for config.yaml when path is set.
func LoadFrom(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
	}

	// Environment variables support
	// e.g. SHIELDGATE_SECURITY_SECRET
	viper.SetEnvPrefix("shieldgate")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Watch re-reads the config file on change and hands the fresh snapshot to onChange.
// Only settings that are documented as hot-reloadable (log level, rate-limit classes) are
// expected to be applied by callers; everything else requires a restart.
func Watch(onChange func(*Config)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var cfg Config
		if err := viper.Unmarshal(&cfg); err != nil {
			log.Printf("config reload failed: %v", err)
			return
		}
		onChange(&cfg)
	})
	viper.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")

	v.SetDefault("auth.api_key_header", "X-API-Key")
	v.SetDefault("auth.session_cookie", "session_id")
	v.SetDefault("auth.fail_open", false)

	v.SetDefault("redis.key_prefix", "shieldgate:")
	v.SetDefault("redis.timeout_ms", 200)
	v.SetDefault("redis.event_list_key", "security_events")
	v.SetDefault("redis.event_list_max", 10000)

	v.SetDefault("database.event_retention_days", 90)
	v.SetDefault("database.cleanup_interval_minutes", 60)

	v.SetDefault("nats.subject_prefix", "security.events")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("audit.log_dir", "./logs")
	v.SetDefault("audit.buffer_size", 1000)
	v.SetDefault("audit.ring_size", 1000)

	v.SetDefault("security.stage_timeout_ms", 200)
	v.SetDefault("security.public_paths", []string{"/api/health", "/api/info", "/api/auth/login", "/api/auth/session", "/api/auth/check-email"})
	v.SetDefault("security.admin_paths", []string{"/api/admin"})
	v.SetDefault("security.headers.max_header_count", 100)
	v.SetDefault("security.headers.max_header_value_bytes", 8192)

	v.SetDefault("security.rate_limit.fail_open", true)

	v.SetDefault("security.threat.fail_open", true)
	v.SetDefault("security.threat.max_value_bytes", 10*1024)
	v.SetDefault("security.threat.max_body_bytes", 1<<20)
	v.SetDefault("security.threat.max_depth", 32)
	v.SetDefault("security.threat.clean_cache_seconds", 600)
	v.SetDefault("security.threat.hit_cache_seconds", 60)
	v.SetDefault("security.threat.safe_paths", []string{"/api/health", "/api/status", "/api/ping", "/metrics"})
	v.SetDefault("security.threat.safe_content_types", []string{"image/", "video/", "audio/", "application/octet-stream", "application/pdf"})
	v.SetDefault("security.threat.scanned_headers", []string{"User-Agent", "Referer", "X-Forwarded-Host", "X-Original-URL", "X-Rewrite-URL"})
	v.SetDefault("security.threat.block_threshold", 5)
	v.SetDefault("security.threat.violation_window_seconds", 600)
	v.SetDefault("security.threat.block_seconds", 900)

	v.SetDefault("security.csrf.fail_open", false)
	v.SetDefault("security.csrf.cookie_name", "XSRF-TOKEN")
	v.SetDefault("security.csrf.header_name", "X-CSRF-Token")
	v.SetDefault("security.csrf.cookie_secure", true)
	v.SetDefault("security.csrf.cookie_max_age_seconds", 7200)
	v.SetDefault("security.csrf.replay_window_seconds", 3600)
	v.SetDefault("security.csrf.exempt_paths", []string{"/api/auth/login", "/api/auth/session", "/api/webhooks"})

	v.SetDefault("security.session.fail_open", false)
	v.SetDefault("security.session.mode", "balanced")
	v.SetDefault("security.session.mismatch_threshold", 3)
	v.SetDefault("security.session.ttl_seconds", 86400)
}
