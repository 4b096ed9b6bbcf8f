package config

import "time"

// Config is the full gateway configuration. It is loaded once at startup
// and never mutated afterwards; mutable state lives in the stores.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Platform  PlatformConfig  `yaml:"platform"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Users     UsersConfig     `yaml:"users"`
	Accounts  AccountsConfig  `yaml:"accounts"`
	Affinity  AffinityConfig  `yaml:"affinity"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Intercept InterceptConfig `yaml:"intercept"`
}

// ServerConfig holds the gateway HTTP listener settings.
type ServerConfig struct {
	Host                    string        `yaml:"host"`
	Port                    int           `yaml:"port"`
	ServiceName             string        `yaml:"service_name"`
	UpstreamTimeout         time.Duration `yaml:"upstream_timeout"`
	MaxJSONBody             int64         `yaml:"max_json_body"`
	SimulateEnabled         bool          `yaml:"simulate_enabled"`
	RefundOnUpstreamFailure bool          `yaml:"refund_on_upstream_failure"`
}

// LoggingConfig defines log output settings.
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	File     string            `yaml:"file"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`
}

// PlatformConfig identifies the upstream platform and its identity provider.
type PlatformConfig struct {
	Default        string  `yaml:"default"`          // platform tag, default "windsurf"
	BaseURL        string  `yaml:"base_url"`         // e.g. https://server.codeium.com
	CanonicalHost  string  `yaml:"canonical_host"`   // Host header for forwarded requests
	IdentityURL    string  `yaml:"identity_url"`     // token refresh endpoint (never hardcoded)
	IdentityAPIKey string  `yaml:"identity_api_key"` // FIREBASE_API_KEY
	RefreshQPS     float64 `yaml:"refresh_qps"`      // cap on identity-provider calls
}

// SessionsConfig controls the session pool.
type SessionsConfig struct {
	File                 string        `yaml:"file"` // sessions.json path
	KeepaliveInterval    time.Duration `yaml:"keepalive_interval"`
	HealthCheckInterval  time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout   time.Duration `yaml:"health_check_timeout"`
	TokenRefreshInterval time.Duration `yaml:"token_refresh_interval"`
	FailureThreshold     int           `yaml:"failure_threshold"`
	RecoveryThreshold    int           `yaml:"recovery_threshold"`
	MaxAge               time.Duration `yaml:"max_age"` // session expiry fallback
	DailyTokenLimit      int64         `yaml:"daily_token_limit"`
}

// UsersConfig controls per-user quota enforcement.
type UsersConfig struct {
	File                string        `yaml:"file"` // users.json path
	MaxRPMPerToken      int           `yaml:"max_rpm_per_token"`
	TrialInitialCredits float64       `yaml:"trial_initial_credits"`
	TrialLowThreshold   float64       `yaml:"trial_low_credits_threshold"`
	RecoveryMinInterval time.Duration `yaml:"recovery_min_interval"`
}

// AccountsConfig controls the OpenAI-compatible upstream account pool.
type AccountsConfig struct {
	File               string        `yaml:"file"` // ACCOUNT_POOL_FILE
	DefaultDailyLimit  int64         `yaml:"default_daily_limit"`
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout"`
	MonitorInterval    time.Duration `yaml:"monitor_interval"`
}

// AffinityConfig controls client-to-session pinning.
type AffinityConfig struct {
	TTL                time.Duration `yaml:"ttl"`
	MaxUsersPerSession int           `yaml:"max_users_per_session"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
}

// TelemetryConfig controls the ring buffers and the event log.
type TelemetryConfig struct {
	EventRetention int `yaml:"event_retention"`
	RequestRing    int `yaml:"request_ring"`
}

// InterceptConfig controls the local interception proxy.
type InterceptConfig struct {
	Listen        string `yaml:"listen"`      // default ":443"
	GatewayURL    string `yaml:"gateway_url"` // gateway mode target
	CADir         string `yaml:"ca_dir"`      // persisted CA key+cert
	BypassDNS     string `yaml:"bypass_dns"`  // external resolver, default 8.8.8.8:53
	LeafCacheSize int    `yaml:"leaf_cache_size"`
}

// DefaultConfig returns a configuration populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ServiceName:     "surfgate",
			UpstreamTimeout: 120 * time.Second,
			MaxJSONBody:     1 << 20, // 1 MiB
		},
		Logging: LoggingConfig{Level: "info"},
		Platform: PlatformConfig{
			Default:    "windsurf",
			RefreshQPS: 1,
		},
		Sessions: SessionsConfig{
			File:                 "config/sessions.json",
			KeepaliveInterval:    5 * time.Minute,
			HealthCheckInterval:  time.Minute,
			HealthCheckTimeout:   5 * time.Second,
			TokenRefreshInterval: 45 * time.Minute,
			FailureThreshold:     3,
			RecoveryThreshold:    2,
		},
		Users: UsersConfig{
			File:                "config/users.json",
			MaxRPMPerToken:      30,
			TrialInitialCredits: 1000,
			TrialLowThreshold:   50,
			RecoveryMinInterval: 10 * time.Minute,
		},
		Accounts: AccountsConfig{
			File:               "config/accounts.json",
			HealthCheckTimeout: 2500 * time.Millisecond,
			MonitorInterval:    30 * time.Second,
		},
		Affinity: AffinityConfig{
			TTL:                30 * time.Minute,
			MaxUsersPerSession: 4,
			SweepInterval:      5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			EventRetention: 2000,
			RequestRing:    200,
		},
		Intercept: InterceptConfig{
			Listen:        ":443",
			CADir:         "config/ca",
			BypassDNS:     "8.8.8.8:53",
			LeafCacheSize: 1024,
		},
	}
}
