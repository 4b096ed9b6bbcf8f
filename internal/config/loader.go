package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file. A missing file is not an
// error: defaults plus environment overrides form a complete config.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, l.validate(cfg)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			applyEnvOverrides(cfg)
			return cfg, l.validate(cfg)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Flat environment knobs win over file values
	applyEnvOverrides(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// applyEnvOverrides maps the flat operational knobs onto the config tree.
func applyEnvOverrides(cfg *Config) {
	envStr("HOST", &cfg.Server.Host)
	envInt("PORT", &cfg.Server.Port)
	envDurationMS("UPSTREAM_TIMEOUT_MS", &cfg.Server.UpstreamTimeout)
	envBool("SIMULATE_ENABLED", &cfg.Server.SimulateEnabled)
	envBool("REFUND_ON_UPSTREAM_FAILURE", &cfg.Server.RefundOnUpstreamFailure)

	envStr("SESSIONS_FILE", &cfg.Sessions.File)
	envDurationMS("SESSION_KEEPALIVE_INTERVAL_MS", &cfg.Sessions.KeepaliveInterval)
	envDurationMS("SESSION_HEALTHCHECK_INTERVAL_MS", &cfg.Sessions.HealthCheckInterval)
	envDurationMS("SESSION_HEALTHCHECK_TIMEOUT_MS", &cfg.Sessions.HealthCheckTimeout)
	envDurationMS("SESSION_MAX_AGE_MS", &cfg.Sessions.MaxAge)
	envDurationMS("TOKEN_REFRESH_INTERVAL_MS", &cfg.Sessions.TokenRefreshInterval)
	envInt64("SESSION_DAILY_TOKEN_LIMIT", &cfg.Sessions.DailyTokenLimit)

	envStr("USERS_FILE", &cfg.Users.File)
	envInt("MAX_RPM_PER_TOKEN", &cfg.Users.MaxRPMPerToken)
	envFloat("TRIAL_INITIAL_CREDITS", &cfg.Users.TrialInitialCredits)
	envFloat("TRIAL_LOW_CREDITS_THRESHOLD", &cfg.Users.TrialLowThreshold)

	envStr("ACCOUNT_POOL_FILE", &cfg.Accounts.File)
	envInt64("DEFAULT_ACCOUNT_DAILY_LIMIT", &cfg.Accounts.DefaultDailyLimit)
	envDurationMS("ACCOUNT_HEALTHCHECK_TIMEOUT_MS", &cfg.Accounts.HealthCheckTimeout)
	envDurationMS("ACCOUNT_HEALTHCHECK_INTERVAL_MS", &cfg.Accounts.MonitorInterval)

	envDurationMS("SESSION_AFFINITY_TTL_MS", &cfg.Affinity.TTL)
	envInt("MAX_USERS_PER_SESSION", &cfg.Affinity.MaxUsersPerSession)

	envInt("EVENT_RETENTION", &cfg.Telemetry.EventRetention)

	envStr("FIREBASE_API_KEY", &cfg.Platform.IdentityAPIKey)
	envStr("IDENTITY_TOKEN_URL", &cfg.Platform.IdentityURL)
	envStr("PLATFORM_BASE_URL", &cfg.Platform.BaseURL)
	envStr("PLATFORM_HOST", &cfg.Platform.CanonicalHost)

	envStr("GATEWAY_URL", &cfg.Intercept.GatewayURL)
	envStr("INTERCEPT_LISTEN", &cfg.Intercept.Listen)
	envStr("BYPASS_DNS", &cfg.Intercept.BypassDNS)
}

func envStr(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDurationMS(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	if cfg.Users.MaxRPMPerToken <= 0 {
		return fmt.Errorf("max_rpm_per_token must be positive")
	}
	if cfg.Affinity.MaxUsersPerSession <= 0 {
		return fmt.Errorf("max_users_per_session must be positive")
	}
	if cfg.Server.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream_timeout must be positive")
	}
	if cfg.Telemetry.EventRetention <= 0 {
		return fmt.Errorf("event_retention must be positive")
	}
	return nil
}
