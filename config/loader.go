package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

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

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes on top of the defaults.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left as-is so validation can flag them.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate rejects contradictory or dangerous settings.
func Validate(cfg *Config) error {
	switch cfg.Mode {
	case ModeDevelopment, ModeProduction:
	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}

	if cfg.Auth.DangerousNoop && cfg.Mode == ModeProduction {
		return fmt.Errorf("auth.dangerous_noop must not be enabled in production mode")
	}

	switch cfg.RateLimit.Algorithm {
	case AlgorithmBucket, AlgorithmFixedWindow, AlgorithmSlidingWindow:
	default:
		return fmt.Errorf("unknown rate limit algorithm %q", cfg.RateLimit.Algorithm)
	}

	if cfg.RateLimit.DefaultRequestsPerWindow <= 0 {
		return fmt.Errorf("rate_limit.default_requests_per_window must be positive")
	}
	if cfg.RateLimit.DefaultWindow <= 0 {
		return fmt.Errorf("rate_limit.default_window must be positive")
	}
	if cfg.RateLimit.MinRequestsPerWindow < 0 {
		return fmt.Errorf("rate_limit.min_requests_per_window must not be negative")
	}
	if cfg.RateLimit.MaxRequestsPerWindow > 0 &&
		cfg.RateLimit.MaxRequestsPerWindow < cfg.RateLimit.MinRequestsPerWindow {
		return fmt.Errorf("rate_limit.max_requests_per_window is below the minimum")
	}

	if cfg.AuthRateLimit.Enabled {
		if cfg.AuthRateLimit.MaxFailedAttempts <= 0 {
			return fmt.Errorf("auth_rate_limit.max_failed_attempts must be positive")
		}
		if cfg.AuthRateLimit.ProgressiveMultiplier < 1 {
			return fmt.Errorf("auth_rate_limit.progressive_multiplier must be >= 1")
		}
	}

	if needsRedis(cfg) && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when any store is %q", StoreRedis)
	}

	if cfg.Session.Enabled {
		if cfg.Session.Cookie.Name == "" {
			return fmt.Errorf("session.cookie.name must not be empty")
		}
		switch strings.ToLower(cfg.Session.Cookie.SameSite) {
		case "", "lax", "strict", "none":
		default:
			return fmt.Errorf("session.cookie.same_site must be lax, strict, or none")
		}
		if cfg.Session.JWS.Enabled && cfg.Session.JWS.SigningKeyPEM == "" {
			return fmt.Errorf("session.jws.signing_key_pem is required when JWS minting is enabled")
		}
	}

	for _, iss := range cfg.Auth.JWT.Issuers {
		if iss.Issuer == "" || iss.JWKSURL == "" {
			return fmt.Errorf("jwt issuers require both issuer and jwks_url")
		}
	}

	return nil
}

func needsRedis(cfg *Config) bool {
	return cfg.RateLimit.Store == StoreRedis ||
		cfg.AuthRateLimit.Store == StoreRedis ||
		cfg.Auth.KeyStore == StoreRedis ||
		cfg.Session.Store == StoreRedis ||
		cfg.Registry.Store == StoreRedis
}
