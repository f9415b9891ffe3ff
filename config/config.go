package config

import (
	"time"
)

// Mode selects runtime behavior guards.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// Algorithm selects the rate limiting strategy, chosen once at platform
// config time (not per service).
type Algorithm string

const (
	AlgorithmBucket        Algorithm = "bucket"
	AlgorithmFixedWindow   Algorithm = "fixed_window"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
)

// StoreKind selects the backing store for a stateful component. Sessions,
// rate-limit state, failed-attempt tracking, and the service repository are
// independently pluggable.
type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreRedis  StoreKind = "redis"
)

// Config represents the complete gateway configuration.
type Config struct {
	Mode          Mode                `yaml:"mode"`
	Server        ServerConfig        `yaml:"server"`
	Admin         AdminConfig         `yaml:"admin"`
	Logging       LoggingConfig       `yaml:"logging"`
	Limits        LimitsConfig        `yaml:"limits"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	AuthRateLimit AuthRateLimitConfig `yaml:"auth_rate_limit"`
	Forwarding    ForwardingConfig    `yaml:"forwarding"`
	Auth          AuthConfig          `yaml:"auth"`
	Session       SessionConfig       `yaml:"session"`
	Access        AccessConfig        `yaml:"access"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	Resiliency    ResiliencyConfig    `yaml:"resiliency"`
	Redis         RedisConfig         `yaml:"redis"`
	Registry      RegistryConfig      `yaml:"registry"`
}

// ServerConfig holds the main HTTP listener settings.
type ServerConfig struct {
	Address           string        `yaml:"address"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// AdminConfig holds the admin mux settings (metrics, health, registry CRUD).
type AdminConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Address       string   `yaml:"address"`
	RequiredRoles []string `yaml:"required_roles"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LimitsConfig holds request size limits enforced before dispatch.
type LimitsConfig struct {
	MaxBodySize         int64 `yaml:"max_body_size"`
	MaxHeaderSize       int   `yaml:"max_header_size"`
	MaxTotalHeadersSize int   `yaml:"max_total_headers_size"`
}

// RateLimitConfig holds the platform-level generic rate limit policy.
// Per-service and per-endpoint limits override the defaults; the Min/Max
// fields clamp the effective result.
type RateLimitConfig struct {
	Enabled                  bool          `yaml:"enabled"`
	Algorithm                Algorithm     `yaml:"algorithm"`
	Store                    StoreKind     `yaml:"store"`
	DefaultRequestsPerWindow int64         `yaml:"default_requests_per_window"`
	DefaultWindow            time.Duration `yaml:"default_window"`
	DefaultBurstCapacity     int64         `yaml:"default_burst_capacity"`
	MinRequestsPerWindow     int64         `yaml:"min_requests_per_window"`
	MaxRequestsPerWindow     int64         `yaml:"max_requests_per_window"`
	IncludeHeaders           bool          `yaml:"include_headers"`
}

// AuthRateLimitConfig holds the brute-force lockout policy. Unlike the
// generic limiter this one fails closed on store errors.
type AuthRateLimitConfig struct {
	Enabled               bool          `yaml:"enabled"`
	Store                 StoreKind     `yaml:"store"`
	MaxFailedAttempts     int           `yaml:"max_failed_attempts"`
	LockoutDuration       time.Duration `yaml:"lockout_duration"`
	FailedAttemptWindow   time.Duration `yaml:"failed_attempt_window"`
	TrackByIP             bool          `yaml:"track_by_ip"`
	TrackByIdentifier     bool          `yaml:"track_by_identifier"`
	ProgressiveMultiplier float64       `yaml:"progressive_multiplier"`
	MaxLockoutDuration    time.Duration `yaml:"max_lockout_duration"`
	IncludeHeaders        bool          `yaml:"include_headers"`
}

// ForwardingConfig selects how the gateway attests the original client to
// backends.
type ForwardingConfig struct {
	UseRFC7239 bool   `yaml:"use_rfc7239"`
	GatewayID  string `yaml:"gateway_id"`
}

// AuthConfig holds authentication mechanism settings.
type AuthConfig struct {
	APIKeyPrefix string `yaml:"api_key_prefix"`
	// KeyStore selects where provisioned API keys live.
	KeyStore StoreKind `yaml:"key_store"`
	// DangerousNoop makes every request authenticate as an admin principal.
	// Refused in production mode; warn-logged on every startup when enabled.
	DangerousNoop bool      `yaml:"dangerous_noop"`
	JWT           JWTConfig `yaml:"jwt"`
}

// JWTConfig holds OIDC JWT validation settings.
type JWTConfig struct {
	Issuers []IssuerConfig `yaml:"issuers"`
}

// IssuerConfig describes one trusted token issuer.
type IssuerConfig struct {
	Issuer   string   `yaml:"issuer"`
	JWKSURL  string   `yaml:"jwks_url"`
	Audience []string `yaml:"audience"`
}

// SessionConfig holds session store and cookie settings.
type SessionConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Store             StoreKind     `yaml:"store"`
	Cookie            CookieConfig  `yaml:"cookie"`
	TTL               time.Duration `yaml:"ttl"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	SlidingExpiration bool          `yaml:"sliding_expiration"`
	MaxCreateRetries  int           `yaml:"max_create_retries"`
	JWS               JWSConfig     `yaml:"jws"`
}

// CookieConfig describes the gateway session cookie.
type CookieConfig struct {
	Name     string `yaml:"name"`
	Path     string `yaml:"path"`
	Domain   string `yaml:"domain"`
	Secure   bool   `yaml:"secure"`
	HTTPOnly bool   `yaml:"http_only"`
	SameSite string `yaml:"same_site"`
}

// JWSConfig holds downstream token minting settings.
type JWSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Issuer        string        `yaml:"issuer"`
	KeyID         string        `yaml:"key_id"`
	SigningKeyPEM string        `yaml:"signing_key_pem"`
	TTL           time.Duration `yaml:"ttl"`
	MaxTTL        time.Duration `yaml:"max_ttl"`
	Audience      string        `yaml:"audience"`
	IncludeClaims []string      `yaml:"include_claims"`
	Header        string        `yaml:"header"`
}

// AccessConfig holds the platform default access policy for PRIVATE
// endpoints whose service carries no access config of its own.
type AccessConfig struct {
	AllowedIPs        []string `yaml:"allowed_ips"`
	AllowedDomains    []string `yaml:"allowed_domains"`
	AllowedSubdomains []string `yaml:"allowed_subdomains"`
}

// WebSocketConfig holds bridge lifecycle settings.
type WebSocketConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	MaxConnections int           `yaml:"max_connections"`
	Ping           PingConfig    `yaml:"ping"`
}

// PingConfig holds client keepalive probing settings.
type PingConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ResiliencyConfig holds per-collaborator timeouts.
type ResiliencyConfig struct {
	HTTP  HTTPResiliency  `yaml:"http"`
	JWKS  JWKSResiliency  `yaml:"jwks"`
	Redis RedisResiliency `yaml:"redis"`
}

// HTTPResiliency bounds upstream dispatch.
type HTTPResiliency struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// JWKSResiliency bounds key set fetching and caching.
type JWKSResiliency struct {
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	MaxCacheEntries int           `yaml:"max_cache_entries"`
}

// RedisResiliency bounds every Redis round-trip.
type RedisResiliency struct {
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

// RedisConfig holds the shared Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RegistryConfig selects the service repository backing.
type RegistryConfig struct {
	Store StoreKind `yaml:"store"`
}

// DefaultConfig returns a config populated with every documented default.
func DefaultConfig() *Config {
	return &Config{
		Mode: ModeDevelopment,
		Server: ServerConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      0, // streaming responses manage their own deadlines
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Admin: AdminConfig{
			Enabled:       true,
			Address:       ":9090",
			RequiredRoles: []string{"aussie-admin"},
		},
		Logging: LoggingConfig{Level: "info"},
		Limits: LimitsConfig{
			MaxBodySize:         10 << 20, // 10 MiB
			MaxHeaderSize:       8 << 10,  // 8 KiB
			MaxTotalHeadersSize: 32 << 10, // 32 KiB
		},
		RateLimit: RateLimitConfig{
			Enabled:                  true,
			Algorithm:                AlgorithmBucket,
			Store:                    StoreMemory,
			DefaultRequestsPerWindow: 100,
			DefaultWindow:            time.Minute,
			DefaultBurstCapacity:     100,
			IncludeHeaders:           true,
		},
		AuthRateLimit: AuthRateLimitConfig{
			Enabled:               true,
			Store:                 StoreMemory,
			MaxFailedAttempts:     5,
			LockoutDuration:       15 * time.Minute,
			FailedAttemptWindow:   time.Hour,
			TrackByIP:             true,
			TrackByIdentifier:     true,
			ProgressiveMultiplier: 1.5,
			MaxLockoutDuration:    24 * time.Hour,
			IncludeHeaders:        false,
		},
		Forwarding: ForwardingConfig{
			UseRFC7239: true,
			GatewayID:  "aussie",
		},
		Auth: AuthConfig{
			APIKeyPrefix: "aussie_",
			KeyStore:     StoreMemory,
		},
		Session: SessionConfig{
			Enabled: false,
			Store:   StoreMemory,
			Cookie: CookieConfig{
				Name:     "aussie_session",
				Path:     "/",
				Secure:   true,
				HTTPOnly: true,
				SameSite: "lax",
			},
			TTL:               24 * time.Hour,
			IdleTimeout:       time.Hour,
			SlidingExpiration: true,
			MaxCreateRetries:  3,
			JWS: JWSConfig{
				Enabled: false,
				Issuer:  "aussie",
				KeyID:   "aussie-signing-key",
				TTL:     5 * time.Minute,
				MaxTTL:  15 * time.Minute,
				Header:  "X-Aussie-Token",
			},
		},
		WebSocket: WebSocketConfig{
			IdleTimeout:    5 * time.Minute,
			MaxLifetime:    24 * time.Hour,
			MaxConnections: 0, // unlimited
			Ping: PingConfig{
				Enabled:  true,
				Interval: 30 * time.Second,
				Timeout:  10 * time.Second,
			},
		},
		Resiliency: ResiliencyConfig{
			HTTP: HTTPResiliency{
				RequestTimeout: 30 * time.Second,
				ConnectTimeout: 5 * time.Second,
			},
			JWKS: JWKSResiliency{
				FetchTimeout:    5 * time.Second,
				CacheTTL:        time.Hour,
				MaxCacheEntries: 100,
			},
			Redis: RedisResiliency{
				OperationTimeout: time.Second,
			},
		},
		Registry: RegistryConfig{Store: StoreMemory},
	}
}
