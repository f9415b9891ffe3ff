package registry

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Visibility controls who may reach an endpoint.
type Visibility string

const (
	VisibilityPublic  Visibility = "PUBLIC"
	VisibilityPrivate Visibility = "PRIVATE"
)

// EndpointType distinguishes plain HTTP endpoints from WebSocket upgrades.
type EndpointType string

const (
	EndpointHTTP      EndpointType = "HTTP"
	EndpointWebSocket EndpointType = "WEBSOCKET"
)

// ReservedServiceIDs are first path segments owned by the gateway itself.
// They can never be registered as service ids.
var ReservedServiceIDs = map[string]bool{
	"admin":   true,
	"gateway": true,
	"auth":    true,
	"q":       true,
}

// RateLimitOverride carries a service- or endpoint-level rate limit. Zero
// fields inherit from the next level up (endpoint > service > platform).
type RateLimitOverride struct {
	RequestsPerWindow int64         `json:"requests_per_window"`
	Window            time.Duration `json:"window"`
	BurstCapacity     int64         `json:"burst_capacity"`
}

// AccessPolicy restricts which sources may reach PRIVATE endpoints.
type AccessPolicy struct {
	AllowedIPs        []string `json:"allowed_ips,omitempty"`
	AllowedDomains    []string `json:"allowed_domains,omitempty"`
	AllowedSubdomains []string `json:"allowed_subdomains,omitempty"`
}

// PermissionPolicy maps operation names to the permissions that satisfy them.
type PermissionPolicy struct {
	Operations map[string]OperationPermission `json:"operations"`
}

// OperationPermission lists permissions of which any one grants the operation.
type OperationPermission struct {
	AnyOf []string `json:"any_of"`
}

// VisibilityRule overrides visibility for paths matching a pattern.
// Longest pattern wins; among equal lengths the later rule wins.
type VisibilityRule struct {
	PathPattern string     `json:"path_pattern"`
	Visibility  Visibility `json:"visibility"`

	pattern *Pattern
}

// CORSPolicy carries per-service CORS settings stored with the registration
// and exposed through the admin listing for edge layers to apply.
type CORSPolicy struct {
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	AllowedMethods []string `json:"allowed_methods,omitempty"`
	AllowedHeaders []string `json:"allowed_headers,omitempty"`
	MaxAgeSeconds  int      `json:"max_age_seconds,omitempty"`
}

// EndpointConfig describes one route pattern within a service.
type EndpointConfig struct {
	Path         string             `json:"path"`
	Methods      []string           `json:"methods"`
	Visibility   Visibility         `json:"visibility,omitempty"`
	PathRewrite  string             `json:"path_rewrite,omitempty"`
	AuthRequired *bool              `json:"auth_required,omitempty"`
	Type         EndpointType       `json:"type,omitempty"`
	Operation    string             `json:"operation,omitempty"`
	RateLimit    *RateLimitOverride `json:"rate_limit,omitempty"`
	Audience     string             `json:"audience,omitempty"`

	pattern   *Pattern
	methodSet map[string]bool
}

// ServiceRegistration is the unit of backend registration. Once handed to
// the registry, callers must treat it as immutable.
type ServiceRegistration struct {
	ServiceID           string             `json:"service_id"`
	DisplayName         string             `json:"display_name"`
	BaseURL             string             `json:"base_url"`
	RoutePrefix         string             `json:"route_prefix,omitempty"`
	DefaultVisibility   Visibility         `json:"default_visibility"`
	DefaultAuthRequired bool               `json:"default_auth_required"`
	VisibilityRules     []VisibilityRule   `json:"visibility_rules,omitempty"`
	Endpoints           []EndpointConfig   `json:"endpoints,omitempty"`
	Access              *AccessPolicy      `json:"access,omitempty"`
	CORS                *CORSPolicy        `json:"cors,omitempty"`
	PermissionPolicy    *PermissionPolicy  `json:"permission_policy,omitempty"`
	RateLimit           *RateLimitOverride `json:"rate_limit,omitempty"`
	Version             int64              `json:"version"`
}

// EffectiveVisibility resolves visibility for a residual path within the
// service: longest matching visibility rule, then the endpoint's own
// visibility, then the service default.
func (s *ServiceRegistration) EffectiveVisibility(residualPath string, ep *EndpointConfig) Visibility {
	var best *VisibilityRule
	bestLen := -1
	for i := range s.VisibilityRules {
		rule := &s.VisibilityRules[i]
		if rule.pattern == nil {
			continue
		}
		if _, ok := rule.pattern.Match(residualPath); ok {
			// Equal lengths: later rule wins, so >= keeps the last match.
			if l := len(rule.PathPattern); l >= bestLen {
				best = rule
				bestLen = l
			}
		}
	}
	if best != nil {
		return best.Visibility
	}
	if ep != nil && ep.Visibility != "" {
		return ep.Visibility
	}
	if s.DefaultVisibility != "" {
		return s.DefaultVisibility
	}
	return VisibilityPrivate
}

// EffectiveAuthRequired resolves whether authentication is mandatory for the
// endpoint, falling back to the service default on pass-through.
func (s *ServiceRegistration) EffectiveAuthRequired(ep *EndpointConfig) bool {
	if ep != nil && ep.AuthRequired != nil {
		return *ep.AuthRequired
	}
	return s.DefaultAuthRequired
}

// MatchesMethod reports whether the endpoint accepts the HTTP method.
func (e *EndpointConfig) MatchesMethod(method string) bool {
	if e.methodSet["*"] {
		return true
	}
	return e.methodSet[strings.ToUpper(method)]
}

// validServiceID enforces the service id charset: alphanumeric plus -_ .
func validServiceID(id string) bool {
	if id == "" {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

// compile validates the registration and precompiles every pattern and
// method set. It mutates only unexported fields.
func (s *ServiceRegistration) compile() error {
	if !validServiceID(s.ServiceID) {
		return fmt.Errorf("invalid service id %q", s.ServiceID)
	}
	if ReservedServiceIDs[s.ServiceID] {
		return fmt.Errorf("service id %q is reserved", s.ServiceID)
	}

	u, err := url.Parse(s.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("base url %q is not an absolute URI", s.BaseURL)
	}

	if s.Version < 1 {
		s.Version = 1
	}

	for i := range s.Endpoints {
		ep := &s.Endpoints[i]
		if err := ep.compile(); err != nil {
			return fmt.Errorf("endpoint %q: %w", ep.Path, err)
		}
	}

	for i := range s.VisibilityRules {
		rule := &s.VisibilityRules[i]
		p, err := CompilePattern(rule.PathPattern)
		if err != nil {
			return fmt.Errorf("visibility rule %q: %w", rule.PathPattern, err)
		}
		rule.pattern = p
	}

	return nil
}

func (e *EndpointConfig) compile() error {
	p, err := CompilePattern(e.Path)
	if err != nil {
		return err
	}
	e.pattern = p

	if e.Type == "" {
		e.Type = EndpointHTTP
	}

	methods := e.Methods
	if len(methods) == 0 {
		if e.Type != EndpointWebSocket {
			return fmt.Errorf("HTTP endpoints require at least one method")
		}
		methods = []string{"GET"} // WebSocket upgrades arrive as GET
	}

	e.methodSet = make(map[string]bool, len(methods))
	for _, m := range methods {
		e.methodSet[strings.ToUpper(m)] = true
	}

	return nil
}

// Pattern returns the compiled path pattern. It is nil until the
// registration has been accepted by the registry.
func (e *EndpointConfig) Pattern() *Pattern {
	return e.pattern
}
