package access

import (
	"net"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/mwistrand/aussie/config"
	"github.com/mwistrand/aussie/internal/registry"
)

// Evaluator gates request sources against endpoint visibility. PRIVATE
// endpoints admit only sources matching the effective allow-lists; a miss
// is reported as not-found upstream so private routes stay invisible.
type Evaluator struct {
	platform compiledPolicy
}

type compiledPolicy struct {
	ips        []net.IP
	cidrs      []*net.IPNet
	domains    map[string]bool
	subdomains []string
	empty      bool
}

// NewEvaluator compiles the platform default access policy once at startup.
func NewEvaluator(cfg config.AccessConfig) *Evaluator {
	return &Evaluator{
		platform: compilePolicy(cfg.AllowedIPs, cfg.AllowedDomains, cfg.AllowedSubdomains),
	}
}

// Allowed reports whether the source may reach the resolved route. PUBLIC
// visibility admits everyone; PRIVATE requires a match against the
// service's access policy, or the platform default when the service has
// none.
func (e *Evaluator) Allowed(src Source, lookup *registry.RouteLookup) bool {
	var ep *registry.EndpointConfig
	if lookup.Kind == registry.MatchEndpoint {
		ep = lookup.Endpoint
	}

	visibility := lookup.Service.EffectiveVisibility(lookup.ResidualPath, ep)
	if visibility == registry.VisibilityPublic {
		return true
	}

	policy := e.platform
	if acl := lookup.Service.Access; acl != nil {
		policy = compilePolicy(acl.AllowedIPs, acl.AllowedDomains, acl.AllowedSubdomains)
	}
	return policy.matches(src)
}

func compilePolicy(ips, domains, subdomains []string) compiledPolicy {
	p := compiledPolicy{domains: make(map[string]bool, len(domains))}

	for _, entry := range ips {
		if strings.Contains(entry, "/") {
			if _, ipNet, err := net.ParseCIDR(entry); err == nil {
				p.cidrs = append(p.cidrs, ipNet)
			}
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			p.ips = append(p.ips, ip)
		}
	}
	for _, d := range domains {
		p.domains[strings.ToLower(d)] = true
	}
	for _, s := range subdomains {
		p.subdomains = append(p.subdomains, strings.ToLower(s))
	}

	p.empty = len(p.ips) == 0 && len(p.cidrs) == 0 && len(p.domains) == 0 && len(p.subdomains) == 0
	return p
}

// matches reports whether the source satisfies any allow-list entry. An
// empty policy admits nothing: PRIVATE with no allow-list is a closed door.
func (p compiledPolicy) matches(src Source) bool {
	if p.empty {
		return false
	}

	if ip := net.ParseIP(src.IP); ip != nil {
		for _, allowed := range p.ips {
			if allowed.Equal(ip) {
				return true
			}
		}
		for _, cidr := range p.cidrs {
			if cidr.Contains(ip) {
				return true
			}
		}
	}

	host := strings.ToLower(src.Host)
	if host != "" {
		if p.domains[host] {
			return true
		}
		for _, glob := range p.subdomains {
			if ok, err := doublestar.Match(glob, host); err == nil && ok {
				return true
			}
		}
	}
	return false
}
