// Package access decides whether a request source may reach an endpoint at
// all: source identification, visibility resolution, and the IP/domain
// allow-lists guarding PRIVATE endpoints.
package access

import (
	"net"
	"net/http"
	"strings"
)

// Source identifies where a request came from, as attested by the closest
// trustworthy forwarding hop.
type Source struct {
	IP   string
	Host string
}

// ExtractSource resolves the client address with the documented priority:
// RFC 7239 Forwarded (first for= entry), then X-Forwarded-For (first
// element), then the socket peer, then the literal "unknown". The same
// value keys rate limiting, so it must be stable per client.
func ExtractSource(r *http.Request) Source {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	if ip := fromForwarded(r.Header.Values("Forwarded")); ip != "" {
		return Source{IP: ip, Host: host}
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return Source{IP: normalizeIP(first), Host: host}
		}
	}
	if r.RemoteAddr != "" {
		if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return Source{IP: ip, Host: host}
		}
		return Source{IP: r.RemoteAddr, Host: host}
	}
	return Source{IP: "unknown", Host: host}
}

// fromForwarded parses RFC 7239 header values and returns the for= node of
// the first element, which is the hop closest to the client.
func fromForwarded(values []string) string {
	for _, value := range values {
		// The first comma-separated element is the first hop.
		element := value
		if i := strings.Index(value, ","); i >= 0 {
			element = value[:i]
		}
		for _, param := range strings.Split(element, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(k), "for") {
				continue
			}
			if ip := parseForwardedNode(strings.TrimSpace(v)); ip != "" {
				return ip
			}
		}
	}
	return ""
}

// parseForwardedNode unwraps the node identifier grammar: optional quotes,
// IPv6 in brackets (with optional port), IPv4 with optional port.
func parseForwardedNode(node string) string {
	node = strings.Trim(node, `"`)
	if node == "" {
		return ""
	}

	if strings.HasPrefix(node, "[") {
		end := strings.Index(node, "]")
		if end < 0 {
			return ""
		}
		return node[1:end]
	}

	return normalizeIP(node)
}

// normalizeIP strips a port from an IPv4 address. A lone colon means
// host:port; multiple colons mean a bare IPv6 address, left untouched.
func normalizeIP(s string) string {
	if strings.Count(s, ":") == 1 {
		if host, _, err := net.SplitHostPort(s); err == nil {
			return host
		}
	}
	return s
}
