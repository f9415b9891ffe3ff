package proxy

import (
	"net/http"
	"strings"

	"github.com/mwistrand/aussie/config"
	"github.com/mwistrand/aussie/internal/access"
)

// setForwardingHeaders attests the original client to the backend in one of
// two modes. RFC 7239 appends a structured element to the Forwarded chain;
// legacy mode appends to the X-Forwarded-* trio.
func setForwardingHeaders(h http.Header, r *http.Request, src access.Source, cfg config.ForwardingConfig) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	if cfg.UseRFC7239 {
		element := "for=" + forwardedNode(src.IP) +
			";proto=" + scheme +
			";host=" + quoteIfNeeded(r.Host) +
			";by=" + quoteIfNeeded(cfg.GatewayID)
		if prior := h.Get("Forwarded"); prior != "" {
			h.Set("Forwarded", prior+", "+element)
		} else {
			h.Set("Forwarded", element)
		}
		return
	}

	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+src.IP)
	} else {
		h.Set("X-Forwarded-For", src.IP)
	}
	h.Set("X-Forwarded-Proto", scheme)
	h.Set("X-Forwarded-Host", r.Host)
}

// forwardedNode renders an IP as an RFC 7239 node identifier: IPv6 goes in
// quoted brackets, everything else as-is.
func forwardedNode(ip string) string {
	if strings.Contains(ip, ":") {
		return `"[` + ip + `]"`
	}
	return ip
}

// quoteIfNeeded quotes values containing characters outside the token
// grammar, which covers hosts carrying a port.
func quoteIfNeeded(v string) string {
	if strings.ContainsAny(v, ":, ") {
		return `"` + v + `"`
	}
	return v
}
