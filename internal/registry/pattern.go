package registry

import (
	"fmt"
	"strings"
)

// segKind orders segment kinds by specificity: literal > variable > wildcard.
type segKind int

const (
	segWildcard segKind = iota
	segVariable
	segLiteral
)

type segment struct {
	kind    segKind
	literal string // literal text or variable name
}

// Pattern is a compiled path pattern. Segments are literal (`users`),
// variable (`{id}`), or the terminal recursive wildcard (`**`).
type Pattern struct {
	raw      string
	segments []segment
	wildcard bool // trailing /** present
}

// CompilePattern parses and validates a path pattern.
func CompilePattern(raw string) (*Pattern, error) {
	trimmed := strings.Trim(raw, "/")
	p := &Pattern{raw: raw}

	if trimmed == "" {
		return p, nil
	}

	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		switch {
		case part == "**":
			if i != len(parts)-1 {
				return nil, fmt.Errorf("pattern %q: ** must be the final segment", raw)
			}
			p.wildcard = true
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name := part[1 : len(part)-1]
			if name == "" {
				return nil, fmt.Errorf("pattern %q: empty variable name", raw)
			}
			p.segments = append(p.segments, segment{kind: segVariable, literal: name})
		case strings.Contains(part, "{") || strings.Contains(part, "}") || strings.Contains(part, "*"):
			return nil, fmt.Errorf("pattern %q: malformed segment %q", raw, part)
		case part == "":
			return nil, fmt.Errorf("pattern %q: empty segment", raw)
		default:
			p.segments = append(p.segments, segment{kind: segLiteral, literal: part})
		}
	}

	return p, nil
}

// String returns the original pattern text.
func (p *Pattern) String() string {
	return p.raw
}

// Match matches the pattern against a request path and extracts path
// variables. The wildcard's remainder, when present, is stored under "**".
func (p *Pattern) Match(path string) (map[string]string, bool) {
	parts := splitPath(path)

	if len(parts) < len(p.segments) {
		return nil, false
	}
	if !p.wildcard && len(parts) != len(p.segments) {
		return nil, false
	}

	var vars map[string]string
	for i, seg := range p.segments {
		switch seg.kind {
		case segLiteral:
			if parts[i] != seg.literal {
				return nil, false
			}
		case segVariable:
			if parts[i] == "" {
				return nil, false
			}
			if vars == nil {
				vars = make(map[string]string, 2)
			}
			vars[seg.literal] = parts[i]
		}
	}

	if p.wildcard {
		if vars == nil {
			vars = make(map[string]string, 1)
		}
		vars["**"] = strings.Join(parts[len(p.segments):], "/")
	}

	return vars, true
}

// literalPrefixLen counts leading literal segments, used as a tie-breaker.
func (p *Pattern) literalPrefixLen() int {
	n := 0
	for _, seg := range p.segments {
		if seg.kind != segLiteral {
			break
		}
		n++
	}
	return n
}

// MoreSpecificThan orders patterns most-specific-first: segment kinds are
// compared positionally (literal > variable > **); ties break on the longer
// literal prefix, then on the greater segment count.
func (p *Pattern) MoreSpecificThan(other *Pattern) bool {
	n := len(p.segments)
	if len(other.segments) < n {
		n = len(other.segments)
	}
	for i := 0; i < n; i++ {
		if p.segments[i].kind != other.segments[i].kind {
			return p.segments[i].kind > other.segments[i].kind
		}
	}

	// A pattern that continues with concrete segments beats one that falls
	// into its wildcard here.
	if len(p.segments) != len(other.segments) {
		return len(p.segments) > len(other.segments)
	}
	if p.wildcard != other.wildcard {
		return !p.wildcard
	}

	return p.literalPrefixLen() > other.literalPrefixLen()
}

// splitPath splits a URL path into non-empty segments.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
