// Package origin checks browser Origin headers on signaling WebSocket upgrades.
package origin

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Null is the opaque origin sent by sandboxed documents and file:// pages.
const Null = "null"

var errEmpty = errors.New("empty origin")

// Normalize returns raw as scheme://host[:port] with the scheme and host
// lowercased and default ports dropped. "null" is returned as-is.
func Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errEmpty
	}
	if trimmed == Null {
		return Null, nil
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("origin %q: scheme must be http or https", raw)
	}
	if u.User != nil {
		return "", fmt.Errorf("origin %q: credentials are not allowed", raw)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" || strings.Contains(trimmed, "#") {
		return "", fmt.Errorf("origin %q: path, query and fragment are not allowed", raw)
	}

	host, err := canonicalHost(u.Host, scheme)
	if err != nil {
		return "", fmt.Errorf("origin %q: %w", raw, err)
	}
	return scheme + "://" + host, nil
}

// canonicalHost lowercases an authority and strips the scheme's default port.
func canonicalHost(authority, scheme string) (string, error) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if authority == "" {
		return "", errors.New("missing host")
	}

	hostname, port := authority, ""
	if h, p, err := net.SplitHostPort(authority); err == nil {
		hostname, port = h, p
		if port == "" {
			return "", errors.New("empty port")
		}
	} else if strings.Count(authority, ":") > 0 && !strings.HasPrefix(authority, "[") {
		return "", err
	}
	hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if hostname == "" {
		return "", errors.New("missing host")
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		return net.JoinHostPort(hostname, port), nil
	}
	if strings.Contains(hostname, ":") {
		return "[" + hostname + "]", nil
	}
	return hostname, nil
}

// Policy decides which origins may open a signaling socket.
//
// With an empty allow-list only same-host requests pass. Entries are "*",
// "null" or values produced by Normalize.
type Policy struct {
	allowed []string
}

func NewPolicy(allowed []string) Policy {
	return Policy{allowed: append([]string(nil), allowed...)}
}

// Allow reports whether a request carrying originHeader and addressed to
// requestHost is acceptable.
func (p Policy) Allow(originHeader, requestHost string) bool {
	normalized, err := Normalize(originHeader)
	if err != nil {
		return false
	}

	if len(p.allowed) > 0 {
		for _, a := range p.allowed {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}

	// Scheme is ignored for the same-host check: a TLS-terminating proxy makes
	// the request look like plain HTTP while the browser reports https.
	scheme, originHost, ok := strings.Cut(normalized, "://")
	if !ok {
		return false
	}
	reqHost, err := canonicalHost(requestHost, scheme)
	if err != nil {
		return false
	}
	return originHost == reqHost
}

// CheckOrigin adapts p to websocket.Upgrader.CheckOrigin. Requests without an
// Origin header come from non-browser clients and are allowed.
func (p Policy) CheckOrigin(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return true
	}
	return p.Allow(originHeader, r.Host)
}
