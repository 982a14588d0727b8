// Package security decides, per call, whether a request is admissible
// under the enforced cross-site-request-forgery protection. The engine is
// a pure function over the call's observed security properties, the
// target method's policy, and the session's token material; it holds no
// state of its own.
package security

import (
	"net/url"
	"strings"
)

// CSRFProtectionMode names one of the supported protection strategies.
type CSRFProtectionMode string

const (
	// ModeUnset means no mode was declared/enforced.
	ModeUnset CSRFProtectionMode = ""
	// ModePreflight trusts the browser's CORS preflight to abort
	// disallowed cross-origin calls.
	ModePreflight CSRFProtectionMode = "preflight"
	// ModeCorsReadToken requires proof that the client could read a
	// server response (a token only readable same-origin or via CORS).
	ModeCorsReadToken CSRFProtectionMode = "corsReadToken"
	// ModeCsrfToken requires a classic per-session token on every call.
	ModeCsrfToken CSRFProtectionMode = "csrfToken"
)

// Valid reports whether m is a known mode.
func (m CSRFProtectionMode) Valid() bool {
	switch m {
	case ModeUnset, ModePreflight, ModeCorsReadToken, ModeCsrfToken:
		return true
	}
	return false
}

// OriginPolicy describes which origins may call. The zero value allows
// same-origin only.
type OriginPolicy struct {
	// AllowAll admits every origin.
	AllowAll bool
	// Allowed lists additional admitted origins ("https://example.com").
	Allowed []string
	// AllowFunc, when set, is consulted after the list.
	AllowFunc func(origin, destination string) bool
}

// ID returns a stable string describing the policy for fingerprinting.
// Predicate policies are considered distinct per service, which the
// caller encodes by mixing in the service name.
func (p OriginPolicy) ID() string {
	if p.AllowAll {
		return "all"
	}
	var b strings.Builder
	b.WriteString("list:")
	for _, o := range p.Allowed {
		b.WriteString(o)
		b.WriteByte(',')
	}
	if p.AllowFunc != nil {
		b.WriteString("+func")
	}
	return b.String()
}

// Allows reports whether origin may call destination under this policy.
// An absent origin header cannot prove a cross-origin context, so it
// passes the same-origin rule.
func (p OriginPolicy) Allows(origin, destination string) bool {
	if p.AllowAll {
		return true
	}
	if origin == "" || sameOrigin(origin, destination) {
		return true
	}
	no := normalizeOrigin(origin)
	for _, a := range p.Allowed {
		if normalizeOrigin(a) == no {
			return true
		}
	}
	if p.AllowFunc != nil {
		return p.AllowFunc(origin, destination)
	}
	return false
}

func sameOrigin(origin, destination string) bool {
	if origin == "" || destination == "" {
		return false
	}
	return normalizeOrigin(origin) == normalizeOrigin(destination)
}

// normalizeOrigin reduces an origin/URL to scheme://host:port with
// default ports made explicit, so "https://a.com" == "https://a.com:443".
func normalizeOrigin(s string) string {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return strings.ToLower(s)
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		switch scheme {
		case "https", "wss":
			port = "443"
		case "http", "ws":
			port = "80"
		}
	}
	// Socket origins compare equal to their HTTP counterparts.
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}
	return scheme + "://" + host + ":" + port
}
