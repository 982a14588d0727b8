package security

import (
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
)

// Properties captures everything security-relevant the HTTP transport
// observed about one request. It is immutable per call. The socket
// transport cannot observe headers itself, so it receives Properties
// through a sealed token the client fetched over HTTP.
type Properties struct {
	// Origin is the value of the Origin header ("" if absent).
	Origin string `json:"origin,omitempty"`
	// Destination is the origin the request was addressed to.
	Destination string `json:"destination,omitempty"`
	// HTTPMethod is GET/POST/… for HTTP calls; socket calls inherit the
	// method of the request that produced these properties.
	HTTPMethod string `json:"httpMethod,omitempty"`

	// CorsReadToken / CSRFToken are the tokens the client presented.
	CorsReadToken string `json:"corsReadToken,omitempty"`
	CSRFToken     string `json:"csrfToken,omitempty"`

	// DeclaredMode is the protection mode the client says it speaks.
	DeclaredMode CSRFProtectionMode `json:"csrfProtectionMode,omitempty"`

	// CouldBeSimpleRequest is true when a browser could have sent this
	// request without a CORS preflight.
	CouldBeSimpleRequest bool `json:"couldBeSimpleRequest"`
	// BrowserMightHaveSecurityIssues is true for browsers known to
	// mishandle CORS; no transport guarantee can be trusted from them.
	BrowserMightHaveSecurityIssues bool `json:"browserMightHaveSecurityIssues"`
	// ReadWasProven is true once a corsReadToken was successfully
	// validated earlier on the same connection.
	ReadWasProven bool `json:"readWasProven"`
}

// simpleContentTypes are the content types the fetch spec lets a browser
// send without preflight. Best-effort by nature: kept aligned with
// current browser behavior rather than assumed complete.
var simpleContentTypes = []contenttype.MediaType{
	contenttype.NewMediaType("application/x-www-form-urlencoded"),
	contenttype.NewMediaType("multipart/form-data"),
	contenttype.NewMediaType("text/plain"),
}

// CouldBeSimpleRequest reports whether a browser could have issued this
// request without a preflight: simple method, and for bodied requests a
// simple content type.
func CouldBeSimpleRequest(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return true
	case http.MethodPost:
	default:
		return false
	}
	if r.Header.Get("Content-Type") == "" {
		return true
	}
	mt, err := contenttype.GetMediaType(r)
	if err != nil {
		return false
	}
	for _, s := range simpleContentTypes {
		if mt.Type == s.Type && mt.Subtype == s.Subtype {
			return true
		}
	}
	return false
}

// PropertiesFromRequest derives Properties from a live HTTP request.
// Token and mode headers are how the browser client annotates its calls.
func PropertiesFromRequest(r *http.Request) Properties {
	destScheme := "http"
	if r.TLS != nil {
		destScheme = "https"
	}
	return Properties{
		Origin:                         r.Header.Get("Origin"),
		Destination:                    destScheme + "://" + r.Host,
		HTTPMethod:                     r.Method,
		CorsReadToken:                  r.Header.Get("corsReadToken"),
		CSRFToken:                      r.Header.Get("csrfToken"),
		DeclaredMode:                   CSRFProtectionMode(r.Header.Get("csrfProtectionMode")),
		CouldBeSimpleRequest:           CouldBeSimpleRequest(r),
		BrowserMightHaveSecurityIssues: browserMightHaveSecurityIssues(r.UserAgent()),
	}
}

// browserMightHaveSecurityIssues flags user agents with known CORS
// weaknesses. Currently: old IE (no real CORS) and ancient Safari.
func browserMightHaveSecurityIssues(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	if strings.Contains(ua, "msie") || strings.Contains(ua, "trident/") {
		return true
	}
	return false
}
