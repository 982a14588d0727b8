package security

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func denied(t *testing.T, err error) *DeniedError {
	t.Helper()
	var de *DeniedError
	if !errors.As(err, &de) {
		t.Fatalf("got %v, want *DeniedError", err)
	}
	return de
}

func TestSameOriginGETOnSafeMethodAllowed(t *testing.T) {
	err := Check(Input{
		MethodIsSafe: true,
		EnforcedMode: ModePreflight,
		Props: Properties{
			Origin:               "https://example.com",
			Destination:          "https://example.com",
			HTTPMethod:           http.MethodGet,
			CouldBeSimpleRequest: true,
		},
	})
	if err != nil {
		t.Fatalf("same-origin safe GET denied: %v", err)
	}
}

func TestAbsentOriginPassesSameOriginRule(t *testing.T) {
	// Non-browser clients and some same-origin requests carry no Origin
	// header; they must not be treated as cross-origin.
	err := Check(Input{
		EnforcedMode: ModePreflight,
		Props: Properties{
			Destination: "https://example.com",
			HTTPMethod:  http.MethodPost,
		},
	})
	if err != nil {
		t.Fatalf("origin-less request denied: %v", err)
	}
}

func TestDefaultPortNormalization(t *testing.T) {
	err := Check(Input{
		EnforcedMode: ModePreflight,
		Props: Properties{
			Origin:      "https://example.com",
			Destination: "https://example.com:443",
			HTTPMethod:  http.MethodPost,
		},
	})
	if err != nil {
		t.Fatalf("default-port origin treated as cross-origin: %v", err)
	}
}

func TestCrossOriginSimplePOSTOnUnsafeMethodDenied(t *testing.T) {
	err := Check(Input{
		MethodIsSafe: false,
		EnforcedMode: ModePreflight,
		Props: Properties{
			Origin:               "https://evil.example",
			Destination:          "https://example.com",
			HTTPMethod:           http.MethodPost,
			CouldBeSimpleRequest: true,
		},
	})
	de := denied(t, err)
	if de.Status != StatusForbidden {
		t.Fatalf("status = %d, want %d", de.Status, StatusForbidden)
	}
	if !strings.Contains(de.Error(), "not flagged safe") {
		t.Fatalf("denial does not explain the safe-method rule: %q", de.Error())
	}
}

func TestCrossOriginSimpleGETOnUnsafeMethodDenied(t *testing.T) {
	err := Check(Input{
		MethodIsSafe: false,
		EnforcedMode: ModePreflight,
		Props: Properties{
			Origin:               "https://evil.example",
			Destination:          "https://example.com",
			HTTPMethod:           http.MethodGet,
			CouldBeSimpleRequest: true,
		},
	})
	denied(t, err)
}

func TestCrossOriginPreflightedAllowedInPreflightMode(t *testing.T) {
	err := Check(Input{
		EnforcedMode: ModePreflight,
		Props: Properties{
			Origin:      "https://other.example",
			Destination: "https://example.com",
			HTTPMethod:  http.MethodPost,
			// Non-simple: the browser must have preflighted and not aborted.
			CouldBeSimpleRequest: false,
		},
	})
	if err != nil {
		t.Fatalf("preflighted cross-origin call denied in preflight mode: %v", err)
	}
}

func TestAllowedOriginListAdmits(t *testing.T) {
	err := Check(Input{
		EnforcedMode: ModePreflight,
		Origins:      OriginPolicy{Allowed: []string{"https://partner.example"}},
		Props: Properties{
			Origin:               "https://partner.example:443",
			Destination:          "https://example.com",
			HTTPMethod:           http.MethodPost,
			CouldBeSimpleRequest: true,
		},
	})
	if err != nil {
		t.Fatalf("allow-listed origin denied: %v", err)
	}
}

func TestCsrfTokenCorrectAllows(t *testing.T) {
	err := Check(Input{
		EnforcedMode:     ModeCsrfToken,
		SessionCSRFToken: "tok123",
		Props: Properties{
			Origin:               "https://evil.example",
			Destination:          "https://example.com",
			HTTPMethod:           http.MethodPost,
			CSRFToken:            "tok123",
			DeclaredMode:         ModeCsrfToken,
			CouldBeSimpleRequest: true,
		},
	})
	if err != nil {
		t.Fatalf("correct csrfToken denied: %v", err)
	}
}

func TestCsrfTokenWrongDenied(t *testing.T) {
	err := Check(Input{
		EnforcedMode:     ModeCsrfToken,
		SessionCSRFToken: "tok123",
		Props: Properties{
			Origin:       "https://example.com",
			Destination:  "https://example.com",
			HTTPMethod:   http.MethodPost,
			CSRFToken:    "wrong",
			DeclaredMode: ModeCsrfToken,
		},
	})
	de := denied(t, err)
	if de.Status != StatusForbidden {
		t.Fatalf("status = %d, want %d", de.Status, StatusForbidden)
	}
	if !strings.Contains(de.Error(), "csrfToken incorrect") {
		t.Fatalf("denial message = %q, want it to name the incorrect token", de.Error())
	}
}

func TestCsrfTokenMissingHintsAtFetching(t *testing.T) {
	err := Check(Input{
		EnforcedMode: ModeCsrfToken,
		Props: Properties{
			Origin:      "https://example.com",
			Destination: "https://example.com",
			HTTPMethod:  http.MethodPost,
		},
	})
	de := denied(t, err)
	if !strings.Contains(de.Error(), "getCsrfToken") {
		t.Fatalf("denial message = %q, want a getCsrfToken hint", de.Error())
	}
}

// Even a same-origin request fails csrfToken mode without the token.
func TestCsrfTokenModeIgnoresOrigin(t *testing.T) {
	err := Check(Input{
		EnforcedMode: ModeCsrfToken,
		Origins:      OriginPolicy{AllowAll: true},
		Props: Properties{
			Origin:      "https://example.com",
			Destination: "https://example.com",
			HTTPMethod:  http.MethodPost,
		},
	})
	denied(t, err)
}

func TestDeclaredModeConflictDenied(t *testing.T) {
	err := Check(Input{
		EnforcedMode: ModeCsrfToken,
		Props: Properties{
			Origin:       "https://example.com",
			Destination:  "https://example.com",
			DeclaredMode: ModePreflight,
		},
	})
	de := denied(t, err)
	msg := de.Error()
	if !strings.Contains(msg, string(ModeCsrfToken)) || !strings.Contains(msg, string(ModePreflight)) {
		t.Fatalf("mode-conflict denial must name both modes, got %q", msg)
	}
}

func TestCorsReadTokenMissingYields480(t *testing.T) {
	err := Check(Input{
		EnforcedMode: ModeCorsReadToken,
		Props: Properties{
			Origin:      "https://other.example",
			Destination: "https://example.com",
			HTTPMethod:  http.MethodPost,
		},
	})
	de := denied(t, err)
	if de.Status != StatusFetchCorsReadToken {
		t.Fatalf("status = %d, want %d (fetch a corsReadToken and retry)", de.Status, StatusFetchCorsReadToken)
	}
	if !strings.Contains(de.Error(), "getCorsReadToken") {
		t.Fatalf("denial message = %q, want a getCorsReadToken hint", de.Error())
	}
}

func TestCorsReadTokenValidAllows(t *testing.T) {
	err := Check(Input{
		EnforcedMode:         ModeCorsReadToken,
		SessionCorsReadToken: "crt",
		Props: Properties{
			Origin:        "https://other.example",
			Destination:   "https://example.com",
			HTTPMethod:    http.MethodPost,
			CorsReadToken: "crt",
		},
	})
	if err != nil {
		t.Fatalf("valid corsReadToken denied: %v", err)
	}
}

func TestCorsReadTokenProvenReadAllows(t *testing.T) {
	err := Check(Input{
		EnforcedMode: ModeCorsReadToken,
		Props: Properties{
			Origin:        "https://other.example",
			Destination:   "https://example.com",
			HTTPMethod:    http.MethodPost,
			ReadWasProven: true,
		},
	})
	if err != nil {
		t.Fatalf("proven read denied: %v", err)
	}
}

func TestUntrustworthyBrowserDeniedCrossOrigin(t *testing.T) {
	err := Check(Input{
		EnforcedMode: ModePreflight,
		Props: Properties{
			Origin:                         "https://other.example",
			Destination:                    "https://example.com",
			HTTPMethod:                     http.MethodPost,
			BrowserMightHaveSecurityIssues: true,
		},
	})
	denied(t, err)
}

func TestDevSecurityDisabledBypassesEverything(t *testing.T) {
	err := Check(Input{
		EnforcedMode:        ModeCsrfToken,
		DevSecurityDisabled: true,
		Props: Properties{
			Origin:                         "https://evil.example",
			Destination:                    "https://example.com",
			BrowserMightHaveSecurityIssues: true,
		},
	})
	if err != nil {
		t.Fatalf("dev bypass still denied: %v", err)
	}
}

func TestCouldBeSimpleRequest(t *testing.T) {
	cases := []struct {
		method, contentType string
		want                bool
	}{
		{http.MethodGet, "", true},
		{http.MethodHead, "", true},
		{http.MethodPost, "", true},
		{http.MethodPost, "text/plain", true},
		{http.MethodPost, "application/x-www-form-urlencoded", true},
		{http.MethodPost, "multipart/form-data; boundary=x", true},
		{http.MethodPost, "application/json", false},
		{http.MethodPut, "text/plain", false},
		{http.MethodDelete, "", false},
	}
	for _, c := range cases {
		r := httptest.NewRequest(c.method, "https://example.com/", nil)
		if c.contentType != "" {
			r.Header.Set("Content-Type", c.contentType)
		}
		if got := CouldBeSimpleRequest(r); got != c.want {
			t.Errorf("CouldBeSimpleRequest(%s, %q) = %v, want %v", c.method, c.contentType, got, c.want)
		}
	}
}

func TestPropertiesFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "http://example.com/call/shop/buy", strings.NewReader(`[]`))
	r.Header.Set("Origin", "http://other.example")
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("csrfProtectionMode", "corsReadToken")
	r.Header.Set("corsReadToken", "abc")

	p := PropertiesFromRequest(r)
	if p.Origin != "http://other.example" {
		t.Errorf("Origin = %q", p.Origin)
	}
	if p.Destination != "http://example.com" {
		t.Errorf("Destination = %q", p.Destination)
	}
	if p.DeclaredMode != ModeCorsReadToken {
		t.Errorf("DeclaredMode = %q", p.DeclaredMode)
	}
	if p.CorsReadToken != "abc" {
		t.Errorf("CorsReadToken = %q", p.CorsReadToken)
	}
	if p.CouldBeSimpleRequest {
		t.Errorf("application/json POST flagged as possibly-simple")
	}
}

func TestGroupForIsStable(t *testing.T) {
	a := GroupFor(ModeCsrfToken, OriginPolicy{Allowed: []string{"https://a.example"}}, false, "svc")
	b := GroupFor(ModeCsrfToken, OriginPolicy{Allowed: []string{"https://a.example"}}, false, "svc")
	if a != b {
		t.Fatalf("equal options produced distinct groups %q and %q", a.ID, b.ID)
	}
	c := GroupFor(ModePreflight, OriginPolicy{Allowed: []string{"https://a.example"}}, false, "svc")
	if c.ID == a.ID {
		t.Fatalf("different modes share group id %q", a.ID)
	}
}

func TestGroupForSaltsPredicatePolicies(t *testing.T) {
	f := func(origin, destination string) bool { return false }
	a := GroupFor(ModePreflight, OriginPolicy{AllowFunc: f}, false, "svcA")
	b := GroupFor(ModePreflight, OriginPolicy{AllowFunc: f}, false, "svcB")
	if a.ID == b.ID {
		t.Fatalf("predicate policies of different services share group id %q", a.ID)
	}
}
