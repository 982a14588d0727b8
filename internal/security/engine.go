package security

import (
	"crypto/subtle"
	"fmt"
	"net/http"
)

// Input is everything one admissibility decision depends on.
type Input struct {
	// MethodIsSafe is the declared-safe flag of the target method (safe =
	// free of side effects, may be exposed to unpreflighted GETs).
	MethodIsSafe bool
	// EnforcedMode is the protection mode the service (or, on the guarded
	// session path, the session itself) enforces.
	EnforcedMode CSRFProtectionMode
	// Origins is the allowed-origins policy in force.
	Origins OriginPolicy
	// Props are the request's observed security properties.
	Props Properties
	// SessionCorsReadToken / SessionCSRFToken is the session's token
	// material for this call's security group ("" when absent).
	SessionCorsReadToken string
	SessionCSRFToken     string
	// DevSecurityDisabled bypasses every check. Development only.
	DevSecurityDisabled bool
}

// Check decides admissibility. It returns nil to allow, or a
// *DeniedError. First matching rule wins:
//
//  1. enforced mode conflicts with the client's declared mode → deny
//  2. csrfToken mode → token comparison decides (untrustworthy browsers
//     always fail here)
//  3. origin/destination satisfies the origin policy → allow
//  4. untrustworthy browser → deny
//  5. corsReadToken mode → proven read or valid token allows; otherwise
//     note that fetching one would help
//  6. possibly-simple request → only safe methods via GET pass
//  7. preflighted request → allow unless the mode demands stronger proof
func Check(in Input) error {
	if in.DevSecurityDisabled {
		return nil
	}

	var hints []Hint
	corsReadTokenWouldHelp := false

	deny := func() error {
		status := StatusForbidden
		if corsReadTokenWouldHelp {
			status = StatusFetchCorsReadToken
		}
		return &DeniedError{Status: status, Hints: hints}
	}

	// Rule 1: the client must speak the enforced mode.
	if in.EnforcedMode != ModeUnset && in.Props.DeclaredMode != ModeUnset && in.Props.DeclaredMode != in.EnforcedMode {
		hints = append(hints, Hint{Priority: 100, Text: fmt.Sprintf(
			"the server enforces csrfProtectionMode %q but the client declared %q", in.EnforcedMode, in.Props.DeclaredMode)})
		return deny()
	}

	// Rule 2: csrfToken mode stands or falls with the token.
	if in.EnforcedMode == ModeCsrfToken {
		if in.Props.BrowserMightHaveSecurityIssues {
			hints = append(hints, Hint{Priority: 90, Text: "browser has known cross-origin weaknesses; a csrfToken from it cannot be trusted"})
			return deny()
		}
		if tokensEqual(in.Props.CSRFToken, in.SessionCSRFToken) {
			return nil
		}
		if in.Props.CSRFToken == "" {
			hints = append(hints, Hint{Priority: 90, Text: "csrfToken missing; fetch one via getCsrfToken and send it with every call"})
		} else {
			hints = append(hints, Hint{Priority: 90, Text: "csrfToken incorrect"})
		}
		return deny()
	}

	// Rule 3: an allowed origin needs no further proof.
	if in.Origins.Allows(in.Props.Origin, in.Props.Destination) {
		return nil
	}
	hints = append(hints, Hint{Priority: 10, Text: fmt.Sprintf(
		"origin %q is not allowed to call %q", in.Props.Origin, in.Props.Destination)})

	// Rule 4: nothing below relies on transport guarantees such browsers
	// cannot give.
	if in.Props.BrowserMightHaveSecurityIssues {
		hints = append(hints, Hint{Priority: 80, Text: "browser has known cross-origin weaknesses"})
		return deny()
	}

	// Rule 5: corsReadToken mode.
	if in.EnforcedMode == ModeCorsReadToken {
		if in.Props.ReadWasProven {
			return nil
		}
		if in.Props.CorsReadToken != "" && tokensEqual(in.Props.CorsReadToken, in.SessionCorsReadToken) {
			return nil
		}
		corsReadTokenWouldHelp = true
		hints = append(hints, Hint{Priority: 70, Text: "fetch a corsReadToken via getCorsReadToken and retry"})
	}

	// Rule 6: a request the browser may have sent without preflight.
	if in.Props.CouldBeSimpleRequest {
		if in.MethodIsSafe && in.Props.HTTPMethod == http.MethodGet {
			return nil
		}
		if !in.MethodIsSafe {
			hints = append(hints, Hint{Priority: 60, Text: "method is not flagged safe, so it cannot be reached by a possibly-unpreflighted request"})
		}
		if in.Props.HTTPMethod != http.MethodGet {
			hints = append(hints, Hint{Priority: 50, Text: "send a non-simple content type (e.g. application/json) so the browser preflights the request"})
		}
		return deny()
	}

	// Rule 7: the browser ran a preflight and did not abort. Good enough
	// unless the mode demands read proof we did not get in rule 5.
	if in.EnforcedMode == ModeCorsReadToken {
		return deny()
	}
	return nil
}

// tokensEqual compares tokens in constant time; empty session material
// never matches.
func tokensEqual(presented, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
