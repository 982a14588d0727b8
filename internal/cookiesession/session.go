// Package cookiesession owns the versioned, salted session value shared
// by the HTTP and socket transports, the acceptance rule that keeps the
// two in sync, and the tracked accessor through which method code reads
// and writes session fields under security re-checks.
package cookiesession

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/google/uuid"

	"github.com/bogeeee/restfuncs-go/internal/security"
)

// Session is the cookie session value. The HTTP transport is its source
// of truth; socket connections hold copies that must be re-synced after
// every mutation.
type Session struct {
	// ID is opaque; empty means uninitialized.
	ID string `json:"id,omitempty"`
	// Version increases by exactly one per committed change.
	Version int64 `json:"version"`
	// BpSalt is rotated on every commit; the previous value is kept so a
	// stale write (carrying the old salt as its predecessor) is
	// distinguishable from a replayed or forged one.
	BpSalt         string `json:"bpSalt,omitempty"`
	PreviousBpSalt string `json:"previousBpSalt,omitempty"`
	// Destroyed marks a logout tombstone: a committed successor whose
	// content is cleared but whose id and salt chain survive, so the
	// destruction passes the same acceptance rule as any other update.
	// Transports treat a tombstone as uninitialized.
	Destroyed bool `json:"destroyed,omitempty"`

	// CSRFProtectionMode is the mode this session was established under.
	CSRFProtectionMode security.CSRFProtectionMode `json:"csrfProtectionMode,omitempty"`
	// CorsReadTokens / CSRFTokens hold token material per security group.
	// At most one of the two is populated, consistent with the mode.
	CorsReadTokens map[string]string `json:"corsReadTokens,omitempty"`
	CSRFTokens     map[string]string `json:"csrfTokens,omitempty"`

	// Values carries the application's own session fields.
	Values map[string]json.RawMessage `json:"values,omitempty"`
}

// New creates an initialized session at version 1.
func New() *Session {
	return &Session{
		ID:      uuid.NewString(),
		Version: 1,
		BpSalt:  NewSalt(),
	}
}

// Initialized reports whether the session was ever written.
func (s *Session) Initialized() bool { return s != nil && s.ID != "" }

// Validate checks the token-map/mode invariant. A violation is an
// internal-consistency failure, never a client error.
func (s *Session) Validate() error {
	switch s.CSRFProtectionMode {
	case security.ModeCorsReadToken:
		if len(s.CSRFTokens) > 0 {
			return fmt.Errorf("cookiesession: csrfTokens populated in corsReadToken mode")
		}
	case security.ModeCsrfToken:
		if len(s.CorsReadTokens) > 0 {
			return fmt.Errorf("cookiesession: corsReadTokens populated in csrfToken mode")
		}
	case security.ModeUnset, security.ModePreflight:
		if len(s.CorsReadTokens) > 0 || len(s.CSRFTokens) > 0 {
			return fmt.Errorf("cookiesession: token material present without a token mode")
		}
	default:
		return fmt.Errorf("cookiesession: unknown csrfProtectionMode %q", s.CSRFProtectionMode)
	}
	return nil
}

// Clone deep-copies the session. Calls never mutate a session in place:
// they work on a clone and commit it only if it actually changed.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	dup := *s
	dup.CorsReadTokens = maps.Clone(s.CorsReadTokens)
	dup.CSRFTokens = maps.Clone(s.CSRFTokens)
	if s.Values != nil {
		dup.Values = make(map[string]json.RawMessage, len(s.Values))
		for k, v := range s.Values {
			dup.Values[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &dup
}

// EqualState compares everything except Version and the salts, which
// only change as a consequence of a state change.
func (s *Session) EqualState(o *Session) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.ID != o.ID || s.Destroyed != o.Destroyed || s.CSRFProtectionMode != o.CSRFProtectionMode {
		return false
	}
	if !maps.Equal(s.CorsReadTokens, o.CorsReadTokens) || !maps.Equal(s.CSRFTokens, o.CSRFTokens) {
		return false
	}
	if len(s.Values) != len(o.Values) {
		return false
	}
	for k, v := range s.Values {
		ov, ok := o.Values[k]
		if !ok || string(v) != string(ov) {
			return false
		}
	}
	return true
}

// Advance commits a change: bump the version and rotate the salt,
// remembering the prior salt for the acceptance rule.
func (s *Session) Advance() {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.Version++
	s.PreviousBpSalt = s.BpSalt
	s.BpSalt = NewSalt()
}

// Destroy clears every field (logout / invalidation).
func (s *Session) Destroy() {
	*s = Session{}
}

// TokenForGroup returns the session's token material for the group,
// according to the session's mode.
func (s *Session) TokenForGroup(groupID string) (corsReadToken, csrfToken string) {
	if s == nil {
		return "", ""
	}
	return s.CorsReadTokens[groupID], s.CSRFTokens[groupID]
}

// NewSalt returns a fresh random salt.
func NewSalt() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("cookiesession: rand: %v", err))
	}
	return hex.EncodeToString(b)
}

// NewToken returns fresh random token material for a security group.
func NewToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("cookiesession: rand: %v", err))
	}
	return hex.EncodeToString(b)
}
