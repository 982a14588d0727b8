package restfuncs

import (
	"fmt"

	"github.com/bogeeee/restfuncs-go/internal/cookiesession"
	"github.com/bogeeee/restfuncs-go/internal/downcall"
	"github.com/bogeeee/restfuncs-go/internal/metadata"
	"github.com/bogeeee/restfuncs-go/internal/security"
)

// CSRFProtectionMode selects the protection strategy a service enforces.
type CSRFProtectionMode string

const (
	// CSRFModeUnset lets the engine decide from the request's declared
	// mode and transport guarantees.
	CSRFModeUnset CSRFProtectionMode = ""
	// CSRFModePreflight trusts the browser's CORS preflight.
	CSRFModePreflight CSRFProtectionMode = "preflight"
	// CSRFModeCorsReadToken requires proof that the caller can read
	// responses from this server.
	CSRFModeCorsReadToken CSRFProtectionMode = "corsReadToken"
	// CSRFModeCsrfToken requires a classic per-session token.
	CSRFModeCsrfToken CSRFProtectionMode = "csrfToken"
)

// Session is the accessor method bodies receive in place of the raw
// cookie session. Every read and write re-checks admissibility under the
// session's own protection mode.
type Session = cookiesession.Tracked

// SessionValidityStore answers whether a session id is still valid; see
// NewMemorySessionValidityStore and the redisvalidity package.
type SessionValidityStore = cookiesession.ValidityStore

// NewMemorySessionValidityStore returns the single-process validity
// store.
func NewMemorySessionValidityStore() SessionValidityStore {
	return cookiesession.NewMemoryValidityStore()
}

// ServiceOptions configure one registered service. Services with equal
// security-relevant options share a security group, and with it the
// session's token material.
type ServiceOptions struct {
	// CSRFProtectionMode is the mode enforced for every call.
	CSRFProtectionMode CSRFProtectionMode
	// AllowedOrigins lists origins admitted besides same-origin.
	AllowedOrigins []string
	// AllowAllOrigins admits every origin.
	AllowAllOrigins bool
	// AllowOriginFunc is a predicate consulted after the list.
	AllowOriginFunc func(origin, destination string) bool
	// SafeMethods names methods (wire names) free of side effects; only
	// these may be reached by a possibly-unpreflighted GET.
	SafeMethods []string
	// DevSecurityDisabled bypasses all security checks. Development only.
	DevSecurityDisabled bool
	// TrimExtraProperties makes down-call validation strip unknown
	// object properties instead of rejecting them.
	TrimExtraProperties bool
}

type serviceEntry struct {
	name     string
	provider metadata.Provider
	invoker  metadata.Invoker
	schemas  metadata.SchemaProvider
	group    *security.Group
	opts     ServiceOptions
}

// RegisterService exposes the receiver's methods under name. Method
// metadata is derived by reflection; see internal/metadata for the
// accepted method shapes.
func (s *Server) RegisterService(name string, receiver any, opts ServiceOptions) error {
	if name == "" {
		return fmt.Errorf("restfuncs: service name must not be empty")
	}
	provider, err := metadata.Reflect(receiver, opts.SafeMethods...)
	if err != nil {
		return err
	}
	return s.registerProvider(name, provider, provider, provider, opts)
}

// RegisterProvider exposes a service backed by an explicit metadata
// provider/invoker pair, for implementers that generate validators via
// schema registration or a build step. schemas may be nil.
func (s *Server) RegisterProvider(name string, provider metadata.Provider, invoker metadata.Invoker, schemas metadata.SchemaProvider, opts ServiceOptions) error {
	if name == "" {
		return fmt.Errorf("restfuncs: service name must not be empty")
	}
	return s.registerProvider(name, provider, invoker, schemas, opts)
}

func (s *Server) registerProvider(name string, provider metadata.Provider, invoker metadata.Invoker, schemas metadata.SchemaProvider, opts ServiceOptions) error {
	origins := security.OriginPolicy{
		AllowAll:  opts.AllowAllOrigins,
		Allowed:   opts.AllowedOrigins,
		AllowFunc: opts.AllowOriginFunc,
	}
	group := security.GroupFor(security.CSRFProtectionMode(opts.CSRFProtectionMode), origins, opts.DevSecurityDisabled, name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.services[name]; exists {
		return fmt.Errorf("restfuncs: service %q already registered", name)
	}
	s.services[name] = &serviceEntry{
		name:     name,
		provider: provider,
		invoker:  invoker,
		schemas:  schemas,
		group:    group,
		opts:     opts,
	}
	return nil
}

func (s *Server) service(name string) (*serviceEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.services[name]
	return e, ok
}

// callbackSpot builds the validation spot for a callback received at
// (service, method, argIndex).
func (e *serviceEntry) callbackSpot(method string, argIndex int) downcall.Spot {
	return downcall.Spot{
		Method:              e.name + "." + method,
		ArgIndex:            argIndex,
		Validator:           e.provider.CallbackValidator(method),
		TrimExtraProperties: e.opts.TrimExtraProperties,
		DevSecurityDisabled: e.opts.DevSecurityDisabled,
	}
}
