package restfuncs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/bogeeee/restfuncs-go/internal/connection"
	"github.com/bogeeee/restfuncs-go/internal/cookiesession"
	"github.com/bogeeee/restfuncs-go/internal/downcall"
	"github.com/bogeeee/restfuncs-go/internal/logctx"
	"github.com/bogeeee/restfuncs-go/internal/security"
	"github.com/bogeeee/restfuncs-go/internal/tokenbox"
	"github.com/bogeeee/restfuncs-go/internal/wire"
)

// Content-type tags for sealed tokens. A token sealed under one tag can
// never be opened under another.
const (
	ctySessionQuestion = "restfuncs/cookieSession-question"
	ctySessionValue    = "restfuncs/cookieSession-value"
	ctySessionUpdate   = "restfuncs/cookieSession-update"
	ctySessionCookie   = "restfuncs/cookieSession-cookie"
	ctyPropsQuestion   = "restfuncs/securityProperties-question"
	ctyProps           = "restfuncs/securityProperties"
)

// Server exposes registered services over HTTP and a websocket, sharing
// one cookie session across both transports. There is no ambient global:
// the server handle is threaded explicitly through every call.
type Server struct {
	log          *slog.Logger
	box          *tokenbox.Box
	cookieName   string
	exposeErrors bool
	validity     cookiesession.ValidityStore

	maxCallbacks            int
	maxOutstandingDownCalls int
	secretKeys              [][]byte

	mu       sync.RWMutex
	services map[string]*serviceEntry
}

// envConfig carries the environment-tunable defaults.
type envConfig struct {
	CookieName              string `env:"RESTFUNCS_COOKIE_NAME,default=rfSession"`
	ExposeErrors            bool   `env:"RESTFUNCS_EXPOSE_ERRORS,default=false"`
	MaxCallbacks            int    `env:"RESTFUNCS_MAX_CALLBACKS,default=10000"`
	MaxOutstandingDownCalls int    `env:"RESTFUNCS_MAX_DOWNCALLS,default=100"`
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithSecretKeys supplies the 32-byte keys for sealed tokens and the
// session cookie. The last key seals; all keys open, so rotation keeps
// old cookies readable. Without this option a random per-process key is
// used and sessions do not survive a restart.
func WithSecretKeys(keys ...[]byte) ServerOption {
	return func(s *Server) { s.secretKeys = keys }
}

// WithExposeErrors reports internal error details to clients instead of
// concealing them. Development only.
func WithExposeErrors(expose bool) ServerOption {
	return func(s *Server) { s.exposeErrors = expose }
}

// WithSessionValidityStore installs an external validity store consulted
// before executing calls of initialized sessions.
func WithSessionValidityStore(store SessionValidityStore) ServerOption {
	return func(s *Server) { s.validity = store }
}

// WithCookieName overrides the session cookie name.
func WithCookieName(name string) ServerOption {
	return func(s *Server) {
		if name != "" {
			s.cookieName = name
		}
	}
}

// NewServer builds a server. Environment variables provide defaults
// (see envConfig); options override them.
func NewServer(opts ...ServerOption) (*Server, error) {
	var cfg envConfig
	_ = envdecode.Decode(&cfg)

	s := &Server{
		log:                     slog.Default(),
		cookieName:              cfg.CookieName,
		exposeErrors:            cfg.ExposeErrors,
		maxCallbacks:            cfg.MaxCallbacks,
		maxOutstandingDownCalls: cfg.MaxOutstandingDownCalls,
		services:                make(map[string]*serviceEntry),
	}
	if s.cookieName == "" {
		s.cookieName = "rfSession"
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	// Connection/call attributes from the context end up on every record.
	s.log = slog.New(logctx.Handler{Handler: s.log.Handler()})
	box, err := tokenbox.New(s.secretKeys...)
	if err != nil {
		return nil, err
	}
	s.box = box
	return s, nil
}

// --- token payloads ---

type sessionQuestion struct {
	IssuedAt int64 `json:"issuedAt"`
}

type propsQuestion struct {
	Service  string `json:"service"`
	IssuedAt int64  `json:"issuedAt"`
}

type propsAnswer struct {
	GroupID string              `json:"groupId"`
	Props   security.Properties `json:"props"`
}

func (s *Server) sealSessionRequest() (wire.EncryptedToken, error) {
	return s.box.Seal(ctySessionQuestion, sessionQuestion{IssuedAt: time.Now().UnixMilli()})
}

func (s *Server) sealPropertiesRequest(service string) (wire.EncryptedToken, error) {
	return s.box.Seal(ctyPropsQuestion, propsQuestion{Service: service, IssuedAt: time.Now().UnixMilli()})
}

func (s *Server) sealSessionValue(sess *cookiesession.Session) (wire.EncryptedToken, error) {
	return s.box.Seal(ctySessionValue, sess)
}

func (s *Server) sealSessionUpdate(next *cookiesession.Session) (wire.EncryptedToken, error) {
	return s.box.Seal(ctySessionUpdate, next)
}

func (s *Server) openSessionToken(t wire.EncryptedToken) (*cookiesession.Session, error) {
	var sess cookiesession.Session
	if err := s.box.Open(ctySessionValue, t, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Server) openPropertiesToken(t wire.EncryptedToken) (string, security.Properties, error) {
	var a propsAnswer
	if err := s.box.Open(ctyProps, t, &a); err != nil {
		return "", security.Properties{}, err
	}
	return a.GroupID, a.Props, nil
}

// --- call execution (shared by both transports) ---

// execute runs one method call under the full discipline: argument
// validation, the method's policy check, validity-store consultation,
// and the guarded session wrapper whose every field access re-checks
// with the session's own enforced mode. The base session is never
// mutated: a change surfaces as ExecOut.UpdatedSession.
func (s *Server) execute(ctx context.Context, in connection.ExecIn) connection.ExecOut {
	svc, ok := s.service(in.Service)
	if !ok {
		return connection.ExecOut{Err: fmt.Errorf("%w: %q", errUnknownService, in.Service)}
	}
	argsVal, ok := svc.provider.ArgumentsValidator(in.Method)
	if !ok {
		return connection.ExecOut{Err: fmt.Errorf("%w: %s.%s", errUnknownMethod, in.Service, in.Method)}
	}
	if err := argsVal.Validate(in.Args); err != nil {
		return connection.ExecOut{Err: err}
	}

	group := svc.group
	base := in.Session
	if base == nil {
		base = &cookiesession.Session{}
	}
	if err := base.Validate(); err != nil {
		// Internal-consistency failure, not a client error.
		return connection.ExecOut{Err: err}
	}

	// The method's own policy check.
	corsTok, csrfTok := base.TokenForGroup(group.ID)
	if err := security.Check(security.Input{
		MethodIsSafe:         svc.provider.IsSafe(in.Method),
		EnforcedMode:         group.Mode,
		Origins:              group.Origins,
		Props:                in.Props,
		SessionCorsReadToken: corsTok,
		SessionCSRFToken:     csrfTok,
		DevSecurityDisabled:  group.DevSecurityDisabled,
	}); err != nil {
		return connection.ExecOut{Err: err}
	}

	// Invalidated sessions present as uninitialized.
	if base.Initialized() && s.validity != nil {
		valid, err := s.validity.IsValid(ctx, base.ID)
		if err != nil {
			return connection.ExecOut{Err: fmt.Errorf("session validity check: %w", err)}
		}
		if !valid {
			base = &cookiesession.Session{}
		}
	}

	// Guarded wrapper: field accesses re-check with the session's own
	// mode, which may be stricter than the method's.
	guard := func(sess *cookiesession.Session) error {
		mode := sess.CSRFProtectionMode
		cors, csrf := sess.TokenForGroup(group.ID)
		return security.Check(security.Input{
			MethodIsSafe:         svc.provider.IsSafe(in.Method),
			EnforcedMode:         mode,
			Origins:              group.Origins,
			Props:                in.Props,
			SessionCorsReadToken: cors,
			SessionCSRFToken:     csrf,
			DevSecurityDisabled:  group.DevSecurityDisabled,
		})
	}
	tracked := cookiesession.NewTracked(base, guard)

	result, err := svc.invoker.Invoke(ctx, in.Method, in.Args, tracked, in.Resolve)
	if err != nil {
		return connection.ExecOut{Err: err}
	}
	if rv, ok := svc.provider.ResultValidator(in.Method); ok && rv != nil && result != nil {
		if err := rv.Validate(result); err != nil {
			return connection.ExecOut{Err: err}
		}
	}

	next, changed := tracked.Commit()
	if !changed {
		return connection.ExecOut{Result: result}
	}
	if err := next.Validate(); err != nil {
		return connection.ExecOut{Err: err}
	}
	return connection.ExecOut{Result: result, UpdatedSession: next}
}

// connHooks wires a socket connection to this server.
func (s *Server) connHooks() connection.Hooks {
	return connection.Hooks{
		GroupIDForService: func(service string) (string, error) {
			svc, ok := s.service(service)
			if !ok {
				return "", fmt.Errorf("%w: %q", errUnknownService, service)
			}
			return svc.group.ID, nil
		},
		CallbackSpot: func(service, method string, argIndex int) downcall.Spot {
			svc, ok := s.service(service)
			if !ok {
				return downcall.Spot{Method: service + "." + method, ArgIndex: argIndex}
			}
			return svc.callbackSpot(method, argIndex)
		},
		Execute:               s.execute,
		SealSessionRequest:    s.sealSessionRequest,
		SealPropertiesRequest: s.sealPropertiesRequest,
		SealSessionUpdate:     s.sealSessionUpdate,
		OpenSessionToken:      s.openSessionToken,
		OpenPropertiesToken:   s.openPropertiesToken,
		ErrorToInfo:           s.errorToInfo,
	}
}
