// Package connection implements the per-connection protocol state
// machine of the socket transport: envelope validation, session
// freshness, security-property bookkeeping, dispatch into the shared
// call executor, and connection-close cleanup.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bogeeee/restfuncs-go/internal/cookiesession"
	"github.com/bogeeee/restfuncs-go/internal/downcall"
	"github.com/bogeeee/restfuncs-go/internal/logctx"
	"github.com/bogeeee/restfuncs-go/internal/metadata"
	"github.com/bogeeee/restfuncs-go/internal/security"
	"github.com/bogeeee/restfuncs-go/internal/wire"
)

// connection states
const (
	stateConnecting = iota
	stateOpen
	stateClosed
)

// SendFunc delivers a server envelope to the client. Implementations
// must be safe for concurrent use.
type SendFunc func(env *wire.ServerEnvelope) error

// TextFunc delivers a bare text line (the terse malformed-envelope
// reply).
type TextFunc func(line string)

// ExecIn is one call handed to the shared executor.
type ExecIn struct {
	Service string
	Method  string
	Args    []json.RawMessage
	// Session is the connection's confirmed session snapshot (nil when
	// uninitialized). The executor must not mutate it.
	Session *cookiesession.Session
	// Props are the security properties known for the call's group.
	Props security.Properties
	// Resolve turns callback placeholders into invocable functions.
	Resolve metadata.ResolveCallbackFunc
}

// ExecOut is the executor's verdict.
type ExecOut struct {
	Result json.RawMessage
	// UpdatedSession is non-nil when the call changed the session; the
	// client must replay the update over HTTP.
	UpdatedSession *cookiesession.Session
	Err            error
}

// Hooks are the server-side collaborators a connection drives. All seal
// and open operations go through the server's token box so the socket
// layer never sees header-derived secrets in the clear.
type Hooks struct {
	// GroupIDForService resolves a service to its security group.
	GroupIDForService func(service string) (string, error)
	// CallbackSpot returns the validation spot for a callback received
	// at (service, method, argIndex); the validator may be nil when the
	// method metadata declares none.
	CallbackSpot func(service, method string, argIndex int) downcall.Spot
	// Execute runs the call through the shared guarded-session executor.
	Execute func(ctx context.Context, in ExecIn) ExecOut
	// SealSessionRequest seals the question the client answers over HTTP
	// to fetch the current cookie session.
	SealSessionRequest func() (wire.EncryptedToken, error)
	// SealPropertiesRequest seals the question that makes the client
	// report the group's HTTP-observed security properties.
	SealPropertiesRequest func(service string) (wire.EncryptedToken, error)
	// SealSessionUpdate seals the update instruction the client replays
	// over HTTP.
	SealSessionUpdate func(next *cookiesession.Session) (wire.EncryptedToken, error)
	// OpenSessionToken opens a setCookieSession payload.
	OpenSessionToken func(t wire.EncryptedToken) (*cookiesession.Session, error)
	// OpenPropertiesToken opens an updateHttpSecurityProperties payload.
	OpenPropertiesToken func(t wire.EncryptedToken) (groupID string, props security.Properties, err error)
	// ErrorToInfo applies the concealment policy.
	ErrorToInfo func(err error) *wire.ErrorInfo
}

// Config tunes one connection.
type Config struct {
	MaxOutstandingDownCalls int
	MaxCallbacks            int
	CallQueueSize           int
	Logger                  *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxOutstandingDownCalls == 0 {
		c.MaxOutstandingDownCalls = 100
	}
	if c.MaxCallbacks == 0 {
		c.MaxCallbacks = 10000
	}
	if c.CallQueueSize == 0 {
		c.CallQueueSize = 64
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Conn is one socket connection. HandleMessage must be called from a
// single reader goroutine in receipt order; method calls are queued to a
// worker so a call blocked on a down-call never stalls the reader that
// must deliver the down-call's answer.
type Conn struct {
	id    string
	hooks Hooks
	cfg   Config
	send  SendFunc
	text  TextFunc
	log   *slog.Logger

	channel *downcall.Channel

	mu              sync.Mutex
	state           int
	session         *cookiesession.Session
	sessionKnown    bool // a confirmed session (possibly empty) was installed
	sessionOutdated bool
	props           map[string]security.Properties
	lastSeq         int64

	calls     chan queuedCall
	closeOnce sync.Once
	done      chan struct{}
}

type queuedCall struct {
	ctx  context.Context
	call wire.MethodCall
}

// New builds a connection in the connecting state.
func New(hooks Hooks, cfg Config, send SendFunc, text TextFunc) *Conn {
	cfg.applyDefaults()
	c := &Conn{
		id:    uuid.NewString(),
		hooks: hooks,
		cfg:   cfg,
		send:  send,
		text:  text,
		props: make(map[string]security.Properties),
		done:  make(chan struct{}),
	}
	c.log = cfg.Logger
	c.channel = downcall.NewChannel(c, cfg.MaxOutstandingDownCalls, cfg.MaxCallbacks)
	c.calls = make(chan queuedCall, cfg.CallQueueSize)
	return c
}

// ID is the server-assigned connection id (logging only).
func (c *Conn) ID() string { return c.id }

// Open transitions to the open state: the init message proactively asks
// the client to fetch the session over HTTP so socket calls can start
// without a visible round-trip.
func (c *Conn) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateConnecting {
		c.mu.Unlock()
		return errors.New("connection already opened")
	}
	c.state = stateOpen
	c.mu.Unlock()

	go c.callWorker(ctx)

	req, err := c.hooks.SealSessionRequest()
	if err != nil {
		return fmt.Errorf("seal session request: %w", err)
	}
	return c.send(&wire.ServerEnvelope{Type: wire.TypeInit, Payload: wire.Init{CookieSessionRequest: req}})
}

// HandleMessage processes one raw client message. Malformed envelopes
// get a terse reply and leave the connection open.
func (c *Conn) HandleMessage(ctx context.Context, data []byte) {
	c.mu.Lock()
	if c.state != stateOpen {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	var env wire.ClientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.text("[Error] " + err.Error())
		return
	}

	c.mu.Lock()
	if env.SequenceNumber > c.lastSeq {
		c.lastSeq = env.SequenceNumber
	}
	c.mu.Unlock()

	switch env.Type {
	case wire.TypeGetVersion:
		// Reserved for capability negotiation; ignored.

	case wire.TypeMethodDownCallResult:
		var res wire.MethodDownCallResult
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			c.text("[Error] methodDownCallResult: " + err.Error())
			return
		}
		c.channel.Dispatcher().OnResult(&res)

	case wire.TypeUpdateHTTPSecurityProperties:
		var tok wire.EncryptedToken
		if err := json.Unmarshal(env.Payload, &tok); err != nil {
			c.text("[Error] updateHttpSecurityProperties: " + err.Error())
			return
		}
		groupID, props, err := c.hooks.OpenPropertiesToken(tok)
		if err != nil {
			c.text("[Error] updateHttpSecurityProperties: " + err.Error())
			return
		}
		c.mu.Lock()
		c.props[groupID] = props
		c.mu.Unlock()

	case wire.TypeSetCookieSession:
		var tok wire.EncryptedToken
		if err := json.Unmarshal(env.Payload, &tok); err != nil {
			c.text("[Error] setCookieSession: " + err.Error())
			return
		}
		sess, err := c.hooks.OpenSessionToken(tok)
		if err != nil {
			c.text("[Error] setCookieSession: " + err.Error())
			return
		}
		c.installSession(sess)

	case wire.TypeMethodCall:
		var call wire.MethodCall
		if err := json.Unmarshal(env.Payload, &call); err != nil {
			c.text("[Error] methodCall: " + err.Error())
			return
		}
		select {
		case c.calls <- queuedCall{ctx: ctx, call: call}:
		case <-c.done:
		}
	}
}

// installSession adopts a confirmed session. A replay of the current
// session at the same or an older version is a no-op, as is a stale
// uninitialized answer racing an already-initialized state: the
// connection never regresses and never errors over it. A destroyed
// session installs as a tombstone; handleMethodCall presents it as
// uninitialized while its id/version still shield against replays of
// the dead session.
func (c *Conn) installSession(sess *cookiesession.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionKnown && c.session != nil && sess != nil {
		if sess.ID == c.session.ID && sess.Version <= c.session.Version {
			return
		}
		if !sess.Initialized() && c.session.Initialized() {
			return
		}
	}
	c.session = sess
	c.sessionKnown = true
	c.sessionOutdated = false
}

// Close moves to the terminal state: every outstanding down-call future
// is rejected and callback registry entries are released.
func (c *Conn) Close(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
		close(c.done)
		if err == nil {
			err = downcall.ErrClosedConnection
		}
		c.channel.Close(err)
	})
}

// --- downcall.Sender ---

func (c *Conn) SendDownCall(ctx context.Context, msg *wire.DownCall) error {
	return c.send(&wire.ServerEnvelope{Type: wire.TypeDownCall, Payload: msg})
}

func (c *Conn) SendNotUsedAnymore(id int64) {
	c.mu.Lock()
	seq := c.lastSeq
	c.mu.Unlock()
	_ = c.send(&wire.ServerEnvelope{Type: wire.TypeChannelItemNotUsedAnymore, Payload: wire.ChannelItemNotUsedAnymore{
		ID:   id,
		Time: seq,
	}})
}

// --- call processing ---

func (c *Conn) callWorker(ctx context.Context) {
	for {
		select {
		case qc := <-c.calls:
			c.handleMethodCall(qc.ctx, qc.call)
		case <-c.done:
			return
		}
	}
}

func (c *Conn) respond(res *wire.MethodCallResult) {
	if err := c.send(&wire.ServerEnvelope{Type: wire.TypeMethodCallResult, Payload: res}); err != nil {
		c.log.Debug("send methodCallResult failed", "err", err)
	}
}

func (c *Conn) handleMethodCall(ctx context.Context, call wire.MethodCall) {
	ctx = logctx.WithCallData(ctx, &logctx.CallData{
		CallID:    call.CallID,
		Service:   call.ExposedClassID,
		Method:    call.MethodName,
		Transport: "socket",
	})

	c.mu.Lock()
	sessionKnown := c.sessionKnown
	sessionOutdated := c.sessionOutdated
	var sessionSnapshot *cookiesession.Session
	if c.session != nil && !c.session.Destroyed {
		sessionSnapshot = c.session.Clone()
	}
	c.mu.Unlock()

	// An outdated session refuses every call until the confirmed state is
	// replayed; the client retries after its HTTP round-trip.
	if sessionOutdated {
		c.respond(&wire.MethodCallResult{CallID: call.CallID, Status: wire.StatusDroppedCookieSessionIsOutdated})
		return
	}
	if !sessionKnown {
		req, err := c.hooks.SealSessionRequest()
		if err != nil {
			c.respond(c.errorResult(call.CallID, err))
			return
		}
		c.respond(&wire.MethodCallResult{
			CallID:                        call.CallID,
			Status:                        wire.StatusNeedsInitializedCookieSession,
			NeedsInitializedCookieSession: &req,
		})
		return
	}

	groupID, err := c.hooks.GroupIDForService(call.ExposedClassID)
	if err != nil {
		c.respond(c.errorResult(call.CallID, err))
		return
	}

	c.mu.Lock()
	props, havePropsForGroup := c.props[groupID]
	c.mu.Unlock()
	if !havePropsForGroup {
		q, err := c.hooks.SealPropertiesRequest(call.ExposedClassID)
		if err != nil {
			c.respond(c.errorResult(call.CallID, err))
			return
		}
		c.respond(&wire.MethodCallResult{
			CallID:                      call.CallID,
			Status:                      wire.StatusNeedsHTTPSecurityProperties,
			NeedsHTTPSecurityProperties: &q,
		})
		return
	}

	out := c.hooks.Execute(ctx, ExecIn{
		Service: call.ExposedClassID,
		Method:  call.MethodName,
		Args:    call.Args,
		Session: sessionSnapshot,
		Props:   props,
		Resolve: c.resolveCallback(call.ExposedClassID, call.MethodName),
	})
	if out.Err != nil {
		c.respond(c.errorResult(call.CallID, out.Err))
		return
	}

	if out.UpdatedSession != nil {
		// The socket never writes the cookie itself: hand the client a
		// sealed update to replay over HTTP, and refuse further calls
		// until the confirmed state comes back.
		upd, err := c.hooks.SealSessionUpdate(out.UpdatedSession)
		if err != nil {
			c.respond(c.errorResult(call.CallID, err))
			return
		}
		c.mu.Lock()
		c.sessionOutdated = true
		c.mu.Unlock()
		c.respond(&wire.MethodCallResult{
			CallID:                call.CallID,
			Status:                wire.StatusDoCookieSessionUpdate,
			Result:                out.Result,
			DoCookieSessionUpdate: &upd,
		})
		return
	}

	c.respond(&wire.MethodCallResult{CallID: call.CallID, Status: wire.StatusOK, Result: out.Result})
}

// resolveCallback wires callback placeholders of one call into the
// channel. Re-used ids resolve to the same handle.
func (c *Conn) resolveCallback(service, method string) metadata.ResolveCallbackFunc {
	return func(callbackFnID int64, sig metadata.CallbackSignature) (metadata.CallbackFunc, error) {
		spot := c.hooks.CallbackSpot(service, method, sig.ArgIndex)
		h, err := c.channel.ObtainHandle(callbackFnID, spot)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
			return h.Invoke(ctx, args, "")
		}, nil
	}
}

func (c *Conn) errorResult(callID int64, err error) *wire.MethodCallResult {
	var secErr *security.DeniedError
	if errors.As(err, &secErr) {
		c.log.Info("call denied", "status", secErr.Status, "err", secErr.Error())
	} else {
		c.log.Warn("call failed", "err", err)
	}
	return &wire.MethodCallResult{CallID: callID, Status: wire.StatusError, Error: c.hooks.ErrorToInfo(err)}
}
