package downcall

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/bogeeee/restfuncs-go/internal/itemregistry"
)

// ErrTooManyCallbacks is the per-connection live-callback limit.
var ErrTooManyCallbacks = errors.New("too many client callbacks")

// ValidationError reports an argument or result shape mismatch against a
// declared callback signature.
type ValidationError struct {
	Method string
	Detail string
}

func (e *ValidationError) Error() string {
	return "validation failed for callback declared in " + e.Method + ": " + e.Detail
}

// Validator checks the values flowing through one declared callback
// signature. Implementations come from the method metadata provider.
type Validator interface {
	// ValidateArgs checks the down-call arguments. trim permits removal
	// of extra object properties.
	ValidateArgs(args []json.RawMessage, trim bool) error
	// ValidateResult checks the client's answer.
	ValidateResult(result json.RawMessage) error
	// ResultDeclared reports whether the signature declares a non-void
	// result.
	ResultDeclared() bool
}

// Spot is one place a callback was received: a (remote method, parameter
// position) pair together with the validator that applies there.
type Spot struct {
	Method    string
	ArgIndex  int
	Validator Validator
	// TrimExtraProperties marks that this spot asked for extra-property
	// trimming during validation.
	TrimExtraProperties bool
	// DevSecurityDisabled marks that the declaring service runs with
	// security checks bypassed; it widens serverAwaitsAnswer so
	// development setups see client-side errors of void callbacks.
	DevSecurityDisabled bool
}

// Channel owns a connection's callback handles. Handles are held weakly:
// once no method-argument graph references one, the registry reports the
// loss and the client is told to release its side.
type Channel struct {
	disp         *Dispatcher
	reg          *itemregistry.Registry[Handle]
	maxCallbacks int
}

// NewChannel builds the channel for one connection. maxCallbacks 0 means
// unlimited.
func NewChannel(sender Sender, maxOutstanding, maxCallbacks int) *Channel {
	c := &Channel{
		disp:         NewDispatcher(sender, maxOutstanding),
		maxCallbacks: maxCallbacks,
	}
	c.reg = itemregistry.New[Handle](func(id int64) {
		sender.SendNotUsedAnymore(id)
	})
	return c
}

// Dispatcher exposes the reply correlator so the connection can feed
// methodDownCallResult messages and close it.
func (c *Channel) Dispatcher() *Dispatcher { return c.disp }

// ObtainHandle returns the handle for a callback id, creating it on first
// sight within this connection. Re-registration of a known id reuses the
// existing handle; the lookup uses Peek so the re-registration cannot
// race a spurious loss notification for the same id.
func (c *Channel) ObtainHandle(id int64, spot Spot) (*Handle, error) {
	if h, ok := c.reg.Peek(id); ok {
		h.addSpot(spot)
		return h, nil
	}
	if c.maxCallbacks > 0 && c.reg.Len() >= c.maxCallbacks {
		return nil, ErrTooManyCallbacks
	}
	h := &Handle{id: id, ch: c}
	h.addSpot(spot)
	c.reg.Set(id, h)
	return h, nil
}

// Close rejects outstanding futures and silently drops every handle; the
// client is gone, so no notifications are sent.
func (c *Channel) Close(err error) {
	c.disp.Close(err)
	c.reg.Clear()
}

// Handle is the server-side stand-in for one client-held function.
type Handle struct {
	id int64
	ch *Channel

	mu    sync.Mutex
	spots []Spot
	freed bool
}

// ID is the connection-scoped callback id assigned by the client.
func (h *Handle) ID() int64 { return h.id }

func (h *Handle) addSpot(s Spot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, have := range h.spots {
		if have.Method == s.Method && have.ArgIndex == s.ArgIndex {
			return
		}
	}
	h.spots = append(h.spots, s)
}

// distinctValidators returns each validator once, in declaration order,
// paired with whether trimming applies for it at this invocation.
func (h *Handle) distinctValidators(trimFromMethod string) []Spot {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[Validator]struct{}, len(h.spots))
	out := make([]Spot, 0, len(h.spots))
	for _, s := range h.spots {
		if s.Validator == nil {
			continue
		}
		if _, dup := seen[s.Validator]; dup {
			continue
		}
		seen[s.Validator] = struct{}{}
		if s.TrimExtraProperties && trimFromMethod != "" && trimFromMethod != s.Method {
			s.TrimExtraProperties = false
		}
		out = append(out, s)
	}
	return out
}

// resultDeclared reports whether any declaration site expects a result.
func (h *Handle) resultDeclared() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.spots {
		if s.Validator != nil && s.Validator.ResultDeclared() {
			return true
		}
	}
	return false
}

// securityDisabled reports whether any declaration site belongs to a
// service running with security checks bypassed.
func (h *Handle) securityDisabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.spots {
		if s.DevSecurityDisabled {
			return true
		}
	}
	return false
}

// Invoke calls the client's function. Arguments are validated against
// every distinct declared validator before sending. When a result is
// declared at any site (or a declaring service runs security-disabled),
// Invoke blocks on the client's answer and validates it the same way;
// otherwise it returns immediately with no result. trimFromMethod
// restricts extra-property trimming to spots of that method signature
// ("" = no restriction).
func (h *Handle) Invoke(ctx context.Context, args []json.RawMessage, trimFromMethod string) (json.RawMessage, error) {
	h.mu.Lock()
	freed := h.freed
	h.mu.Unlock()
	if freed {
		return nil, errors.New("callback handle was freed")
	}

	spots := h.distinctValidators(trimFromMethod)
	for _, s := range spots {
		if err := s.Validator.ValidateArgs(args, s.TrimExtraProperties); err != nil {
			return nil, &ValidationError{Method: s.Method, Detail: err.Error()}
		}
	}

	resultDeclared := h.resultDeclared()
	awaits := resultDeclared || h.securityDisabled()
	res, err := h.ch.disp.Send(ctx, h.id, args, awaits, resultDeclared)
	if err != nil {
		return nil, err
	}
	if !awaits {
		return nil, nil
	}
	for _, s := range spots {
		if !s.Validator.ResultDeclared() {
			continue
		}
		if err := s.Validator.ValidateResult(res); err != nil {
			return nil, &ValidationError{Method: s.Method, Detail: err.Error()}
		}
	}
	return res, nil
}

// Free releases the handle: the registry entry is removed first, so a
// concurrent collector sweep cannot also fire a loss notification for
// the same id, then the client is told to release its side.
func (h *Handle) Free() {
	h.mu.Lock()
	if h.freed {
		h.mu.Unlock()
		return
	}
	h.freed = true
	h.mu.Unlock()
	h.ch.reg.Delete(h.id)
	h.ch.disp.sender.SendNotUsedAnymore(h.id)
}
