// Package downcall implements server→client invocations of
// client-supplied callback functions: handle bookkeeping, per-site
// argument/result validation, and correlation of asynchronous replies by
// down-call id.
package downcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bogeeee/restfuncs-go/internal/wire"
)

// Sender abstracts how a down-call reaches the client. The connection
// implements it.
type Sender interface {
	SendDownCall(ctx context.Context, msg *wire.DownCall) error
	SendNotUsedAnymore(id int64)
}

var (
	// ErrClosedConnection rejects in-flight futures when the connection
	// closes.
	ErrClosedConnection = errors.New("connection closed")
	// ErrTooManyDownCalls is the per-connection outstanding-call limit.
	ErrTooManyDownCalls = errors.New("too many outstanding down-calls")
)

// RemoteError is an error the client reported for a down-call.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("client reported %s: %s", e.Kind, e.Message)
	}
	return "client reported: " + e.Message
}

type pendingCall struct {
	resultCh chan json.RawMessage
	errCh    chan error
}

// Dispatcher correlates down-calls with their asynchronous replies. One
// per connection.
type Dispatcher struct {
	sender Sender

	mu      sync.Mutex
	pending map[int64]*pendingCall
	max     int

	nextID atomic.Int64

	closed   atomic.Bool
	closeErr error
}

// NewDispatcher builds a dispatcher with the given outstanding-call
// limit (0 = unlimited).
func NewDispatcher(sender Sender, maxOutstanding int) *Dispatcher {
	return &Dispatcher{sender: sender, pending: make(map[int64]*pendingCall), max: maxOutstanding}
}

// Send emits a down-call and, when awaitAnswer is set, blocks until the
// client answers, the context ends, or the connection closes.
func (d *Dispatcher) Send(ctx context.Context, callbackFnID int64, args []json.RawMessage, awaitAnswer, resultDeclared bool) (json.RawMessage, error) {
	if d.closed.Load() {
		return nil, d.closeError()
	}

	id := d.nextID.Add(1)
	msg := &wire.DownCall{
		ID:                 id,
		CallbackFnID:       callbackFnID,
		Args:               args,
		ServerAwaitsAnswer: awaitAnswer,
		ResultIsDeclared:   resultDeclared,
	}

	if !awaitAnswer {
		return nil, d.sender.SendDownCall(ctx, msg)
	}

	pc := &pendingCall{resultCh: make(chan json.RawMessage, 1), errCh: make(chan error, 1)}
	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return nil, d.closeError()
	}
	if d.max > 0 && len(d.pending) >= d.max {
		d.mu.Unlock()
		return nil, ErrTooManyDownCalls
	}
	d.pending[id] = pc
	d.mu.Unlock()

	if err := d.sender.SendDownCall(ctx, msg); err != nil {
		d.drop(id)
		return nil, err
	}

	select {
	case res := <-pc.resultCh:
		return res, nil
	case err := <-pc.errCh:
		return nil, err
	case <-ctx.Done():
		d.drop(id)
		return nil, ctx.Err()
	}
}

// OnResult delivers the client's answer to the waiting call. Unmatched
// results are ignored.
func (d *Dispatcher) OnResult(res *wire.MethodDownCallResult) {
	d.mu.Lock()
	pc, ok := d.pending[res.CallID]
	if ok {
		delete(d.pending, res.CallID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	if res.Error != nil {
		pc.errCh <- &RemoteError{Kind: res.Error.Kind, Message: res.Error.Message}
		return
	}
	pc.resultCh <- res.Result
}

// Close rejects every outstanding future with err and prevents new calls.
func (d *Dispatcher) Close(err error) {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	if err == nil {
		err = ErrClosedConnection
	}
	d.closeErr = err
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, pc := range d.pending {
		delete(d.pending, id)
		pc.errCh <- err
	}
}

func (d *Dispatcher) drop(id int64) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

func (d *Dispatcher) closeError() error {
	if d.closeErr != nil {
		return d.closeErr
	}
	return ErrClosedConnection
}
