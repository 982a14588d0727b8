// Package metadata describes exposed service methods: argument/result
// validators, declared callback signatures, and safe-method flags. The
// call executor consumes the Provider interface; the reflection
// implementation in this package derives everything from a receiver's
// exported methods, but implementers may satisfy Provider via schema
// registration or a build step instead.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/bogeeee/restfuncs-go/internal/cookiesession"
	"github.com/bogeeee/restfuncs-go/internal/downcall"
)

// CallbackSignature describes a callback-typed parameter declared in a
// method signature. At most one per signature.
type CallbackSignature struct {
	// ArgIndex is the parameter position within the wire arguments.
	ArgIndex int
	// NumArgs is the number of arguments the callback takes.
	NumArgs int
	// ResultDeclared reports whether the callback declares a non-void
	// result, which makes the server await the client's answer.
	ResultDeclared bool
}

// ArgsValidator validates the raw arguments of an up-call.
type ArgsValidator interface {
	Validate(args []json.RawMessage) error
}

// ValueValidator validates a single raw value (a method result).
type ValueValidator interface {
	Validate(v json.RawMessage) error
}

// Provider is the abstract method metadata surface the core consumes.
type Provider interface {
	// ArgumentsValidator returns the validator for the method's
	// arguments, or false if the method does not exist.
	ArgumentsValidator(method string) (ArgsValidator, bool)
	// ResultValidator returns the validator for the method's result; nil
	// validator means the method declares no result.
	ResultValidator(method string) (ValueValidator, bool)
	// DeclaredCallbackSignatures returns the callback declarations of the
	// method (empty for none).
	DeclaredCallbackSignatures(method string) []CallbackSignature
	// CallbackValidator returns the validator applied to down-calls for
	// the method's callback declaration, or nil if it declares none.
	CallbackValidator(method string) downcall.Validator
	// IsSafe reports the method's declared-safe flag (reachable via
	// unpreflighted GET).
	IsSafe(method string) bool
}

// ResolveCallbackFunc turns a wire callback placeholder into an
// invocable function. Supplied by the socket connection; the HTTP
// transport supplies one that always fails.
type ResolveCallbackFunc func(callbackFnID int64, sig CallbackSignature) (CallbackFunc, error)

// CallbackFunc invokes the client-held function with raw arguments and
// returns its raw result (nil for void callbacks).
type CallbackFunc func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error)

// Invoker executes a method against decoded arguments. The reflection
// provider implements it alongside Provider.
type Invoker interface {
	Invoke(ctx context.Context, method string, args []json.RawMessage, sess *cookiesession.Tracked, resolve ResolveCallbackFunc) (json.RawMessage, error)
}

// SchemaProvider exposes generated JSON schemas for introspection.
type SchemaProvider interface {
	// MethodSchema returns the JSON schema of the method's arguments
	// object, or nil if the method does not exist.
	MethodSchema(method string) *jsonschema.Schema
	// MethodNames lists the exposed methods.
	MethodNames() []string
}

// ValidationError reports an argument or result shape mismatch for an
// up-call.
type ValidationError struct {
	Method string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Method, e.Detail)
}

// CallbackPlaceholder is the wire shape of a callback-typed argument.
type CallbackPlaceholder struct {
	CallbackFn *int64 `json:"_callbackFn"`
}

// ParseCallbackPlaceholder extracts the callback id from a raw argument.
func ParseCallbackPlaceholder(raw json.RawMessage) (int64, error) {
	var p CallbackPlaceholder
	if err := json.Unmarshal(raw, &p); err != nil || p.CallbackFn == nil {
		return 0, fmt.Errorf("argument is not a callback placeholder")
	}
	return *p.CallbackFn, nil
}
