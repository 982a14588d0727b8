package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"github.com/bogeeee/restfuncs-go/internal/cookiesession"
	"github.com/bogeeee/restfuncs-go/internal/downcall"
)

var structValidate = validator.New(validator.WithRequiredStructEnabled())

var (
	ctxType     = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType     = reflect.TypeOf((*error)(nil)).Elem()
	trackedType = reflect.TypeOf((*cookiesession.Tracked)(nil))
)

// ReflectProvider derives method metadata from a receiver's exported
// methods. Accepted method shapes:
//
//	func (s *S) Name(ctx context.Context, args...) (result, error)
//	func (s *S) Name(ctx context.Context, sess *cookiesession.Tracked, args...) error
//
// with the result and error each optional. A parameter of func type
// declares a client callback; at most one is allowed per signature.
// Callback func types may take a leading context.Context and must return
// nothing, error, or (result, error).
type ReflectProvider struct {
	recv    reflect.Value
	methods map[string]*methodInfo
}

type methodInfo struct {
	name         string
	fn           reflect.Value
	safe         bool
	wantsSession bool

	params        []reflect.Type
	callbackIndex int // -1 when no callback declared
	callback      callbackInfo

	resultType   reflect.Type // nil when no result declared
	returnsError bool

	argsVal   *argsValidator
	resultVal *valueValidator
	cbVal     *callbackValidator

	schema *jsonschema.Schema
}

type callbackInfo struct {
	fnType       reflect.Type
	hasCtx       bool
	argTypes     []reflect.Type
	resultType   reflect.Type // nil = void
	returnsError bool
}

// Reflect builds a provider over receiver. Methods listed in safeMethods
// (by wire name) are flagged safe for unpreflighted GET access.
func Reflect(receiver any, safeMethods ...string) (*ReflectProvider, error) {
	rv := reflect.ValueOf(receiver)
	rt := rv.Type()
	if rt.Kind() != reflect.Pointer || rt.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("metadata: receiver must be a pointer to struct, got %T", receiver)
	}
	safe := make(map[string]bool, len(safeMethods))
	for _, m := range safeMethods {
		safe[m] = true
	}

	p := &ReflectProvider{recv: rv, methods: make(map[string]*methodInfo)}
	for i := 0; i < rt.NumMethod(); i++ {
		m := rt.Method(i)
		if !m.IsExported() {
			continue
		}
		wireName := lowerFirst(m.Name)
		mi, err := parseMethod(m)
		if err != nil {
			return nil, fmt.Errorf("metadata: method %s: %w", m.Name, err)
		}
		mi.name = wireName
		mi.safe = safe[wireName]
		mi.argsVal = &argsValidator{mi: mi}
		if mi.resultType != nil {
			mi.resultVal = &valueValidator{method: wireName, t: mi.resultType}
		}
		if mi.callbackIndex >= 0 {
			mi.cbVal = &callbackValidator{method: wireName, cb: mi.callback}
		}
		mi.schema = buildArgsSchema(mi)
		p.methods[wireName] = mi
	}
	if len(p.methods) == 0 {
		return nil, fmt.Errorf("metadata: receiver %T exposes no methods", receiver)
	}
	return p, nil
}

func parseMethod(m reflect.Method) (*methodInfo, error) {
	ft := m.Func.Type()
	idx := 1 // skip receiver
	if ft.NumIn() <= idx || ft.In(idx) != ctxType {
		return nil, fmt.Errorf("first parameter must be context.Context")
	}
	idx++
	mi := &methodInfo{fn: m.Func, callbackIndex: -1}
	if idx < ft.NumIn() && ft.In(idx) == trackedType {
		mi.wantsSession = true
		idx++
	}
	for ; idx < ft.NumIn(); idx++ {
		pt := ft.In(idx)
		if pt.Kind() == reflect.Func {
			if mi.callbackIndex >= 0 {
				return nil, fmt.Errorf("at most one callback declaration per method signature")
			}
			cb, err := parseCallbackType(pt)
			if err != nil {
				return nil, err
			}
			mi.callbackIndex = len(mi.params)
			mi.callback = cb
		}
		mi.params = append(mi.params, pt)
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errType {
			mi.returnsError = true
		} else {
			mi.resultType = ft.Out(0)
		}
	case 2:
		if ft.Out(1) != errType {
			return nil, fmt.Errorf("second return value must be error")
		}
		mi.resultType = ft.Out(0)
		mi.returnsError = true
	default:
		return nil, fmt.Errorf("too many return values")
	}
	return mi, nil
}

func parseCallbackType(t reflect.Type) (callbackInfo, error) {
	if t.IsVariadic() {
		return callbackInfo{}, fmt.Errorf("variadic callbacks are not supported")
	}
	cb := callbackInfo{fnType: t}
	start := 0
	if t.NumIn() > 0 && t.In(0) == ctxType {
		cb.hasCtx = true
		start = 1
	}
	for i := start; i < t.NumIn(); i++ {
		if t.In(i).Kind() == reflect.Func {
			return callbackInfo{}, fmt.Errorf("callbacks may not take further callbacks")
		}
		cb.argTypes = append(cb.argTypes, t.In(i))
	}
	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) != errType {
			return callbackInfo{}, fmt.Errorf("a callback with a result must also return error")
		}
		cb.returnsError = true
	case 2:
		if t.Out(1) != errType {
			return callbackInfo{}, fmt.Errorf("callback's second return value must be error")
		}
		cb.resultType = t.Out(0)
		cb.returnsError = true
	default:
		return callbackInfo{}, fmt.Errorf("callback has too many return values")
	}
	return cb, nil
}

// --- Provider ---

func (p *ReflectProvider) ArgumentsValidator(method string) (ArgsValidator, bool) {
	mi, ok := p.methods[method]
	if !ok {
		return nil, false
	}
	return mi.argsVal, true
}

func (p *ReflectProvider) ResultValidator(method string) (ValueValidator, bool) {
	mi, ok := p.methods[method]
	if !ok {
		return nil, false
	}
	if mi.resultVal == nil {
		return nil, true
	}
	return mi.resultVal, true
}

func (p *ReflectProvider) DeclaredCallbackSignatures(method string) []CallbackSignature {
	mi, ok := p.methods[method]
	if !ok || mi.callbackIndex < 0 {
		return nil
	}
	return []CallbackSignature{{
		ArgIndex:       mi.callbackIndex,
		NumArgs:        len(mi.callback.argTypes),
		ResultDeclared: mi.callback.resultType != nil,
	}}
}

func (p *ReflectProvider) CallbackValidator(method string) downcall.Validator {
	mi, ok := p.methods[method]
	if !ok || mi.cbVal == nil {
		return nil
	}
	return mi.cbVal
}

func (p *ReflectProvider) IsSafe(method string) bool {
	mi, ok := p.methods[method]
	return ok && mi.safe
}

// --- SchemaProvider ---

func (p *ReflectProvider) MethodSchema(method string) *jsonschema.Schema {
	mi, ok := p.methods[method]
	if !ok {
		return nil
	}
	return mi.schema
}

func (p *ReflectProvider) MethodNames() []string {
	names := make([]string, 0, len(p.methods))
	for n := range p.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// buildArgsSchema reflects a synthetic struct holding the method's
// JSON-decodable parameters, so introspection clients see one object
// schema per method. Callback parameters appear as placeholder objects.
func buildArgsSchema(mi *methodInfo) *jsonschema.Schema {
	fields := make([]reflect.StructField, 0, len(mi.params))
	for i, pt := range mi.params {
		if pt.Kind() == reflect.Func {
			pt = reflect.TypeOf(CallbackPlaceholder{})
		}
		fields = append(fields, reflect.StructField{
			Name: fmt.Sprintf("Arg%d", i),
			Type: pt,
			Tag:  reflect.StructTag(fmt.Sprintf(`json:"arg%d"`, i)),
		})
	}
	st := reflect.StructOf(fields)
	r := jsonschema.Reflector{DoNotReference: true}
	return r.Reflect(reflect.New(st).Interface())
}

// --- Invoker ---

// Invoke runs the method. Arguments must already have passed the
// arguments validator; decoding here is lenient.
func (p *ReflectProvider) Invoke(ctx context.Context, method string, args []json.RawMessage, sess *cookiesession.Tracked, resolve ResolveCallbackFunc) (json.RawMessage, error) {
	mi, ok := p.methods[method]
	if !ok {
		return nil, fmt.Errorf("metadata: unknown method %q", method)
	}
	if len(args) != len(mi.params) {
		return nil, &ValidationError{Method: method, Detail: fmt.Sprintf("got %d arguments, want %d", len(args), len(mi.params))}
	}

	in := make([]reflect.Value, 0, len(mi.params)+3)
	in = append(in, p.recv, reflect.ValueOf(ctx))
	if mi.wantsSession {
		if sess == nil {
			return nil, fmt.Errorf("metadata: method %q needs session access but no session is available", method)
		}
		in = append(in, reflect.ValueOf(sess))
	}
	for i, pt := range mi.params {
		if i == mi.callbackIndex {
			id, err := ParseCallbackPlaceholder(args[i])
			if err != nil {
				return nil, &ValidationError{Method: method, Detail: fmt.Sprintf("argument %d: %v", i, err)}
			}
			if resolve == nil {
				return nil, fmt.Errorf("metadata: method %q declares a callback, which this transport cannot carry", method)
			}
			cb, err := resolve(id, CallbackSignature{
				ArgIndex:       mi.callbackIndex,
				NumArgs:        len(mi.callback.argTypes),
				ResultDeclared: mi.callback.resultType != nil,
			})
			if err != nil {
				return nil, err
			}
			in = append(in, makeCallbackValue(ctx, mi.callback, cb))
			continue
		}
		pv := reflect.New(pt)
		if err := json.Unmarshal(args[i], pv.Interface()); err != nil {
			return nil, &ValidationError{Method: method, Detail: fmt.Sprintf("argument %d: %v", i, err)}
		}
		in = append(in, pv.Elem())
	}

	out := mi.fn.Call(in)
	if mi.returnsError {
		if errVal := out[len(out)-1]; !errVal.IsNil() {
			return nil, errVal.Interface().(error)
		}
	}
	if mi.resultType == nil {
		return nil, nil
	}
	res, err := json.Marshal(out[0].Interface())
	if err != nil {
		return nil, fmt.Errorf("metadata: marshal result of %q: %w", method, err)
	}
	return res, nil
}

// makeCallbackValue builds a func value of the declared callback type
// whose body marshals its arguments and invokes the remote callback.
func makeCallbackValue(callCtx context.Context, cb callbackInfo, fn CallbackFunc) reflect.Value {
	return reflect.MakeFunc(cb.fnType, func(in []reflect.Value) []reflect.Value {
		ctx := callCtx
		args := in
		if cb.hasCtx {
			ctx = in[0].Interface().(context.Context)
			args = in[1:]
		}
		raws := make([]json.RawMessage, 0, len(args))
		var callErr error
		for _, a := range args {
			b, err := json.Marshal(a.Interface())
			if err != nil {
				callErr = fmt.Errorf("marshal callback argument: %w", err)
				break
			}
			raws = append(raws, b)
		}
		var res json.RawMessage
		if callErr == nil {
			res, callErr = fn(ctx, raws)
		}

		out := make([]reflect.Value, 0, cb.fnType.NumOut())
		if cb.resultType != nil {
			rv := reflect.New(cb.resultType)
			if callErr == nil && len(res) > 0 {
				if err := json.Unmarshal(res, rv.Interface()); err != nil {
					callErr = fmt.Errorf("decode callback result: %w", err)
				}
			}
			out = append(out, rv.Elem())
		}
		if cb.returnsError {
			if callErr != nil {
				out = append(out, reflect.ValueOf(&callErr).Elem())
			} else {
				out = append(out, reflect.Zero(errType))
			}
		} else if callErr != nil {
			// Void callback with no error surface: nothing to report to
			// the method body.
			_ = callErr
		}
		return out
	})
}

// --- validators ---

type argsValidator struct {
	mi *methodInfo
}

func (v *argsValidator) Validate(args []json.RawMessage) error {
	mi := v.mi
	if len(args) != len(mi.params) {
		return &ValidationError{Method: mi.name, Detail: fmt.Sprintf("got %d arguments, want %d", len(args), len(mi.params))}
	}
	for i, pt := range mi.params {
		if i == mi.callbackIndex {
			if _, err := ParseCallbackPlaceholder(args[i]); err != nil {
				return &ValidationError{Method: mi.name, Detail: fmt.Sprintf("argument %d: %v", i, err)}
			}
			continue
		}
		val, err := strictDecode(args[i], pt)
		if err != nil {
			return &ValidationError{Method: mi.name, Detail: fmt.Sprintf("argument %d: %v", i, err)}
		}
		if err := validateStructTags(val); err != nil {
			return &ValidationError{Method: mi.name, Detail: fmt.Sprintf("argument %d: %v", i, err)}
		}
	}
	return nil
}

type valueValidator struct {
	method string
	t      reflect.Type
}

func (v *valueValidator) Validate(raw json.RawMessage) error {
	val, err := strictDecode(raw, v.t)
	if err != nil {
		return &ValidationError{Method: v.method, Detail: fmt.Sprintf("result: %v", err)}
	}
	if err := validateStructTags(val); err != nil {
		return &ValidationError{Method: v.method, Detail: fmt.Sprintf("result: %v", err)}
	}
	return nil
}

// callbackValidator implements downcall.Validator for the callback
// declared in one method signature.
type callbackValidator struct {
	method string
	cb     callbackInfo
}

func (v *callbackValidator) ValidateArgs(args []json.RawMessage, trim bool) error {
	if len(args) != len(v.cb.argTypes) {
		return fmt.Errorf("got %d arguments, want %d", len(args), len(v.cb.argTypes))
	}
	for i, at := range v.cb.argTypes {
		if trim {
			// Lenient decode then re-marshal drops unknown properties.
			pv := reflect.New(at)
			if err := json.Unmarshal(args[i], pv.Interface()); err != nil {
				return fmt.Errorf("argument %d: %v", i, err)
			}
			trimmed, err := json.Marshal(pv.Elem().Interface())
			if err != nil {
				return fmt.Errorf("argument %d: %v", i, err)
			}
			args[i] = trimmed
			if err := validateStructTags(pv.Elem()); err != nil {
				return fmt.Errorf("argument %d: %v", i, err)
			}
			continue
		}
		val, err := strictDecode(args[i], at)
		if err != nil {
			return fmt.Errorf("argument %d: %v", i, err)
		}
		if err := validateStructTags(val); err != nil {
			return fmt.Errorf("argument %d: %v", i, err)
		}
	}
	return nil
}

func (v *callbackValidator) ValidateResult(raw json.RawMessage) error {
	if v.cb.resultType == nil {
		return nil
	}
	if len(raw) == 0 {
		return fmt.Errorf("declared result missing")
	}
	val, err := strictDecode(raw, v.cb.resultType)
	if err != nil {
		return fmt.Errorf("result: %v", err)
	}
	if err := validateStructTags(val); err != nil {
		return fmt.Errorf("result: %v", err)
	}
	return nil
}

func (v *callbackValidator) ResultDeclared() bool { return v.cb.resultType != nil }

// strictDecode rejects unknown object properties.
func strictDecode(raw json.RawMessage, t reflect.Type) (reflect.Value, error) {
	pv := reflect.New(t)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(pv.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return pv.Elem(), nil
}

// validateStructTags runs go-playground/validator over struct values so
// `validate:"..."` tags on exposed types are enforced at the boundary.
func validateStructTags(v reflect.Value) error {
	t := v.Type()
	for t.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	return structValidate.Struct(v.Interface())
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}
