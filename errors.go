package restfuncs

import (
	"errors"

	"github.com/bogeeee/restfuncs-go/internal/cookiesession"
	"github.com/bogeeee/restfuncs-go/internal/downcall"
	"github.com/bogeeee/restfuncs-go/internal/metadata"
	"github.com/bogeeee/restfuncs-go/internal/security"
	"github.com/bogeeee/restfuncs-go/internal/wire"
)

// Error kinds reported to clients. Everything is recoverable at the
// connection level: an error terminates the offending call only.
const (
	KindProtocolError          = "ProtocolError"
	KindSecurityDenied         = "SecurityDenied"
	KindSessionConflict        = "SessionConflict"
	KindResourceExhausted      = "ResourceExhausted"
	KindRemoteValidationFailed = "RemoteValidationFailed"
	KindClosedConnection       = "ClosedConnection"
	KindServerError            = "ServerError"
)

var (
	errUnknownService = errors.New("unknown service")
	errUnknownMethod  = errors.New("unknown method")
	errBadRequest     = errors.New("bad request")
)

// errorToInfo classifies err and applies the concealment policy: kind and
// message are always structured; internals of uncategorized errors are
// hidden unless the server exposes them.
func (s *Server) errorToInfo(err error) *wire.ErrorInfo {
	var secErr *security.DeniedError
	if errors.As(err, &secErr) {
		return &wire.ErrorInfo{Kind: KindSecurityDenied, Message: secErr.Error(), HTTPStatus: secErr.Status}
	}
	var conflict *cookiesession.ConflictError
	if errors.As(err, &conflict) {
		return &wire.ErrorInfo{Kind: KindSessionConflict, Message: conflict.Message}
	}
	var mv *metadata.ValidationError
	if errors.As(err, &mv) {
		return &wire.ErrorInfo{Kind: KindRemoteValidationFailed, Message: mv.Error()}
	}
	var dv *downcall.ValidationError
	if errors.As(err, &dv) {
		return &wire.ErrorInfo{Kind: KindRemoteValidationFailed, Message: dv.Error()}
	}
	switch {
	case errors.Is(err, downcall.ErrTooManyCallbacks), errors.Is(err, downcall.ErrTooManyDownCalls):
		return &wire.ErrorInfo{Kind: KindResourceExhausted, Message: err.Error()}
	case errors.Is(err, downcall.ErrClosedConnection):
		return &wire.ErrorInfo{Kind: KindClosedConnection, Message: err.Error()}
	case errors.Is(err, errUnknownService), errors.Is(err, errUnknownMethod), errors.Is(err, errBadRequest):
		return &wire.ErrorInfo{Kind: KindProtocolError, Message: err.Error()}
	}
	if s.exposeErrors {
		return &wire.ErrorInfo{Kind: KindServerError, Message: err.Error()}
	}
	return &wire.ErrorInfo{Kind: KindServerError, Message: "internal server error"}
}
