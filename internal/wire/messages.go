// Package wire defines the socket message envelopes exchanged between a
// browser client and the server, plus the statuses a method call result
// can carry. Any structured encoding could carry these; JSON is used here.
package wire

import (
	"encoding/json"
	"fmt"
)

// Client→server message types.
const (
	TypeMethodCall                   = "methodCall"
	TypeMethodDownCallResult         = "methodDownCallResult"
	TypeUpdateHTTPSecurityProperties = "updateHttpSecurityProperties"
	TypeSetCookieSession             = "setCookieSession"
	TypeGetVersion                   = "getVersion"
)

// Server→client message types.
const (
	TypeInit                      = "init"
	TypeMethodCallResult          = "methodCallResult"
	TypeDownCall                  = "downCall"
	TypeChannelItemNotUsedAnymore = "channelItemNotUsedAnymore"
)

// Statuses carried by a MethodCallResult.
const (
	StatusOK                             = "ok"
	StatusError                          = "error"
	StatusNeedsHTTPSecurityProperties    = "needsHttpSecurityProperties"
	StatusNeedsInitializedCookieSession  = "needsInitializedCookieSession"
	StatusDoCookieSessionUpdate          = "doCookieSessionUpdate"
	StatusDroppedCookieSessionIsOutdated = "dropped_CookieSessionIsOutdated"
)

// ClientEnvelope is any message received from the client. SequenceNumber
// is client-assigned, monotonically increasing per connection; it is
// recorded for not-used-anymore bookkeeping but never reorders processing.
type ClientEnvelope struct {
	Type           string          `json:"type"`
	SequenceNumber int64           `json:"sequenceNumber"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// UnmarshalJSON enforces envelope structure up front so handlers only see
// well-formed messages.
func (e *ClientEnvelope) UnmarshalJSON(data []byte) error {
	type raw ClientEnvelope
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	switch r.Type {
	case TypeMethodCall, TypeMethodDownCallResult, TypeUpdateHTTPSecurityProperties, TypeSetCookieSession, TypeGetVersion:
	case "":
		return fmt.Errorf("missing message type")
	default:
		return fmt.Errorf("unknown message type: %q", r.Type)
	}
	if r.SequenceNumber < 0 {
		return fmt.Errorf("negative sequence number: %d", r.SequenceNumber)
	}
	switch r.Type {
	case TypeGetVersion:
		// No payload required.
	default:
		if len(r.Payload) == 0 {
			return fmt.Errorf("message type %q requires a payload", r.Type)
		}
	}
	*e = ClientEnvelope(r)
	return nil
}

// ServerEnvelope is any message sent to the client.
type ServerEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// MethodCall asks the server to invoke a service method.
type MethodCall struct {
	CallID         int64             `json:"callId"`
	MethodName     string            `json:"methodName"`
	ExposedClassID string            `json:"exposedClassId"`
	Args           []json.RawMessage `json:"args"`
}

// MethodDownCallResult is the client's answer to a DownCall.
type MethodDownCallResult struct {
	CallID int64           `json:"callId"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// MethodCallResult reports the outcome of a MethodCall. Exactly one of
// Result/Error is meaningful when Status is ok/error; the remaining
// fields carry follow-up instructions for the other statuses.
type MethodCallResult struct {
	CallID int64           `json:"callId"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`

	// NeedsHTTPSecurityProperties holds a sealed question the client must
	// answer through the HTTP transport, then retry the call.
	NeedsHTTPSecurityProperties *EncryptedToken `json:"needsHttpSecurityProperties,omitempty"`
	// NeedsInitializedCookieSession holds a sealed session question; the
	// client fetches the session over HTTP, installs it, then retries.
	NeedsInitializedCookieSession *EncryptedToken `json:"needsInitializedCookieSession,omitempty"`
	// DoCookieSessionUpdate holds a sealed update instruction the client
	// must replay through the HTTP transport so the authoritative cookie
	// store is updated.
	DoCookieSessionUpdate *EncryptedToken `json:"doCookieSessionUpdate,omitempty"`
}

// ErrorInfo is the structured error surface exposed to clients: kind plus
// message, with internals concealed unless the server is configured
// otherwise.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	// HTTPStatus is set for security denials (403 or 480).
	HTTPStatus int `json:"httpStatus,omitempty"`
}

// Init is sent when a connection opens; it carries the sealed question
// the client answers over HTTP to fetch the current cookie session.
type Init struct {
	CookieSessionRequest EncryptedToken `json:"cookieSessionRequest"`
}

// DownCall asks the client to invoke one of its own callback functions.
type DownCall struct {
	ID                 int64             `json:"id"`
	CallbackFnID       int64             `json:"callbackFnId"`
	Args               []json.RawMessage `json:"args"`
	ServerAwaitsAnswer bool              `json:"serverAwaitsAnswer"`
	ResultIsDeclared   bool              `json:"resultIsDeclared"`
}

// ChannelItemNotUsedAnymore tells the client a callback handle was freed
// (explicitly or by the collector) so it can release its own resources.
// Time echoes the newest client sequence number the server had seen at
// the moment of the release, so the client can tell whether a later
// re-registration of the id was visible to the server.
type ChannelItemNotUsedAnymore struct {
	ID   int64 `json:"id"`
	Time int64 `json:"time"`
}

// EncryptedToken is an authenticated-encrypted box only the server can
// open. KeyIndex selects the server keyring entry; the ciphertext is
// tagged with a content-type string so a token sealed for one purpose
// cannot be replayed as another.
type EncryptedToken struct {
	KeyIndex   int    `json:"keyIndex"`
	Ciphertext string `json:"ciphertext"`
}
