package restfuncs

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/bogeeee/restfuncs-go/internal/connection"
	"github.com/bogeeee/restfuncs-go/internal/cookiesession"
	"github.com/bogeeee/restfuncs-go/internal/logctx"
	"github.com/bogeeee/restfuncs-go/internal/security"
	"github.com/bogeeee/restfuncs-go/internal/wire"
)

// Handler returns the server's HTTP surface:
//
//	POST/GET /call/:service/:method   invoke a method
//	POST /control/getCookieSession    answer a sealed session question
//	POST /control/updateCookieSession replay a sealed session update
//	GET  /control/getCorsReadToken/:service
//	GET  /control/getCsrfToken/:service
//	POST /control/getHttpSecurityProperties
//	GET  /control/schema/:service     argument schemas (introspection)
//	GET  /ws                          the socket transport
func (s *Server) Handler() http.Handler {
	r := httprouter.New()
	r.POST("/call/:service/:method", s.handleMethodCall)
	r.GET("/call/:service/:method", s.handleMethodCall)
	r.POST("/control/getCookieSession", s.handleGetCookieSession)
	r.POST("/control/updateCookieSession", s.handleUpdateCookieSession)
	r.GET("/control/getCorsReadToken/:service", s.tokenFetchHandler(security.ModeCorsReadToken))
	r.GET("/control/getCsrfToken/:service", s.tokenFetchHandler(security.ModeCsrfToken))
	r.POST("/control/getHttpSecurityProperties", s.handleGetHTTPSecurityProperties)
	r.GET("/control/schema/:service", s.handleSchema)
	r.GET("/ws", s.handleWebSocket)
	return r
}

// --- session cookie ---

func (s *Server) readSessionCookie(r *http.Request) *cookiesession.Session {
	c, err := r.Cookie(s.cookieName)
	if err != nil || c.Value == "" {
		return nil
	}
	idxStr, ciphertext, ok := strings.Cut(c.Value, ":")
	if !ok {
		return nil
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return nil
	}
	var sess cookiesession.Session
	if err := s.box.Open(ctySessionCookie, wire.EncryptedToken{KeyIndex: idx, Ciphertext: ciphertext}, &sess); err != nil {
		s.log.Debug("unreadable session cookie dropped", "err", err)
		return nil
	}
	return &sess
}

func (s *Server) writeSessionCookie(w http.ResponseWriter, r *http.Request, sess *cookiesession.Session) error {
	cookie := &http.Cookie{
		Name:     s.cookieName,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if r.TLS != nil {
		// Cross-site socket flows need the cookie on cross-origin
		// requests, which browsers only send as SameSite=None; Secure.
		cookie.Secure = true
		cookie.SameSite = http.SameSiteNoneMode
	}
	if !sess.Initialized() || sess.Destroyed {
		cookie.MaxAge = -1
		http.SetCookie(w, cookie)
		return nil
	}
	tok, err := s.box.Seal(ctySessionCookie, sess)
	if err != nil {
		return err
	}
	cookie.Value = fmt.Sprintf("%d:%s", tok.KeyIndex, tok.Ciphertext)
	http.SetCookie(w, cookie)
	return nil
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	info := s.errorToInfo(err)
	status := http.StatusInternalServerError
	switch info.Kind {
	case KindSecurityDenied:
		status = info.HTTPStatus
	case KindRemoteValidationFailed, KindProtocolError:
		status = http.StatusBadRequest
	case KindSessionConflict:
		status = http.StatusConflict
	case KindResourceExhausted:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]any{"error": info})
}

// --- method calls over HTTP ---

func (s *Server) handleMethodCall(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	service := ps.ByName("service")
	method := ps.ByName("method")
	ctx := logctx.WithCallData(r.Context(), &logctx.CallData{Service: service, Method: method, Transport: "http"})

	var args []json.RawMessage
	switch r.Method {
	case http.MethodGet:
		if q := r.URL.Query().Get("args"); q != "" {
			if err := json.Unmarshal([]byte(q), &args); err != nil {
				s.writeError(w, fmt.Errorf("%w: args query parameter: %v", errBadRequest, err))
				return
			}
		}
	default:
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
				s.writeError(w, fmt.Errorf("%w: body must be a JSON array of arguments: %v", errBadRequest, err))
				return
			}
		}
	}

	out := s.execute(ctx, connection.ExecIn{
		Service: service,
		Method:  method,
		Args:    args,
		Session: s.readSessionCookie(r),
		Props:   security.PropertiesFromRequest(r),
		// Callbacks cannot ride on request/response; the invoker rejects
		// methods that declare one.
		Resolve: nil,
	})
	if out.Err != nil {
		s.writeError(w, out.Err)
		return
	}
	if out.UpdatedSession != nil {
		// The HTTP transport is authoritative: persist directly.
		if err := s.writeSessionCookie(w, r, out.UpdatedSession); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if out.Result == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Result)
}

// --- control endpoints ---

func (s *Server) handleGetCookieSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var question wire.EncryptedToken
	if err := json.NewDecoder(r.Body).Decode(&question); err != nil {
		s.writeError(w, fmt.Errorf("%w: body must be the sealed session question: %v", errBadRequest, err))
		return
	}
	var q sessionQuestion
	if err := s.box.Open(ctySessionQuestion, question, &q); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	sess := s.readSessionCookie(r)
	if sess == nil {
		sess = &cookiesession.Session{}
	}
	answer, err := s.sealSessionValue(sess)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (s *Server) handleUpdateCookieSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var tok wire.EncryptedToken
	if err := json.NewDecoder(r.Body).Decode(&tok); err != nil {
		s.writeError(w, fmt.Errorf("%w: body must be the sealed session update: %v", errBadRequest, err))
		return
	}
	var incoming cookiesession.Session
	if err := s.box.Open(ctySessionUpdate, tok, &incoming); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	existing := s.readSessionCookie(r)
	if existing == nil {
		existing = &cookiesession.Session{}
	}

	confirmed := existing
	if err := cookiesession.CheckUpdate(existing, &incoming); err != nil {
		var conflict *cookiesession.ConflictError
		if !errors.As(err, &conflict) || conflict.Kind != cookiesession.ConflictDuplicate {
			// Duplicates are idempotent; everything else is reported.
			s.writeError(w, err)
			return
		}
	} else {
		confirmed = &incoming
		if err := s.writeSessionCookie(w, r, confirmed); err != nil {
			s.writeError(w, err)
			return
		}
	}
	answer, err := s.sealSessionValue(confirmed)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// tokenFetchHandler serves getCorsReadToken / getCsrfToken: it installs
// token material for the service's security group in the session and
// returns the token. For corsReadToken, the caller's ability to read
// this response is itself the proof the mode is after.
func (s *Server) tokenFetchHandler(mode security.CSRFProtectionMode) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		svc, ok := s.service(ps.ByName("service"))
		if !ok {
			s.writeError(w, fmt.Errorf("%w: %q", errUnknownService, ps.ByName("service")))
			return
		}
		if svc.group.Mode != mode {
			s.writeError(w, fmt.Errorf("%w: service enforces csrfProtectionMode %q", errBadRequest, svc.group.Mode))
			return
		}
		sess := s.readSessionCookie(r)
		if sess == nil {
			sess = &cookiesession.Session{}
		}
		next := sess.Clone()
		if next.CSRFProtectionMode == security.ModeUnset {
			next.CSRFProtectionMode = mode
		} else if next.CSRFProtectionMode != mode {
			s.writeError(w, &cookiesession.ConflictError{
				Kind:    cookiesession.ConflictTampering,
				Message: fmt.Sprintf("session was established under csrfProtectionMode %q", next.CSRFProtectionMode),
			})
			return
		}

		tokens := next.CSRFTokens
		if mode == security.ModeCorsReadToken {
			tokens = next.CorsReadTokens
		}
		token, have := tokens[svc.group.ID]
		if !have {
			token = cookiesession.NewToken()
			if tokens == nil {
				tokens = map[string]string{}
			}
			tokens[svc.group.ID] = token
			if mode == security.ModeCorsReadToken {
				next.CorsReadTokens = tokens
			} else {
				next.CSRFTokens = tokens
			}
		}
		if !next.EqualState(sess) {
			next.Advance()
			if err := s.writeSessionCookie(w, r, next); err != nil {
				s.writeError(w, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

func (s *Server) handleGetHTTPSecurityProperties(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var question wire.EncryptedToken
	if err := json.NewDecoder(r.Body).Decode(&question); err != nil {
		s.writeError(w, fmt.Errorf("%w: body must be the sealed properties question: %v", errBadRequest, err))
		return
	}
	var q propsQuestion
	if err := s.box.Open(ctyPropsQuestion, question, &q); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	svc, ok := s.service(q.Service)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %q", errUnknownService, q.Service))
		return
	}

	props := security.PropertiesFromRequest(r)
	if sess := s.readSessionCookie(r); sess != nil && props.CorsReadToken != "" {
		if expected := sess.CorsReadTokens[svc.group.ID]; expected != "" &&
			subtle.ConstantTimeCompare([]byte(expected), []byte(props.CorsReadToken)) == 1 {
			props.ReadWasProven = true
		}
	}
	answer, err := s.box.Seal(ctyProps, propsAnswer{GroupID: svc.group.ID, Props: props})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	svc, ok := s.service(ps.ByName("service"))
	if !ok || svc.schemas == nil {
		http.NotFound(w, r)
		return
	}
	out := make(map[string]any)
	for _, name := range svc.schemas.MethodNames() {
		out[name] = svc.schemas.MethodSchema(name)
	}
	writeJSON(w, http.StatusOK, out)
}
