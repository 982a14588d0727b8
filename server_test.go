package restfuncs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bogeeee/restfuncs-go/internal/wire"
)

type greeter struct{}

func (g *greeter) Greet(ctx context.Context, name string) (string, error) {
	return "Hello " + name, nil
}

func (g *greeter) Login(ctx context.Context, sess *Session, user string) error {
	return sess.Set("user", json.RawMessage(fmt.Sprintf("%q", user)))
}

func (g *greeter) WhoAmI(ctx context.Context, sess *Session) (string, error) {
	raw, err := sess.Get("user")
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "nobody", nil
	}
	var user string
	if err := json.Unmarshal(raw, &user); err != nil {
		return "", err
	}
	return user, nil
}

func (g *greeter) Logout(ctx context.Context, sess *Session) error {
	return sess.Destroy()
}

func newTestServer(t *testing.T, opts ServiceOptions) (*Server, *httptest.Server, *http.Client) {
	t.Helper()
	srv, err := NewServer()
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.RegisterService("greeter", &greeter{}, opts); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return srv, ts, &http.Client{Jar: jar}
}

func postCall(t *testing.T, client *http.Client, baseURL, service, method string, args []any, headers map[string]string) *http.Response {
	t.Helper()
	body, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, baseURL+"/call/"+service+"/"+method, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestHTTPMethodCall(t *testing.T) {
	_, ts, client := newTestServer(t, ServiceOptions{})
	resp := postCall(t, client, ts.URL, "greeter", "greet", []any{"Bob"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := decodeBody[string](t, resp); got != "Hello Bob" {
		t.Fatalf("result = %q", got)
	}
}

func TestHTTPGetOnSafeMethod(t *testing.T) {
	_, ts, client := newTestServer(t, ServiceOptions{SafeMethods: []string{"greet"}})
	resp, err := client.Get(ts.URL + `/call/greeter/greet?args=["Eve"]`)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := decodeBody[string](t, resp); got != "Hello Eve" {
		t.Fatalf("result = %q", got)
	}
}

func TestHTTPCrossOriginGetOnUnsafeMethodDenied(t *testing.T) {
	_, ts, client := newTestServer(t, ServiceOptions{})
	req, err := http.NewRequest(http.MethodGet, ts.URL+`/call/greeter/greet?args=["Eve"]`, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", "https://evil.example")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-origin GET on unsafe method: status = %d, want 403", resp.StatusCode)
	}
}

func TestHTTPUnknownServiceAndMethod(t *testing.T) {
	_, ts, client := newTestServer(t, ServiceOptions{})
	resp := postCall(t, client, ts.URL, "nope", "greet", []any{"x"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown service: status = %d, want 400", resp.StatusCode)
	}
	resp = postCall(t, client, ts.URL, "greeter", "nope", []any{"x"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown method: status = %d, want 400", resp.StatusCode)
	}
}

func TestHTTPArgumentValidation(t *testing.T) {
	_, ts, client := newTestServer(t, ServiceOptions{})
	resp := postCall(t, client, ts.URL, "greeter", "greet", []any{1, 2, 3}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("wrong argument count: status = %d, want 400", resp.StatusCode)
	}
	errResp := decodeBody[map[string]*wire.ErrorInfo](t, resp)
	if errResp["error"] == nil || errResp["error"].Kind != KindRemoteValidationFailed {
		t.Fatalf("error = %+v, want RemoteValidationFailed", errResp)
	}
}

func TestHTTPSessionRoundtrip(t *testing.T) {
	_, ts, client := newTestServer(t, ServiceOptions{})

	if got := decodeBody[string](t, postCall(t, client, ts.URL, "greeter", "whoAmI", []any{}, nil)); got != "nobody" {
		t.Fatalf("before login: %q", got)
	}

	resp := postCall(t, client, ts.URL, "greeter", "login", []any{"alice"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}

	if got := decodeBody[string](t, postCall(t, client, ts.URL, "greeter", "whoAmI", []any{}, nil)); got != "alice" {
		t.Fatalf("after login: %q", got)
	}

	resp = postCall(t, client, ts.URL, "greeter", "logout", []any{}, nil)
	resp.Body.Close()
	if got := decodeBody[string](t, postCall(t, client, ts.URL, "greeter", "whoAmI", []any{}, nil)); got != "nobody" {
		t.Fatalf("after logout: %q", got)
	}
}

func TestCsrfTokenModeOverHTTP(t *testing.T) {
	_, ts, client := newTestServer(t, ServiceOptions{CSRFProtectionMode: CSRFModeCsrfToken})

	resp := postCall(t, client, ts.URL, "greeter", "greet", []any{"Bob"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("tokenless call in csrfToken mode: status = %d, want 403", resp.StatusCode)
	}

	tokResp, err := client.Get(ts.URL + "/control/getCsrfToken/greeter")
	if err != nil {
		t.Fatal(err)
	}
	tok := decodeBody[map[string]string](t, tokResp)["token"]
	if tok == "" {
		t.Fatalf("getCsrfToken returned no token")
	}

	resp = postCall(t, client, ts.URL, "greeter", "greet", []any{"Bob"}, map[string]string{"csrfToken": tok})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("call with csrfToken: status = %d", resp.StatusCode)
	}
	if got := decodeBody[string](t, resp); got != "Hello Bob" {
		t.Fatalf("result = %q", got)
	}

	// A wrong token fails again.
	resp = postCall(t, client, ts.URL, "greeter", "greet", []any{"Bob"}, map[string]string{"csrfToken": "forged"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("forged csrfToken: status = %d, want 403", resp.StatusCode)
	}
}

func TestSessionValidityStore(t *testing.T) {
	store := NewMemorySessionValidityStore()
	srv, err := NewServer(WithSessionValidityStore(store))
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.RegisterService("greeter", &greeter{}, ServiceOptions{}); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar}

	resp := postCall(t, client, ts.URL, "greeter", "login", []any{"alice"}, nil)
	resp.Body.Close()

	// Find the session id through the server's own cookie reader.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	for _, c := range jar.Cookies(req.URL) {
		req.AddCookie(c)
	}
	sess := srv.readSessionCookie(req)
	if sess == nil {
		t.Fatalf("no session cookie after login")
	}
	if err := store.Invalidate(context.Background(), sess.ID, time.Hour); err != nil {
		t.Fatal(err)
	}

	if got := decodeBody[string](t, postCall(t, client, ts.URL, "greeter", "whoAmI", []any{}, nil)); got != "nobody" {
		t.Fatalf("invalidated session still resolves to %q", got)
	}
}

func TestSchemaEndpoint(t *testing.T) {
	_, ts, client := newTestServer(t, ServiceOptions{})
	resp, err := client.Get(ts.URL + "/control/schema/greeter")
	if err != nil {
		t.Fatal(err)
	}
	schemas := decodeBody[map[string]any](t, resp)
	for _, m := range []string{"greet", "login", "whoAmI", "logout"} {
		if schemas[m] == nil {
			t.Fatalf("no schema for %s; got %v", m, schemas)
		}
	}
}

// --- socket transport ---

type socketClient struct {
	t      *testing.T
	ws     *websocket.Conn
	http   *http.Client
	base   string
	seq    int64
	callID int64
}

func dialSocket(t *testing.T, ts *httptest.Server, client *http.Client) *socketClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ws.Close() })
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return &socketClient{t: t, ws: ws, http: client, base: ts.URL}
}

type serverMsg struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (c *socketClient) read() serverMsg {
	c.t.Helper()
	var msg serverMsg
	if err := c.ws.ReadJSON(&msg); err != nil {
		c.t.Fatal(err)
	}
	return msg
}

func (c *socketClient) sendEnvelope(msgType string, payload any) {
	c.t.Helper()
	c.seq++
	if err := c.ws.WriteJSON(map[string]any{
		"type":           msgType,
		"sequenceNumber": c.seq,
		"payload":        payload,
	}); err != nil {
		c.t.Fatal(err)
	}
}

// control POSTs a sealed token to a control endpoint and decodes the
// response into out.
func (c *socketClient) control(path string, tok wire.EncryptedToken, out any) {
	c.t.Helper()
	body, err := json.Marshal(tok)
	if err != nil {
		c.t.Fatal(err)
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(body))
	if err != nil {
		c.t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("POST %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.t.Fatal(err)
	}
}

// handshake performs the init/session/properties dance until method calls
// are admissible.
func (c *socketClient) handshake(service string) {
	c.t.Helper()
	init := c.read()
	if init.Type != wire.TypeInit {
		c.t.Fatalf("first message = %q, want init", init.Type)
	}
	var initPayload wire.Init
	if err := json.Unmarshal(init.Payload, &initPayload); err != nil {
		c.t.Fatal(err)
	}

	var sessionToken wire.EncryptedToken
	c.control("/control/getCookieSession", initPayload.CookieSessionRequest, &sessionToken)
	c.sendEnvelope(wire.TypeSetCookieSession, sessionToken)

	// First call is answered with a properties question.
	res := c.call(service, "greet", []any{"probe"})
	if res.Status != wire.StatusNeedsHTTPSecurityProperties {
		c.t.Fatalf("pre-handshake call status = %q, want needsHttpSecurityProperties", res.Status)
	}
	var propsToken wire.EncryptedToken
	c.control("/control/getHttpSecurityProperties", *res.NeedsHTTPSecurityProperties, &propsToken)
	c.sendEnvelope(wire.TypeUpdateHTTPSecurityProperties, propsToken)
}

func (c *socketClient) call(service, method string, args []any) *wire.MethodCallResult {
	c.t.Helper()
	c.callID++
	rawArgs := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			c.t.Fatal(err)
		}
		rawArgs = append(rawArgs, b)
	}
	c.sendEnvelope(wire.TypeMethodCall, wire.MethodCall{
		CallID:         c.callID,
		ExposedClassID: service,
		MethodName:     method,
		Args:           rawArgs,
	})
	for {
		msg := c.read()
		if msg.Type != wire.TypeMethodCallResult {
			continue
		}
		var res wire.MethodCallResult
		if err := json.Unmarshal(msg.Payload, &res); err != nil {
			c.t.Fatal(err)
		}
		if res.CallID == c.callID {
			return &res
		}
	}
}

func TestSocketCallAfterHandshake(t *testing.T) {
	_, ts, client := newTestServer(t, ServiceOptions{})
	sc := dialSocket(t, ts, client)
	sc.handshake("greeter")

	res := sc.call("greeter", "greet", []any{"Carol"})
	if res.Status != wire.StatusOK {
		t.Fatalf("status = %q (%+v)", res.Status, res.Error)
	}
	var got string
	if err := json.Unmarshal(res.Result, &got); err != nil {
		t.Fatal(err)
	}
	if got != "Hello Carol" {
		t.Fatalf("result = %q", got)
	}
}

func TestSocketSessionWriteSyncsOverHTTP(t *testing.T) {
	_, ts, client := newTestServer(t, ServiceOptions{})
	sc := dialSocket(t, ts, client)
	sc.handshake("greeter")

	// A session-writing call hands back a sealed update to replay over
	// HTTP; the socket refuses further calls until the confirmed session
	// is installed.
	res := sc.call("greeter", "login", []any{"alice"})
	if res.Status != wire.StatusDoCookieSessionUpdate {
		t.Fatalf("login status = %q, want doCookieSessionUpdate (%+v)", res.Status, res.Error)
	}
	if res.DoCookieSessionUpdate == nil {
		t.Fatalf("no sealed update attached")
	}

	dropped := sc.call("greeter", "whoAmI", []any{})
	if dropped.Status != wire.StatusDroppedCookieSessionIsOutdated {
		t.Fatalf("call on outdated session: status = %q, want dropped_CookieSessionIsOutdated", dropped.Status)
	}

	var confirmed wire.EncryptedToken
	sc.control("/control/updateCookieSession", *res.DoCookieSessionUpdate, &confirmed)
	sc.sendEnvelope(wire.TypeSetCookieSession, confirmed)

	who := sc.call("greeter", "whoAmI", []any{})
	if who.Status != wire.StatusOK {
		t.Fatalf("whoAmI after session sync: %q (%+v)", who.Status, who.Error)
	}
	var user string
	if err := json.Unmarshal(who.Result, &user); err != nil {
		t.Fatal(err)
	}
	if user != "alice" {
		t.Fatalf("socket sees user %q after HTTP replay, want alice", user)
	}

	// The HTTP transport sees the same session.
	if got := decodeBody[string](t, postCall(t, client, ts.URL, "greeter", "whoAmI", []any{}, nil)); got != "alice" {
		t.Fatalf("HTTP sees user %q, want alice", got)
	}
}

func TestSocketLogoutSyncsOverHTTP(t *testing.T) {
	_, ts, client := newTestServer(t, ServiceOptions{})
	sc := dialSocket(t, ts, client)
	sc.handshake("greeter")

	login := sc.call("greeter", "login", []any{"alice"})
	if login.Status != wire.StatusDoCookieSessionUpdate {
		t.Fatalf("login status = %q (%+v)", login.Status, login.Error)
	}
	var confirmed wire.EncryptedToken
	sc.control("/control/updateCookieSession", *login.DoCookieSessionUpdate, &confirmed)
	sc.sendEnvelope(wire.TypeSetCookieSession, confirmed)

	// Destroying the session is a session write like any other: the
	// socket hands back a sealed update, refuses calls until the client
	// replayed it over HTTP, and the replay deletes the cookie.
	logout := sc.call("greeter", "logout", []any{})
	if logout.Status != wire.StatusDoCookieSessionUpdate {
		t.Fatalf("logout status = %q, want doCookieSessionUpdate (%+v)", logout.Status, logout.Error)
	}
	dropped := sc.call("greeter", "whoAmI", []any{})
	if dropped.Status != wire.StatusDroppedCookieSessionIsOutdated {
		t.Fatalf("call between logout and replay: status = %q", dropped.Status)
	}
	sc.control("/control/updateCookieSession", *logout.DoCookieSessionUpdate, &confirmed)
	sc.sendEnvelope(wire.TypeSetCookieSession, confirmed)

	who := sc.call("greeter", "whoAmI", []any{})
	if who.Status != wire.StatusOK {
		t.Fatalf("whoAmI after logout replay: %q (%+v)", who.Status, who.Error)
	}
	var user string
	if err := json.Unmarshal(who.Result, &user); err != nil {
		t.Fatal(err)
	}
	if user != "nobody" {
		t.Fatalf("socket still sees %q after logout", user)
	}
	if got := decodeBody[string](t, postCall(t, client, ts.URL, "greeter", "whoAmI", []any{}, nil)); got != "nobody" {
		t.Fatalf("HTTP still sees %q after logout", got)
	}

	// A fresh login over the same connection starts a new session.
	again := sc.call("greeter", "login", []any{"bob"})
	if again.Status != wire.StatusDoCookieSessionUpdate {
		t.Fatalf("re-login status = %q (%+v)", again.Status, again.Error)
	}
	sc.control("/control/updateCookieSession", *again.DoCookieSessionUpdate, &confirmed)
	sc.sendEnvelope(wire.TypeSetCookieSession, confirmed)
	who = sc.call("greeter", "whoAmI", []any{})
	if who.Status != wire.StatusOK {
		t.Fatalf("whoAmI after re-login: %q (%+v)", who.Status, who.Error)
	}
	if err := json.Unmarshal(who.Result, &user); err != nil {
		t.Fatal(err)
	}
	if user != "bob" {
		t.Fatalf("socket sees %q after re-login, want bob", user)
	}
}

func TestSocketMalformedMessageKeepsConnection(t *testing.T) {
	_, ts, client := newTestServer(t, ServiceOptions{})
	sc := dialSocket(t, ts, client)
	sc.handshake("greeter")

	if err := sc.ws.WriteMessage(websocket.TextMessage, []byte("garbage")); err != nil {
		t.Fatal(err)
	}
	// The terse error reply is a bare text line.
	_, data, err := sc.ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "[Error]") {
		t.Fatalf("reply to malformed message = %q", data)
	}

	res := sc.call("greeter", "greet", []any{"Dan"})
	if res.Status != wire.StatusOK {
		t.Fatalf("connection unusable after malformed message: %q", res.Status)
	}
}

func TestRegisterServiceTwiceFails(t *testing.T) {
	srv, err := NewServer()
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.RegisterService("greeter", &greeter{}, ServiceOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := srv.RegisterService("greeter", &greeter{}, ServiceOptions{}); err == nil {
		t.Fatalf("duplicate registration accepted")
	}
}
