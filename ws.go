package restfuncs

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/bogeeee/restfuncs-go/internal/connection"
	"github.com/bogeeee/restfuncs-go/internal/logctx"
	"github.com/bogeeee/restfuncs-go/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin upgrades are admitted here on purpose: the upgrade
	// grants nothing by itself. Admissibility is decided per call by the
	// security engine, against properties proven over HTTP.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer ws.Close()

	var writeMu sync.Mutex
	send := func(env *wire.ServerEnvelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return ws.WriteJSON(env)
	}
	text := func(line string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = ws.WriteMessage(websocket.TextMessage, []byte(line))
	}

	conn := connection.New(s.connHooks(), connection.Config{
		MaxOutstandingDownCalls: s.maxOutstandingDownCalls,
		MaxCallbacks:            s.maxCallbacks,
		Logger:                  s.log,
	}, send, text)
	defer conn.Close(nil)

	ctx := logctx.WithConnData(r.Context(), &logctx.ConnData{ConnID: conn.ID(), RemoteAddr: r.RemoteAddr})
	if err := conn.Open(ctx); err != nil {
		s.log.Warn("connection open failed", "err", err)
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			conn.Close(err)
			return
		}
		conn.HandleMessage(ctx, data)
	}
}
