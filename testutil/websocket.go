package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
)

// WSServer is an in-process websocket endpoint for client tests.
type WSServer struct {
	*httptest.Server
	URL   string // ws:// form of Server.URL
	conns atomic.Int32
}

// Connections returns how many websocket sessions were accepted so far.
func (s *WSServer) Connections() int { return int(s.conns.Load()) }

// NewWSServer upgrades every request and calls fn with the server side of the
// socket and the 1-based connection number. The socket is closed when fn returns.
func NewWSServer(t *testing.T, fn func(ws *websocket.Conn, n int)) *WSServer {
	t.Helper()
	s := &WSServer{}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		fn(ws, int(s.conns.Add(1)))
	}))
	s.URL = "ws" + strings.TrimPrefix(s.Server.URL, "http")
	t.Cleanup(s.Close)
	return s
}

// DrainUntilClosed reads and discards frames until the peer goes away.
func DrainUntilClosed(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
