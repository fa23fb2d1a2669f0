package viewsync

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockServer is an httptest-hosted websocket endpoint for exercising the
// client side of the protocol. Upgraded connections are announced on the
// connected channel and everything the client sends arrives on received.
type mockServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   []*websocket.Conn
	rejects int

	connected chan *websocket.Conn
	received  chan []byte
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()
	m := &mockServer{
		t:         t,
		connected: make(chan *websocket.Conn, 8),
		received:  make(chan []byte, 64),
	}
	m.srv = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.Close)
	return m
}

func (m *mockServer) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	if m.rejects > 0 {
		m.rejects--
		m.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	m.mu.Unlock()

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.conns = append(m.conns, ws)
	m.mu.Unlock()
	m.connected <- ws

	go func() {
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			select {
			case m.received <- raw:
			default:
			}
		}
	}()
}

func (m *mockServer) url() string {
	return "ws" + strings.TrimPrefix(m.srv.URL, "http")
}

// rejectNext makes the next n upgrade requests fail with a 503.
func (m *mockServer) rejectNext(n int) {
	m.mu.Lock()
	m.rejects = n
	m.mu.Unlock()
}

// waitConn blocks until a client connection is established.
func (m *mockServer) waitConn() *websocket.Conn {
	m.t.Helper()
	select {
	case ws := <-m.connected:
		return ws
	case <-time.After(5 * time.Second):
		m.t.Fatal("no client connection arrived")
		return nil
	}
}

// waitMessage blocks until the client has sent a message.
func (m *mockServer) waitMessage() []byte {
	m.t.Helper()
	select {
	case raw := <-m.received:
		return raw
	case <-time.After(5 * time.Second):
		m.t.Fatal("no client message arrived")
		return nil
	}
}

// send writes a text message to ws.
func (m *mockServer) send(ws *websocket.Conn, payload string) {
	m.t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		m.t.Fatalf("server send failed: %v", err)
	}
}

func (m *mockServer) Close() {
	m.mu.Lock()
	for _, ws := range m.conns {
		ws.Close()
	}
	m.conns = nil
	m.mu.Unlock()
	m.srv.Close()
}

// fastSchedule is a millisecond backoff schedule for tests.
func fastSchedule(n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = 5 * time.Millisecond
	}
	return out
}
