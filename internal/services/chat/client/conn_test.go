package client

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"golang.org/x/net/websocket"
)

// newWSTestURL serves a websocket handler on the chat route and returns the
// ws:// base URL.
func newWSTestURL(t *testing.T, handler websocket.Handler) string {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/chat/{room}/{$}", func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReconnectDelaySchedule(t *testing.T) {
	base := time.Second
	max := 30 * time.Second
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for attempt, wantDelay := range want {
		if got := reconnectDelay(attempt, base, max); got != wantDelay {
			t.Fatalf("reconnectDelay(%d) = %v, want %v", attempt, got, wantDelay)
		}
	}
	if got := reconnectDelay(5, base, max); got != max {
		t.Fatalf("reconnectDelay(5) = %v, want capped at %v", got, max)
	}
	if got := reconnectDelay(80, base, max); got != max {
		t.Fatalf("reconnectDelay(80) = %v, want capped at %v after overflow", got, max)
	}
}

func TestClassifyClose(t *testing.T) {
	cases := []struct {
		name         string
		err          error
		wantCode     int
		wantTerminal bool
	}{
		{"normal closure", &gws.CloseError{Code: CloseNormal}, CloseNormal, true},
		{"token expired", &gws.CloseError{Code: CloseTokenExpired}, CloseTokenExpired, true},
		{"forbidden", &gws.CloseError{Code: CloseForbidden}, CloseForbidden, true},
		{"room not found", &gws.CloseError{Code: CloseRoomNotFound}, CloseRoomNotFound, false},
		{"abnormal closure", &gws.CloseError{Code: gws.CloseAbnormalClosure}, gws.CloseAbnormalClosure, false},
		{"transport error", errors.New("read tcp: connection reset"), gws.CloseAbnormalClosure, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, terminal := classifyClose(tc.err)
			if code != tc.wantCode || terminal != tc.wantTerminal {
				t.Fatalf("classifyClose() = (%d, %v), want (%d, %v)", code, terminal, tc.wantCode, tc.wantTerminal)
			}
		})
	}
}

func TestNewConnValidation(t *testing.T) {
	if _, err := NewConn(ConnConfig{Store: NewStore()}); err == nil {
		t.Fatal("NewConn accepted an empty URL")
	}
	if _, err := NewConn(ConnConfig{URL: "ws://example.test/ws/chat/r/"}); err == nil {
		t.Fatal("NewConn accepted a nil store")
	}
}

func TestConnectHydratesHistory(t *testing.T) {
	handler := websocket.Handler(func(ws *websocket.Conn) {
		_ = websocket.JSON.Send(ws, map[string]any{
			"type": "message_history",
			"messages": []map[string]any{
				{"id": "msg-1", "content": "hi"},
				{"id": "msg-2", "content": "hello"},
			},
		})
		_, _ = io.Copy(io.Discard, ws)
	})
	base := newWSTestURL(t, handler)

	store := NewStore()
	conn, err := NewConn(ConnConfig{URL: base + "/ws/chat/room-1/?token=tok", Store: store})
	if err != nil {
		t.Fatalf("NewConn() error = %v", err)
	}
	t.Cleanup(conn.Disconnect)
	conn.Connect()

	waitFor(t, "history hydration", func() bool {
		return store.Status() == StatusConnected && len(store.Messages()) == 2
	})
	if messages := store.Messages(); messages[0].ID != "msg-1" || messages[1].ID != "msg-2" {
		t.Fatalf("messages = %v, want history order preserved", messages)
	}
}

func TestTerminalCloseStopsRetrying(t *testing.T) {
	var dials atomic.Int32
	handler := websocket.Handler(func(ws *websocket.Conn) {
		dials.Add(1)
		_ = ws.WriteClose(CloseTokenExpired)
	})
	base := newWSTestURL(t, handler)

	var gotCode atomic.Int32
	store := NewStore()
	conn, err := NewConn(ConnConfig{
		URL:            base + "/ws/chat/room-1/?token=expired",
		Store:          store,
		OnDisconnect:   func(code int) { gotCode.Store(int32(code)) },
		BaseRetryDelay: 10 * time.Millisecond,
		MaxRetryDelay:  50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewConn() error = %v", err)
	}
	t.Cleanup(conn.Disconnect)
	conn.Connect()

	waitFor(t, "terminal disconnect", func() bool {
		return store.Status() == StatusDisconnected
	})
	if got := gotCode.Load(); got != CloseTokenExpired {
		t.Fatalf("disconnect code = %d, want %d", got, CloseTokenExpired)
	}

	// No reconnect may fire after a terminal close.
	time.Sleep(150 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Fatalf("dial count = %d, want 1", got)
	}
}

func TestTransientCloseSchedulesRetry(t *testing.T) {
	var dials atomic.Int32
	handler := websocket.Handler(func(ws *websocket.Conn) {
		dials.Add(1)
		_ = ws.WriteClose(CloseRoomNotFound)
	})
	base := newWSTestURL(t, handler)

	store := NewStore()
	conn, err := NewConn(ConnConfig{
		URL:            base + "/ws/chat/room-1/?token=tok",
		Store:          store,
		BaseRetryDelay: 10 * time.Millisecond,
		MaxRetryDelay:  40 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewConn() error = %v", err)
	}
	conn.Connect()

	// Every successful open resets the attempt budget, so a server that
	// keeps closing transiently keeps getting redialed.
	waitFor(t, "transient retries", func() bool {
		return dials.Load() >= 3
	})
	conn.Disconnect()
}

func TestHandshakeFailuresExhaustRetryBudget(t *testing.T) {
	var dials atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/chat/{room}/{$}", func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	store := NewStore()
	conn, err := NewConn(ConnConfig{
		URL:                  base + "/ws/chat/room-1/?token=tok",
		Store:                store,
		MaxReconnectAttempts: 3,
		BaseRetryDelay:       10 * time.Millisecond,
		MaxRetryDelay:        40 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewConn() error = %v", err)
	}
	t.Cleanup(conn.Disconnect)
	conn.Connect()

	// One initial dial plus three retries, then the budget is exhausted.
	waitFor(t, "retry budget exhaustion", func() bool {
		return dials.Load() == 4
	})
	time.Sleep(150 * time.Millisecond)
	if got := dials.Load(); got != 4 {
		t.Fatalf("dial count = %d, want 4 after budget exhaustion", got)
	}

	// Once no retry is pending the session rests disconnected, with the
	// last dial error still readable.
	waitFor(t, "rest state", func() bool {
		return store.Status() == StatusDisconnected
	})
	if store.LastError() == "" {
		t.Fatal("last error is empty after exhausted dials")
	}

	// A manual Connect overrides the exhausted budget.
	conn.Connect()
	waitFor(t, "manual reconnect dial", func() bool {
		return dials.Load() >= 5
	})
}

func TestDialFailureReportsError(t *testing.T) {
	var gotErr atomic.Bool
	store := NewStore()
	conn, err := NewConn(ConnConfig{
		// Nothing listens here, so every dial fails outright.
		URL:                  "ws://127.0.0.1:1/ws/chat/room-1/?token=tok",
		Store:                store,
		OnError:              func(error) { gotErr.Store(true) },
		MaxReconnectAttempts: 1,
		BaseRetryDelay:       10 * time.Millisecond,
		DialTimeout:          200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewConn() error = %v", err)
	}
	t.Cleanup(conn.Disconnect)
	conn.Connect()

	waitFor(t, "dial error", func() bool { return gotErr.Load() })
	if store.LastError() == "" {
		t.Fatal("last error is empty after dial failure")
	}
	waitFor(t, "rest state", func() bool {
		return store.Status() == StatusDisconnected
	})
}

func TestDisconnectResetsState(t *testing.T) {
	handler := websocket.Handler(func(ws *websocket.Conn) {
		_ = websocket.JSON.Send(ws, map[string]any{
			"type":     "message_history",
			"messages": []map[string]any{{"id": "msg-1"}},
		})
		_, _ = io.Copy(io.Discard, ws)
	})
	base := newWSTestURL(t, handler)

	store := NewStore()
	conn, err := NewConn(ConnConfig{URL: base + "/ws/chat/room-1/?token=tok", Store: store})
	if err != nil {
		t.Fatalf("NewConn() error = %v", err)
	}
	conn.Connect()
	waitFor(t, "connection", func() bool { return conn.Connected() })

	conn.Disconnect()
	conn.Disconnect() // repeat teardown must be safe

	if conn.Connected() {
		t.Fatal("Connected() = true after Disconnect")
	}
	if store.Status() != StatusDisconnected {
		t.Fatalf("status = %q, want %q", store.Status(), StatusDisconnected)
	}
	if got := len(store.Messages()); got != 0 {
		t.Fatalf("messages after disconnect = %d, want 0", got)
	}
}

func TestDisconnectWinsRetryTimerRace(t *testing.T) {
	store := NewStore()
	conn, err := NewConn(ConnConfig{
		URL:            "ws://127.0.0.1:1/ws/chat/room-1/?token=tok",
		Store:          store,
		BaseRetryDelay: time.Millisecond,
		MaxRetryDelay:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewConn() error = %v", err)
	}

	// Arm a retry, then hold the mutex past its deadline. The fired
	// callback blocks on the lock while the teardown's locked section
	// completes, the same interleaving as Disconnect racing the timer.
	conn.mu.Lock()
	conn.scheduleReconnectLocked()
	time.Sleep(20 * time.Millisecond)
	conn.closed = true
	conn.stopRetryTimerLocked()
	conn.mu.Unlock()

	// The blocked callback must yield to the teardown instead of dialing.
	time.Sleep(20 * time.Millisecond)
	if store.Status() != StatusDisconnected {
		t.Fatalf("status = %q, want %q after teardown", store.Status(), StatusDisconnected)
	}
	if conn.Connected() {
		t.Fatal("Connected() = true after teardown")
	}
}

func TestSendWithoutSocketDropsFrame(t *testing.T) {
	store := NewStore()
	conn, err := NewConn(ConnConfig{URL: "ws://example.test/ws/chat/room-1/", Store: store})
	if err != nil {
		t.Fatalf("NewConn() error = %v", err)
	}

	conn.Send([]byte(`{"type":"typing","is_typing":true}`))

	if store.Status() != StatusDisconnected {
		t.Fatalf("status = %q, want %q", store.Status(), StatusDisconnected)
	}
}

func TestReadLoopRoutesLiveFrames(t *testing.T) {
	frames := make(chan map[string]any, 4)
	handler := websocket.Handler(func(ws *websocket.Conn) {
		_ = websocket.JSON.Send(ws, map[string]any{
			"type": "message_history",
			"messages": []map[string]any{
				{"id": "msg-1", "sender_id": "tutor-1", "content": "hi"},
			},
		})
		for frame := range frames {
			if err := websocket.JSON.Send(ws, frame); err != nil {
				return
			}
		}
		_, _ = io.Copy(io.Discard, ws)
	})
	base := newWSTestURL(t, handler)

	store := NewStore()
	conn, err := NewConn(ConnConfig{URL: base + "/ws/chat/room-1/?token=tok", Store: store})
	if err != nil {
		t.Fatalf("NewConn() error = %v", err)
	}
	t.Cleanup(conn.Disconnect)
	t.Cleanup(func() { close(frames) })
	conn.Connect()
	waitFor(t, "history", func() bool { return len(store.Messages()) == 1 })

	frames <- map[string]any{"type": "typing", "user_id": "tutor-1", "username": "Tara", "is_typing": true}
	waitFor(t, "typing frame", func() bool { return len(store.TypingUsers()) == 1 })

	// Unknown frames are dropped without disturbing the stream.
	frames <- map[string]any{"type": "presence", "status": "away"}
	frames <- map[string]any{"type": "read", "message_id": "msg-1", "reader_id": "student-1"}
	waitFor(t, "read frame", func() bool {
		messages := store.Messages()
		return len(messages) == 1 && messages[0].IsRead
	})

	frames <- map[string]any{"type": "message", "message": map[string]any{
		"id": "msg-2", "sender_id": "student-1", "content": "hello",
	}}
	waitFor(t, "message frame", func() bool { return len(store.Messages()) == 2 })
}
