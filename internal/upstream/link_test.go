package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/tradeproxy/internal/model"
)

// mockUpstreamServer is a minimal stand-in for the upstream socket server:
// it reads decoded frames from the client and lets the test script replies.
func mockUpstreamServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func readWireFrame(conn *websocket.Conn) (wireFrame, error) {
	var wf wireFrame
	_, data, err := conn.ReadMessage()
	if err != nil {
		return wf, err
	}
	err = json.Unmarshal(data, &wf)
	return wf, err
}

func writeFrame(conn *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func TestLinkReachesReadyOnAuthenticated(t *testing.T) {
	server := mockUpstreamServer(t, func(conn *websocket.Conn) {
		if _, err := readWireFrame(conn); err != nil { // authenticate
			return
		}
		_ = writeFrame(conn, Frame{Name: "authenticated", Msg: map[string]any{"ssid": "ok"}})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	var mu sync.Mutex
	var states []State
	link := NewLink(Config{
		URL:               wsURL(server),
		PingInterval:      time.Hour,
		ReconnectAttempts: 1,
		ReconnectDelay:    10 * time.Millisecond,
		DefaultAssetID:    1,
	}, "ssid-123", func(model.UpstreamFrame) {}, func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if link.State() == StateReady {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if link.State() != StateReady {
		t.Fatalf("link never reached Ready, state=%s", link.State())
	}

	mu.Lock()
	gotReady := false
	for _, s := range states {
		if s == StateReady {
			gotReady = true
		}
	}
	mu.Unlock()
	if !gotReady {
		t.Error("expected a StateReady transition to be observed by the state handler")
	}
}

func TestLinkTerminatesOnUnauthorized(t *testing.T) {
	server := mockUpstreamServer(t, func(conn *websocket.Conn) {
		if _, err := readWireFrame(conn); err != nil {
			return
		}
		_ = writeFrame(conn, Frame{Name: "unauthorized"})
	})
	defer server.Close()

	var frames []model.UpstreamFrame
	var mu sync.Mutex
	link := NewLink(Config{
		URL:               wsURL(server),
		PingInterval:      time.Hour,
		ReconnectAttempts: 3,
		ReconnectDelay:    10 * time.Millisecond,
	}, "bad-ssid", func(f model.UpstreamFrame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		link.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("link.Run did not terminate after unauthorized")
	}

	if link.State() != StateClosed {
		t.Errorf("state = %s, want Closed", link.State())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(frames) != 1 || frames[0].Name != "unauthorized" {
		t.Errorf("frames = %v, want a single unauthorized frame", frames)
	}
}

func TestLinkFiltersPingPongFromOnFrame(t *testing.T) {
	server := mockUpstreamServer(t, func(conn *websocket.Conn) {
		if _, err := readWireFrame(conn); err != nil {
			return
		}
		_ = writeFrame(conn, Frame{Name: "authenticated"})
		_ = writeFrame(conn, Frame{Name: "ping"})
		_ = writeFrame(conn, Frame{Name: "balances"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	var mu sync.Mutex
	var names []string
	link := NewLink(Config{
		URL:               wsURL(server),
		PingInterval:      time.Hour,
		ReconnectAttempts: 1,
		ReconnectDelay:    10 * time.Millisecond,
	}, "ssid", func(f model.UpstreamFrame) {
		mu.Lock()
		names = append(names, f.Name)
		mu.Unlock()
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := len(names)
		mu.Unlock()
		if got >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, n := range names {
		if n == "ping" || n == "pong" {
			t.Errorf("keep-alive frame %q leaked to onFrame", n)
		}
	}
}
