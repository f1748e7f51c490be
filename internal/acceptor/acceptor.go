// Package acceptor implements the Acceptor (spec.md §4.7): the downstream
// HTTP/WebSocket listener that upgrades one connection per client, creates
// its Session Mediator, and pumps JSON {event,data} envelopes in both
// directions.
package acceptor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/tradeproxy/internal/session"
)

// Config controls the downstream listener.
type Config struct {
	Addr      string
	QueueSize int
}

// Acceptor owns the downstream HTTP/WebSocket surface.
type Acceptor struct {
	cfg      Config
	router   *chi.Mux
	upgrader websocket.Upgrader
	deps     session.Deps
	logger   *slog.Logger
}

// New builds an Acceptor wired to the shared session.Deps every Session
// Mediator it creates will use.
func New(cfg Config, deps session.Deps, logger *slog.Logger) *Acceptor {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &Acceptor{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
	}

	r := chi.NewRouter()
	r.Get("/healthz", a.handleHealth)
	r.Get("/ws", a.handleWS)
	a.router = r
	return a
}

// Router exposes the chi mux for tests and for embedding behind a custom
// http.Server.
func (a *Acceptor) Router() http.Handler {
	return a.router
}

// ListenAndServe blocks serving the downstream listener.
func (a *Acceptor) ListenAndServe() error {
	a.logger.Info("acceptor listening", "addr", a.cfg.Addr)
	return http.ListenAndServe(a.cfg.Addr, a.router)
}

func (a *Acceptor) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": a.deps.Registry.Len(),
	})
}

// envelope is the downstream wire shape in both directions (spec.md §6):
// { event, data }.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// downstreamConn is the per-connection session.DownstreamSender: a
// write-serializing goroutine draining a buffered channel, grounded on the
// client/send-channel/broadcast pattern used for downstream fan-out.
type downstreamConn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (d *downstreamConn) Send(eventName string, payload any) {
	data, err := json.Marshal(envelope{Event: eventName, Data: asRawMessage(payload)})
	if err != nil {
		d.logger.Warn("marshal downstream event failed", "event", eventName, "error", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.send <- data:
	default:
		d.logger.Warn("downstream send queue full, closing slow consumer", "event", eventName)
		d.closed = true
		close(d.send)
	}
}

func (d *downstreamConn) closeOnce() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.send)
}

func asRawMessage(payload any) json.RawMessage {
	if payload == nil {
		return nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}

func (a *Acceptor) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	d := &downstreamConn{conn: conn, send: make(chan []byte, a.cfg.QueueSize), logger: a.logger}
	mediator := session.New(uuid.NewString(), d, a.deps)

	go a.writePump(d)
	a.readPump(conn, mediator, d)
}

func (a *Acceptor) writePump(d *downstreamConn) {
	defer func() { _ = d.conn.Close() }()
	for msg := range d.send {
		_ = d.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := d.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump owns the connection's lifetime: every exit path — a read error
// or the client closing — tears the session down exactly once.
func (a *Acceptor) readPump(conn *websocket.Conn, mediator *session.Mediator, d *downstreamConn) {
	defer mediator.Teardown()
	defer d.closeOnce()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			d.Send("error", map[string]string{"message": "invalid envelope"})
			continue
		}
		mediator.HandleCommand(env.Event, env.Data)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
