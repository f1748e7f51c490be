// Package upstream implements the Upstream Link (spec.md §4.5): it owns a
// single upstream WebSocket, authenticates with a session credential,
// keeps the connection alive, parses incoming frames, and reconnects with
// a bounded number of attempts on transport loss.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/rickgao/tradeproxy/internal/model"
)

// wireFrame is the over-the-wire decode target; Msg/Body stay raw so each
// frame-name handler can re-decode into its own shape.
type wireFrame struct {
	Name      string          `json:"name"`
	Msg       json.RawMessage `json:"msg,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	LocalTime int64           `json:"local_time,omitempty"`
}

// FrameHandler receives every upstream frame that survives the keep-alive
// filter (ping/pong/timeSync are never forwarded, per spec.md §4.5).
type FrameHandler func(model.UpstreamFrame)

// StateHandler is notified on every state transition.
type StateHandler func(State)

// Link owns one upstream WebSocket connection on behalf of one session.
type Link struct {
	cfg        Config
	credential string
	onFrame    FrameHandler
	onState    StateHandler
	logger     *slog.Logger

	dialer websocket.Dialer

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	writeMu sync.Mutex
}

// NewLink creates an Upstream Link bound to one downstream credential.
// onFrame and onState are invoked synchronously from the link's own
// goroutine; callers must not block in them for long.
func NewLink(cfg Config, credential string, onFrame FrameHandler, onState StateHandler, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		cfg:        cfg,
		credential: credential,
		onFrame:    onFrame,
		onState:    onState,
		logger:     logger,
		dialer:     websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:      StateIdle,
	}
}

// State returns the link's current state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	if l.onState != nil {
		l.onState(s)
	}
}

// Run drives the state machine until a terminal condition is reached:
// context cancellation, an "unauthorized" response, or reconnect budget
// exhaustion. It blocks; callers run it in its own goroutine.
func (l *Link) Run(ctx context.Context) {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(l.cfg.ReconnectDelay), uint64(l.cfg.ReconnectAttempts)),
		ctx,
	)

	err := backoff.Retry(func() error {
		return l.connectAndServe(ctx)
	}, b)

	if err != nil && err != context.Canceled {
		l.logger.Warn("upstream link terminated", "error", err)
	}
	l.setState(StateClosed)
}

// Close forcibly tears down the active connection, if any. Safe to call
// from another goroutine; Run's current attempt will observe the closed
// socket and exit without scheduling a reconnect once ctx is cancelled.
func (l *Link) Close() {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (l *Link) connectAndServe(ctx context.Context) error {
	l.setState(StateConnecting)

	conn, _, err := l.dialer.DialContext(ctx, l.cfg.URL, nil)
	if err != nil {
		l.setState(StateDegraded)
		return fmt.Errorf("%w: dial: %v", ErrUpstreamLost, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	l.setState(StateAuthenticating)
	if err := l.send(conn, Frame{
		Name: "authenticate",
		Msg: map[string]any{
			"ssid":              l.credential,
			"protocol":          l.cfg.ProtocolVersion,
			"client_session_id": "",
		},
	}); err != nil {
		_ = conn.Close()
		l.setState(StateDegraded)
		return fmt.Errorf("%w: send authenticate: %v", ErrUpstreamLost, err)
	}

	reason := l.serve(ctx, conn)
	_ = conn.Close()

	switch reason {
	case reasonUnauthorized:
		return backoff.Permanent(ErrAuthRejected)
	case reasonCtxDone, reasonClosedByCaller:
		return backoff.Permanent(nil)
	default:
		l.setState(StateDegraded)
		return fmt.Errorf("%w: %v", ErrUpstreamLost, reason)
	}
}

type closeReason error

var (
	reasonCtxDone        closeReason = fmt.Errorf("context cancelled")
	reasonClosedByCaller closeReason = fmt.Errorf("closed by caller")
	reasonUnauthorized   closeReason = fmt.Errorf("unauthorized")
	reasonTransportError closeReason = fmt.Errorf("transport error")
)

// serve runs the read loop and keep-alive ticker for one connected socket
// until it must be torn down, returning the reason.
func (l *Link) serve(ctx context.Context, conn *websocket.Conn) closeReason {
	frames := make(chan wireFrame, 64)
	errs := make(chan error, 1)
	done := make(chan struct{})
	go l.readPump(conn, frames, errs, done)
	defer close(done)

	pingTicker := time.NewTicker(l.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return reasonCtxDone

		case err := <-errs:
			l.logger.Warn("upstream read error", "error", err)
			return reasonTransportError

		case wf, ok := <-frames:
			if !ok {
				return reasonTransportError
			}
			if reason := l.handleFrame(conn, wf); reason != nil {
				return reason
			}

		case <-pingTicker.C:
			if err := l.send(conn, Frame{Name: "ping"}); err != nil {
				l.logger.Warn("ping failed", "error", err)
				return reasonTransportError
			}
		}
	}
}

func (l *Link) readPump(conn *websocket.Conn, frames chan<- wireFrame, errs chan<- error, done <-chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case errs <- err:
			case <-done:
			}
			return
		}

		var wf wireFrame
		if err := json.Unmarshal(data, &wf); err != nil {
			l.logger.Warn("dropping unparseable upstream frame", "error", err)
			continue
		}

		select {
		case frames <- wf:
		case <-done:
			return
		}
	}
}

// handleFrame applies the keep-alive filter (ping/pong/timeSync never
// reach onFrame) and the state transitions owned by this link (Ready on
// "authenticated", terminal on "unauthorized"). Everything else is
// forwarded to the Session Mediator, which applies spec.md §4.5's
// business dispatch table.
func (l *Link) handleFrame(conn *websocket.Conn, wf wireFrame) closeReason {
	switch wf.Name {
	case "ping":
		if err := l.send(conn, Frame{Name: "pong"}); err != nil {
			l.logger.Warn("pong failed", "error", err)
		}
		return nil
	case "pong", "timeSync":
		return nil
	}

	frame := model.UpstreamFrame{
		Name:      wf.Name,
		RequestID: wf.RequestID,
		LocalTime: wf.LocalTime,
	}
	if len(wf.Msg) > 0 {
		frame.Body = wf.Msg
	} else {
		frame.Body = wf.Body
	}

	switch wf.Name {
	case "authenticated":
		l.setState(StateReady)
		if l.onFrame != nil {
			l.onFrame(frame)
		}
		l.startupBurst(conn)
		return nil
	case "unauthorized":
		if l.onFrame != nil {
			l.onFrame(frame)
		}
		return reasonUnauthorized
	default:
		if l.onFrame != nil {
			l.onFrame(frame)
		}
		return nil
	}
}

// startupBurst issues the handshake-burst frames spec.md §4.5 requires on
// Ready entry: current balances, frequent-cadence position updates, the
// global asset list, and candles for the configured default asset.
func (l *Link) startupBurst(conn *websocket.Conn) {
	frames := []Frame{
		{Name: "balances.get-balances"},
		{Name: "subscribe-positions", Msg: map[string]any{"frequency": "frequent"}},
		{Name: "actives.get-all"},
		{Name: "subscribe-candles", Msg: map[string]any{
			"active_id": l.cfg.DefaultAssetID,
			"size":      60,
			"at":        "1m",
		}},
	}
	for _, f := range frames {
		if err := l.send(conn, f); err != nil {
			l.logger.Warn("startup burst frame failed", "frame", f.Name, "error", err)
		}
	}
}

// Send transmits a frame upstream. Returns an error if the link is not
// Ready; the Session Mediator's subscribe-active handler logs or ignores
// that error rather than reporting it downstream.
func (l *Link) Send(f Frame) error {
	l.mu.Lock()
	conn := l.conn
	state := l.state
	l.mu.Unlock()

	if state != StateReady || conn == nil {
		return fmt.Errorf("upstream: not ready (state=%s)", state)
	}
	return l.send(conn, f)
}

// SendRaw writes pre-marshaled bytes upstream verbatim. Used for the
// Session Mediator's sendMessage pass-through and for the order wire body,
// which the Session Mediator marshals itself (spec.md §4.4, §4.6).
func (l *Link) SendRaw(data []byte) error {
	l.mu.Lock()
	conn := l.conn
	state := l.state
	l.mu.Unlock()

	if state != StateReady || conn == nil {
		return fmt.Errorf("upstream: not ready (state=%s)", state)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (l *Link) send(conn *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame %q: %w", f.Name, err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}
