package session

import (
	"encoding/json"

	"github.com/rickgao/tradeproxy/internal/model"
)

// candleWire is the upstream candle-generated body; candlePayload is the
// normalized shape forwarded downstream (spec.md §4.5).
type candleWire struct {
	Open   float64 `json:"open"`
	Close  float64 `json:"close"`
	Max    float64 `json:"max"`
	Min    float64 `json:"min"`
	From   int64   `json:"from"`
	To     int64   `json:"to"`
	Size   int     `json:"size"`
	Volume float64 `json:"volume"`
}

type candlePayload struct {
	Open      float64 `json:"open"`
	Close     float64 `json:"close"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	From      int64   `json:"from"`
	To        int64   `json:"to"`
	Timeframe int     `json:"timeframe"`
	Volume    float64 `json:"volume"`
}

// handleUpstreamFrame applies spec.md §4.5's business dispatch table to
// every frame the Upstream Link forwards (everything but ping/pong/
// timeSync, which the link itself filters). Runs synchronously on the
// link's own goroutine; every branch must return quickly.
func (m *Mediator) handleUpstreamFrame(f model.UpstreamFrame) {
	if f.RequestID != "" && m.tryCorrelateOrder(f) {
		return
	}

	switch f.Name {
	case "authenticated", "unauthorized":
		m.downstream.Send(f.Name, rawPayload(f.Body))

	case "balance-changed":
		m.handleBalanceSingle(f)
	case "balances":
		m.handleBalanceMany(f)

	case "candle-generated", "candles-generated":
		m.handleCandle(f)

	case "positions-state":
		if agg := m.currentAgg(); agg != nil {
			agg.Admit("positions", rawPayload(f.Body))
		}

	case "position-changed":
		m.downstream.Send("position-changed", rawPayload(f.Body))
		if isTerminalStatus(f.Body) {
			m.downstream.Send("order-result", rawPayload(f.Body))
		}

	case "client-buyback-generated", "price-splitter.client-buyback-generated":
		if agg := m.currentAgg(); agg != nil {
			agg.Admit("client-buyback-generated", rawPayload(f.Body))
		}

	case "subscription":
		m.downstream.Send("subscription", rawPayload(f.Body))

	default:
		m.downstream.Send(f.Name, rawPayload(f.Body))
	}
}

func (m *Mediator) handleBalanceSingle(f model.UpstreamFrame) {
	var raw map[string]any
	if err := json.Unmarshal(f.Body, &raw); err != nil {
		m.deps.Logger.Warn("balance-changed: decode failed", "error", err)
		return
	}
	bal, err := m.deps.Balances.NormalizeSingle(raw, m.flavor())
	if err != nil {
		m.deps.Logger.Warn("balance-changed: normalize failed", "error", err)
		return
	}
	m.cacheBalance(bal)
	m.admitBalance(bal)
}

func (m *Mediator) handleBalanceMany(f model.UpstreamFrame) {
	var raws []map[string]any
	if err := json.Unmarshal(f.Body, &raws); err != nil {
		m.deps.Logger.Warn("balances: decode failed", "error", err)
		return
	}
	bal, err := m.deps.Balances.NormalizeMany(raws, m.flavor())
	if err != nil {
		m.deps.Logger.Warn("balances: normalize failed", "error", err)
		return
	}
	m.cacheBalance(bal)
	m.admitBalance(bal)
}

func (m *Mediator) admitBalance(bal model.Balance) {
	if agg := m.currentAgg(); agg != nil {
		agg.Admit("balance-changed", downstreamBalancePayload(bal))
	}
}

func (m *Mediator) handleCandle(f model.UpstreamFrame) {
	var w candleWire
	if err := json.Unmarshal(f.Body, &w); err != nil {
		m.deps.Logger.Warn("candle: decode failed", "error", err)
		return
	}
	payload := candlePayload{
		Open:      w.Open,
		Close:     w.Close,
		High:      w.Max,
		Low:       w.Min,
		From:      w.From,
		To:        w.To,
		Timeframe: w.Size,
		Volume:    w.Volume,
	}

	if agg := m.currentAgg(); agg != nil {
		agg.Admit("candles", payload)
	}
}

// tryCorrelateOrder matches a "result" frame's request_id against a
// pending open-position and, on a match, translates it into
// order-confirmed/order-error (spec.md §4.4, §4.6). Returns false for a
// frame of any other name, and when the request_id is unknown, either because the order already expired out of
// the correlation window or the frame belongs to an unrelated request.
func (m *Mediator) tryCorrelateOrder(f model.UpstreamFrame) bool {
	if f.Name != "result" {
		return false
	}
	m.mu.Lock()
	timer, ok := m.pendingOrders[f.RequestID]
	if ok {
		timer.Stop()
		delete(m.pendingOrders, f.RequestID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	var res struct {
		Success bool `json:"success"`
	}
	_ = json.Unmarshal(f.Body, &res)

	event := "order-error"
	if res.Success {
		event = "order-confirmed"
	}
	m.downstream.Send(event, map[string]any{
		"request_id": f.RequestID,
		"result":     rawPayload(f.Body),
	})
	return true
}

func isTerminalStatus(body []byte) bool {
	var v struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return false
	}
	switch v.Status {
	case "closed", "won", "loose", "lost", "expired":
		return true
	}
	return false
}
