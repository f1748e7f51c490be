package session

import (
	"encoding/json"
	"fmt"

	"github.com/rickgao/tradeproxy/internal/model"
	"github.com/rickgao/tradeproxy/internal/order"
	"github.com/rickgao/tradeproxy/internal/upstream"
)

// handleSubscribeActive implements spec.md §4.6's subscribe-active command:
// resolve the requested asset, unsubscribe the previous one if different,
// then subscribe to one-minute candles for the new one. Both the direct
// frame and the sendMessage-wrapped variant are sent, since different
// upstream revisions expect one or the other (spec.md §9).
func (m *Mediator) handleSubscribeActive(raw json.RawMessage) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		m.downstream.Send("error", map[string]string{"message": "invalid subscribe-active payload"})
		return
	}

	asset, err := m.deps.Assets.Resolve(payload)
	if err != nil {
		m.downstream.Send("error", map[string]string{
			"message": fmt.Sprintf("Ativo desconhecido: %s", assetDisplayName(payload)),
		})
		return
	}

	link := m.currentLink()
	if link == nil {
		m.downstream.Send("error", map[string]string{"message": "not ready"})
		return
	}

	m.mu.Lock()
	old := m.sess.CurrentAsset
	m.sess.CurrentAsset = &model.Asset{ID: asset.ID, Name: asset.Name}
	m.mu.Unlock()

	if old != nil && old.ID != asset.ID {
		_ = link.Send(upstream.Frame{Name: "unsubscribe-candles", Msg: map[string]any{"active_id": old.ID}})
	}

	subscribeMsg := map[string]any{"active_id": asset.ID, "size": 60, "at": "1m"}
	if err := link.Send(upstream.Frame{Name: "subscribe-candles", Msg: subscribeMsg}); err != nil {
		m.deps.Logger.Warn("subscribe-candles failed", "error", err)
	}
	if err := link.Send(upstream.Frame{Name: "sendMessage", Msg: map[string]any{
		"name": "subscribe-candles",
		"msg":  subscribeMsg,
	}}); err != nil {
		m.deps.Logger.Warn("wrapped subscribe-candles failed", "error", err)
	}

	m.downstream.Send("subscribed-active", []map[string]any{{"id": asset.ID, "name": asset.Name}})
}

// assetDisplayName extracts a human-readable name for the Unknown-Asset error
// message, without assuming the payload shape that failed to resolve.
func assetDisplayName(payload any) string {
	switch v := payload.(type) {
	case string:
		return v
	case map[string]any:
		for _, key := range []string{"active", "name", "id"} {
			if s, ok := v[key]; ok {
				return fmt.Sprint(s)
			}
		}
	}
	return fmt.Sprint(payload)
}

// handleSendMessage implements spec.md §4.6's raw pass-through: the inner
// "msg" field of the downstream envelope (or the envelope itself, if there
// is none) is forwarded upstream verbatim, unexamined.
func (m *Mediator) handleSendMessage(raw json.RawMessage) {
	link := m.currentLink()
	if link == nil || link.State() != upstream.StateReady {
		m.downstream.Send("error", map[string]string{"message": "not ready"})
		return
	}

	var envelope map[string]json.RawMessage
	forward := raw
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if inner, ok := envelope["msg"]; ok {
			forward = inner
		}
	}

	if err := link.SendRaw(forward); err != nil {
		m.downstream.Send("error", map[string]string{"message": err.Error()})
	}
}

// openPositionPayload is the downstream open-position command body
// (spec.md §4.4, §4.6). Exactly one of OptionTypeID, ExpirationSize, or
// Duration selects the timeframe; omitting all three defaults to M1.
type openPositionPayload struct {
	Direction      string   `json:"direction"`
	Amount         float64  `json:"amount"`
	Stake          float64  `json:"stake"`
	ActiveID       *int     `json:"active_id"`
	Active         any      `json:"active"`
	OptionTypeID   *int     `json:"option_type_id"`
	ExpirationSize *int64   `json:"expiration_size"`
	Duration       *int64   `json:"duration"`
	Price          *int     `json:"price"`
	ProfitPercent  *int     `json:"profit_percent"`
	RefundValue    *int     `json:"refund_value"`
}

// orderWire is the upstream binary-options.open-option v2.0 body
// (spec.md §4.4, §6).
type orderWire struct {
	UserBalanceID  string `json:"user_balance_id"`
	ActiveID       int    `json:"active_id"`
	OptionTypeID   int    `json:"option_type_id"`
	Direction      string `json:"direction"`
	ExpirationSize int    `json:"expiration_size"`
	Expired        int64  `json:"expired"`
	Price          int    `json:"price"`
	ProfitPercent  int    `json:"profit_percent"`
	RefundValue    int    `json:"refund_value"`
	Value          int64  `json:"value"`
}

func (m *Mediator) handleOpenPosition(raw json.RawMessage) {
	link := m.currentLink()
	if link == nil || link.State() != upstream.StateReady {
		m.downstream.Send("error", map[string]string{"message": "not ready"})
		return
	}

	var p openPositionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.downstream.Send("error", map[string]string{"message": "invalid open-position payload"})
		return
	}

	stake := p.Stake
	if stake == 0 {
		stake = p.Amount
	}

	timeframe, customSeconds, expirationSize, err := resolveTimeframe(p)
	if err != nil {
		m.downstream.Send("error", map[string]string{"message": err.Error()})
		return
	}

	var asset any
	switch {
	case p.ActiveID != nil:
		asset = *p.ActiveID
	case p.Active != nil:
		asset = p.Active
	}

	req := order.Request{
		Direction:     model.Direction(p.Direction),
		Stake:         stake,
		Asset:         asset,
		Timeframe:     timeframe,
		CustomSeconds: customSeconds,
	}
	if p.Price != nil {
		req.PriceScaled = *p.Price
	}
	if p.ProfitPercent != nil {
		req.ProfitPercent = *p.ProfitPercent
	}
	if p.RefundValue != nil {
		req.RefundValue = *p.RefundValue
	}

	env, err := m.deps.Orders.Build(req, m.sessionContext())
	if err != nil {
		m.downstream.Send("error", map[string]string{"message": err.Error()})
		return
	}

	wire := orderWire{
		UserBalanceID:  env.UserBalanceID,
		ActiveID:       env.ActiveID,
		OptionTypeID:   env.OptionKind,
		Direction:      string(env.Direction),
		ExpirationSize: expirationSize,
		Expired:        env.ExpiryUnix,
		Price:          env.PriceScaled,
		ProfitPercent:  env.ProfitPercent,
		RefundValue:    env.RefundValue,
		Value:          env.ValueCents,
	}

	data, err := json.Marshal(upstream.Frame{
		Name:      "binary-options.open-option",
		Version:   "2.0",
		Msg:       wire,
		RequestID: env.RequestID,
	})
	if err != nil {
		m.downstream.Send("error", map[string]string{"message": err.Error()})
		return
	}

	if err := link.SendRaw(data); err != nil {
		m.downstream.Send("error", map[string]string{"message": err.Error()})
		return
	}

	m.registerPendingOrder(env.RequestID)
	m.downstream.Send("order-sent", map[string]any{"request_id": env.RequestID})
}

// resolveTimeframe maps the downstream option selector to the Order
// Builder's Timeframe and the wire expiration_size spec.md §4.4 sends
// alongside it.
func resolveTimeframe(p openPositionPayload) (order.Timeframe, int64, int, error) {
	switch {
	case p.OptionTypeID != nil:
		switch *p.OptionTypeID {
		case 3:
			return order.TimeframeM1, 0, 60, nil
		case 12:
			return order.TimeframeM5, 0, 300, nil
		case 13:
			return order.TimeframeM15, 0, 900, nil
		default:
			return "", 0, 0, fmt.Errorf("%w: unknown option_type_id %d", order.ErrBadOrder, *p.OptionTypeID)
		}
	case p.ExpirationSize != nil:
		return order.TimeframeCustom, *p.ExpirationSize, int(*p.ExpirationSize), nil
	case p.Duration != nil:
		return order.TimeframeCustom, *p.Duration, int(*p.Duration), nil
	default:
		return order.TimeframeM1, 0, 60, nil
	}
}

// handleGetBalance returns the cached canonical balance, or the zero-value
// balance if none has arrived yet (spec.md §4.6) — never an error.
func (m *Mediator) handleGetBalance() {
	m.mu.Lock()
	bal := m.sess.Balance
	m.mu.Unlock()

	m.downstream.Send("current-balance", downstreamBalancePayload(bal))
}
