// Package session implements the Session Mediator (spec.md §4.6): the
// per-client glue binding one downstream channel to one Upstream Link,
// applying the Asset Registry / Balance Normalizer / Order Builder /
// Event Aggregator policies, and cleaning up on teardown.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/tradeproxy/internal/aggregator"
	"github.com/rickgao/tradeproxy/internal/assetregistry"
	"github.com/rickgao/tradeproxy/internal/balance"
	"github.com/rickgao/tradeproxy/internal/model"
	"github.com/rickgao/tradeproxy/internal/order"
	"github.com/rickgao/tradeproxy/internal/registry"
	"github.com/rickgao/tradeproxy/internal/upstream"
)

// DownstreamSender delivers one event to the downstream client this
// Mediator serves. Implemented by the Acceptor's per-connection writer.
type DownstreamSender interface {
	Send(eventName string, payload any)
}

// Deps are the shared, stateless (or immutable) collaborators every
// Mediator uses. Constructed once at startup and handed to every session.
type Deps struct {
	UpstreamConfig      upstream.Config
	Assets              assetregistry.Registry
	Balances            *balance.Normalizer
	Orders              *order.Builder
	RateLimits          map[string]aggregator.ClassConfig
	HeartbeatInterval   time.Duration
	OrderCorrelationTTL time.Duration
	Registry            *registry.Registry
	Logger              *slog.Logger
}

// assetResolverAdapter satisfies order.AssetResolver by narrowing
// assetregistry.Registry's (Asset, error) result to the bare id the
// Order Builder needs.
type assetResolverAdapter struct {
	registry assetregistry.Registry
}

func (a assetResolverAdapter) Resolve(payload any) (int, error) {
	asset, err := a.registry.Resolve(payload)
	if err != nil {
		return 0, err
	}
	return asset.ID, nil
}

// NewAssetResolver adapts an Asset Registry into the Order Builder's
// narrower AssetResolver interface.
func NewAssetResolver(reg assetregistry.Registry) order.AssetResolver {
	return assetResolverAdapter{registry: reg}
}

// Mediator is one downstream client's Session (spec.md §3, §4.6).
// Exclusively owns and mutates its model.Session.
type Mediator struct {
	deps       Deps
	id         string
	downstream DownstreamSender

	mu            sync.Mutex
	sess          model.Session
	link          *upstream.Link
	agg           *aggregator.Aggregator
	cancel        context.CancelFunc
	pendingOrders map[string]*time.Timer
	closed        bool
}

// New creates a Mediator for a downstream channel identified by id. The
// Mediator is inert until the first downstream "authenticate" command.
func New(id string, downstream DownstreamSender, deps Deps) *Mediator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Mediator{
		deps:       deps,
		id:         id,
		downstream: downstream,
		closed:     true, // inert until authenticate
	}
}

// ID satisfies registry.Session.
func (m *Mediator) ID() string { return m.id }

// Credential satisfies registry.Session.
func (m *Mediator) Credential() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Credential
}

// HandleCommand dispatches one downstream command (spec.md §4.6's
// command surface) by event name.
func (m *Mediator) HandleCommand(event string, raw json.RawMessage) {
	if event == "authenticate" {
		m.handleAuthenticate(raw)
		return
	}

	m.mu.Lock()
	ready := !m.closed && m.link != nil
	m.mu.Unlock()

	if !ready && event != "disconnect" {
		m.downstream.Send("error", map[string]string{"message": "not ready: session not authenticated"})
		return
	}

	switch event {
	case "subscribe-active":
		m.handleSubscribeActive(raw)
	case "sendMessage":
		m.handleSendMessage(raw)
	case "open-position":
		m.handleOpenPosition(raw)
	case "get-balance":
		m.handleGetBalance()
	case "disconnect":
		m.Teardown()
	default:
		m.downstream.Send("error", map[string]string{"message": fmt.Sprintf("unknown command: %s", event)})
	}
}

type authenticatePayload struct {
	Credential    string `json:"credential"`
	AccountFlavor string `json:"account_flavor"`
}

// handleAuthenticate implements spec.md §4.6: if a prior session exists
// for this downstream channel it is torn down first, then a fresh
// Upstream Link and Aggregator are created for the new credential.
func (m *Mediator) handleAuthenticate(raw json.RawMessage) {
	var p authenticatePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Credential == "" {
		m.downstream.Send("error", map[string]string{"message": "authenticate requires a credential"})
		return
	}

	flavor := model.FlavorReal
	if p.AccountFlavor == string(model.FlavorDemo) {
		flavor = model.FlavorDemo
	}

	m.teardownInternal()

	m.mu.Lock()
	m.sess = model.Session{ID: m.id, Credential: p.Credential, Flavor: flavor, CreatedAt: time.Now()}
	m.pendingOrders = make(map[string]*time.Timer)
	m.closed = false
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	agg := aggregator.New(m.downstream, m.deps.RateLimits, m.deps.Logger)
	m.agg = agg

	var link *upstream.Link
	link = upstream.NewLink(m.deps.UpstreamConfig, p.Credential, m.handleUpstreamFrame, func(s upstream.State) {
		if s == upstream.StateClosed {
			m.onUpstreamClosed(link)
		}
	}, m.deps.Logger)
	m.link = link
	m.mu.Unlock()

	m.deps.Registry.Insert(m)

	go link.Run(ctx)
	go m.heartbeatLoop(ctx)
}

// onUpstreamClosed tears the session down on terminal upstream failure
// (exhausted reconnects or an unauthorized rejection). Stale callbacks
// from a link generation this Mediator already replaced (via
// re-authenticate) are ignored.
func (m *Mediator) onUpstreamClosed(link *upstream.Link) {
	m.mu.Lock()
	current := m.link
	m.mu.Unlock()
	if current != link {
		return
	}
	m.Teardown()
}

// teardownInternal discards the current link/aggregator/timers without
// notifying the downstream client or evicting the registry entry — used
// when a new "authenticate" supersedes a live session on the same
// downstream channel.
func (m *Mediator) teardownInternal() {
	m.mu.Lock()
	cancel := m.cancel
	link := m.link
	agg := m.agg
	for _, t := range m.pendingOrders {
		t.Stop()
	}
	m.pendingOrders = nil
	m.cancel = nil
	m.link = nil
	m.agg = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	closeDown(link, agg)
}

// Teardown ends the session: cancels timers, concurrently closes the
// upstream socket, clears the aggregator, and evicts the Session Registry
// entry, then emits exactly one downstream "disconnected" (spec.md §5,
// §8). Idempotent.
func (m *Mediator) Teardown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	link := m.link
	agg := m.agg
	for _, t := range m.pendingOrders {
		t.Stop()
	}
	m.pendingOrders = nil
	m.cancel = nil
	m.link = nil
	m.agg = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	closeDownFull(link, agg, m.deps.Registry, m)
	m.downstream.Send("disconnected", nil)
}

// closeDown tears the upstream socket and the aggregator down concurrently
// — per spec.md §5, the two are independent and the upstream socket close
// is the slower of the two.
func closeDown(link *upstream.Link, agg *aggregator.Aggregator) {
	var g errgroup.Group
	if link != nil {
		g.Go(func() error {
			link.Close()
			return nil
		})
	}
	if agg != nil {
		g.Go(func() error {
			agg.Clear()
			return nil
		})
	}
	_ = g.Wait()
}

// closeDownFull additionally evicts the session registry entry as a third
// concurrent task, per spec.md §5's teardown of "a session's upstream link,
// aggregator, and registry eviction" as one errgroup.Group.
func closeDownFull(link *upstream.Link, agg *aggregator.Aggregator, reg *registry.Registry, sess registry.Session) {
	var g errgroup.Group
	if link != nil {
		g.Go(func() error {
			link.Close()
			return nil
		})
	}
	if agg != nil {
		g.Go(func() error {
			agg.Clear()
			return nil
		})
	}
	if reg != nil {
		g.Go(func() error {
			reg.Delete(sess)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Mediator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.deps.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.downstream.Send("ping-proxy", map[string]int64{"t": time.Now().UnixMilli()})
		}
	}
}

func (m *Mediator) currentLink() *upstream.Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link
}

func (m *Mediator) currentAgg() *aggregator.Aggregator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agg
}

func (m *Mediator) flavor() model.AccountFlavor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Flavor
}

func (m *Mediator) cacheBalance(bal model.Balance) {
	m.mu.Lock()
	m.sess.Balance = bal
	m.sess.HasBalance = true
	m.mu.Unlock()
}

func (m *Mediator) sessionContext() order.SessionContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := order.SessionContext{UserBalanceID: m.sess.Balance.BalanceID}
	if m.sess.CurrentAsset != nil {
		ctx.CurrentActiveID = m.sess.CurrentAsset.ID
		ctx.HasCurrentActive = true
	}
	return ctx
}

func (m *Mediator) registerPendingOrder(requestID string) {
	timer := time.AfterFunc(m.deps.OrderCorrelationTTL, func() {
		m.mu.Lock()
		delete(m.pendingOrders, requestID)
		m.mu.Unlock()
	})
	m.mu.Lock()
	if m.pendingOrders == nil {
		m.pendingOrders = make(map[string]*time.Timer)
	}
	m.pendingOrders[requestID] = timer
	m.mu.Unlock()
}

func downstreamBalancePayload(bal model.Balance) any {
	return map[string]any{
		"msg": map[string]any{
			"current_balance": map[string]any{
				"id":       bal.BalanceID,
				"amount":   bal.AmountCents,
				"currency": bal.Currency,
			},
		},
	}
}

func rawPayload(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}
