// Package aggregator implements the Event Aggregator (spec.md §4.2): a
// per-session rate limiter and coalescing buffer that keeps only the
// latest payload per high-frequency upstream event class and flushes it
// downstream at most a bounded number of times per window.
package aggregator

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// flushDelayMin plus a random jitter below flushDelayJit gives the
// deferred-flush deadline spec.md §4.2 leaves as an implementation choice
// (80 ms up to, not including, 120 ms).
const (
	flushDelayMin = 80 * time.Millisecond
	flushDelayJit = 40 * time.Millisecond
)

// Sender delivers a coalesced payload downstream under a friendly event
// name. Satisfied by the Session Mediator's downstream connection.
type Sender interface {
	Send(eventName string, payload any)
}

// ClassConfig configures one rate-limited, coalesced event class.
// Names lists the downstream event name(s) emitted at flush, in order
// ("friendly → original" per spec.md §4.2 when both exist).
type ClassConfig struct {
	Names    []string
	Interval time.Duration
	Max      int
}

// Aggregator coalesces and rate-limits one session's high-frequency
// upstream event classes (candles, positions, balance-changed,
// client-buyback) before they reach the downstream channel.
type Aggregator struct {
	sender  Sender
	logger  *slog.Logger
	classes map[string]*classState
}

// classState is the CoalesceSlot (spec.md §3) plus the RateBucket
// governing how often a new flush may be scheduled for this class.
type classState struct {
	cfg     ClassConfig
	limiter *rate.Limiter

	mu      sync.Mutex
	payload any
	pending bool
	timer   *time.Timer
}

// New creates an Aggregator. configs is keyed by the canonical class name
// (e.g. "candles", "positions", "balance-changed", "client-buyback-generated").
func New(sender Sender, configs map[string]ClassConfig, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	classes := make(map[string]*classState, len(configs))
	for name, cfg := range configs {
		limit := rate.Every(cfg.Interval / time.Duration(cfg.Max))
		classes[name] = &classState{
			cfg:     cfg,
			limiter: rate.NewLimiter(limit, cfg.Max),
		}
	}
	return &Aggregator{sender: sender, logger: logger, classes: classes}
}

// Admit records payload as the latest pending value for class and returns
// true iff this call also scheduled a new flush deadline. Coalescing is
// unconditional: every call overwrites the pending payload regardless of
// the rate bucket, so the eventual flush always carries the most recent
// payload admitted before it fires (spec.md §8's coalescing invariant).
// The rate bucket only gates how often a *new* flush timer may start,
// bounding emissions-per-window to Max per Interval.
func (a *Aggregator) Admit(class string, payload any) bool {
	cs, ok := a.classes[class]
	if !ok {
		return false
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.payload = payload
	if cs.pending {
		return false
	}
	if !cs.limiter.Allow() {
		return false
	}

	cs.pending = true
	cs.timer = time.AfterFunc(flushDelay(), func() { a.flush(class) })
	return true
}

// flush emits the pending payload under every configured name and clears
// the slot.
func (a *Aggregator) flush(class string) {
	cs, ok := a.classes[class]
	if !ok {
		return
	}

	cs.mu.Lock()
	if !cs.pending {
		cs.mu.Unlock()
		return
	}
	payload := cs.payload
	names := cs.cfg.Names
	cs.pending = false
	cs.payload = nil
	cs.mu.Unlock()

	for _, name := range names {
		a.sender.Send(name, payload)
	}
}

// Clear cancels every pending flush deadline and drops all buffered
// payloads. Called on session teardown (spec.md §4.2, §5).
func (a *Aggregator) Clear() {
	for _, cs := range a.classes {
		cs.mu.Lock()
		if cs.timer != nil {
			cs.timer.Stop()
		}
		cs.pending = false
		cs.payload = nil
		cs.mu.Unlock()
	}
}

func flushDelay() time.Duration {
	return flushDelayMin + time.Duration(rand.Int63n(int64(flushDelayJit)))
}
