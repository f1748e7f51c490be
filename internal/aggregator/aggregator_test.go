package aggregator

import (
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu    sync.Mutex
	sends []sentEvent
}

type sentEvent struct {
	name    string
	payload any
}

func (r *recordingSender) Send(name string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, sentEvent{name: name, payload: payload})
}

func (r *recordingSender) snapshot() []sentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sentEvent, len(r.sends))
	copy(out, r.sends)
	return out
}

func TestAdmitCoalescesLatestPayload(t *testing.T) {
	sender := &recordingSender{}
	agg := New(sender, map[string]ClassConfig{
		"candles": {Names: []string{"candles"}, Interval: 500 * time.Millisecond, Max: 5},
	}, nil)

	for i := 1; i <= 50; i++ {
		agg.Admit("candles", i)
	}

	deadline := time.After(500 * time.Millisecond)
	for {
		if len(sender.snapshot()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no flush observed within deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}

	sends := sender.snapshot()
	if len(sends) == 0 {
		t.Fatal("expected at least one flush")
	}
	if len(sends) > 5 {
		t.Errorf("got %d flushes, want at most max(5)", len(sends))
	}
	last := sends[len(sends)-1]
	if last.payload != 50 {
		t.Errorf("last flush payload = %v, want 50 (latest admitted)", last.payload)
	}
}

func TestClearCancelsPendingFlush(t *testing.T) {
	sender := &recordingSender{}
	agg := New(sender, map[string]ClassConfig{
		"candles": {Names: []string{"candles"}, Interval: 500 * time.Millisecond, Max: 5},
	}, nil)

	agg.Admit("candles", "payload")
	agg.Clear()

	time.Sleep(150 * time.Millisecond)

	if sends := sender.snapshot(); len(sends) != 0 {
		t.Errorf("expected no flush after Clear, got %v", sends)
	}
}

func TestAdmitUnknownClassIsNoOp(t *testing.T) {
	sender := &recordingSender{}
	agg := New(sender, map[string]ClassConfig{}, nil)

	if admitted := agg.Admit("unknown", "x"); admitted {
		t.Error("Admit on unconfigured class should return false")
	}
}

func TestFriendlyThenOriginalOrder(t *testing.T) {
	sender := &recordingSender{}
	agg := New(sender, map[string]ClassConfig{
		"client-buyback-generated": {
			Names:    []string{"pressure", "client-buyback-generated", "price-splitter.client-buyback-generated"},
			Interval: 300 * time.Millisecond,
			Max:      3,
		},
	}, nil)

	agg.Admit("client-buyback-generated", map[string]int{"v": 1})

	time.Sleep(200 * time.Millisecond)

	sends := sender.snapshot()
	if len(sends) != 3 {
		t.Fatalf("got %d sends, want 3 (one per configured name)", len(sends))
	}
	want := []string{"pressure", "client-buyback-generated", "price-splitter.client-buyback-generated"}
	for i, name := range want {
		if sends[i].name != name {
			t.Errorf("send[%d].name = %q, want %q", i, sends[i].name, name)
		}
	}
}
