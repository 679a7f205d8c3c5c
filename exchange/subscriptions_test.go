package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"orderflow/logger"
	"orderflow/models"
)

type sentRecorder struct {
	mu   sync.Mutex
	reqs []models.Request
}

func (r *sentRecorder) send(req models.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return nil
}

func (r *sentRecorder) all() []models.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Request(nil), r.reqs...)
}

func (r *sentRecorder) channels() []string {
	out := []string{}
	for _, req := range r.all() {
		if p, ok := req.Params.(models.SubscribeParams); ok {
			out = append(out, req.Method+":"+p.Channel)
		}
	}
	return out
}

func newTestRegistry(rec *sentRecorder, open bool, token string) *registry {
	return newRegistry(logger.GetLogger(), rec.send,
		func() bool { return open },
		func(context.Context) (string, error) { return token, nil })
}

func TestSubscribeSendsOncePerTuple(t *testing.T) {
	rec := &sentRecorder{}
	r := newTestRegistry(rec, true, "")

	opts := SubscribeOptions{Symbols: []string{"BTC/USD"}}
	h1, err := r.subscribe(context.Background(), ChannelTicker, opts, func(string, json.RawMessage) {})
	if err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	h2, err := r.subscribe(context.Background(), ChannelTicker, opts, func(string, json.RawMessage) {})
	if err != nil {
		t.Fatalf("second subscribe: %v", err)
	}

	if got := len(rec.all()); got != 1 {
		t.Fatalf("wire commands = %d, want 1 for a shared tuple", got)
	}
	if r.len() != 1 {
		t.Errorf("tuples = %d, want 1", r.len())
	}

	// first departure keeps the subscription, last one tears it down
	if err := h1.Unsubscribe(context.Background()); err != nil {
		t.Fatalf("unsubscribe h1: %v", err)
	}
	if got := len(rec.all()); got != 1 {
		t.Fatalf("unsubscribe sent while a subscriber remains (commands=%d)", got)
	}
	if err := h2.Unsubscribe(context.Background()); err != nil {
		t.Fatalf("unsubscribe h2: %v", err)
	}
	cmds := rec.all()
	if len(cmds) != 2 || cmds[1].Method != "unsubscribe" {
		t.Fatalf("commands = %+v, want trailing unsubscribe", rec.channels())
	}
	if r.len() != 0 {
		t.Errorf("tuples = %d after last departure, want 0", r.len())
	}
}

func TestDistinctOptionsAreDistinctTuples(t *testing.T) {
	rec := &sentRecorder{}
	r := newTestRegistry(rec, true, "")

	cb := func(string, json.RawMessage) {}
	r.subscribe(context.Background(), ChannelBook, SubscribeOptions{Symbols: []string{"BTC/USD"}, Depth: 10}, cb)
	r.subscribe(context.Background(), ChannelBook, SubscribeOptions{Symbols: []string{"BTC/USD"}, Depth: 100}, cb)

	if got := len(rec.all()); got != 2 {
		t.Errorf("wire commands = %d, want 2 for distinct depths", got)
	}
	if r.len() != 2 {
		t.Errorf("tuples = %d, want 2", r.len())
	}
}

func TestSubscribeWhileClosedDefersSend(t *testing.T) {
	rec := &sentRecorder{}
	r := newTestRegistry(rec, false, "")

	_, err := r.subscribe(context.Background(), ChannelTicker, SubscribeOptions{Symbols: []string{"BTC/USD"}}, func(string, json.RawMessage) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := len(rec.all()); got != 0 {
		t.Errorf("wire commands = %d while closed, want 0", got)
	}

	r.resubscribeAll(context.Background())
	if got := len(rec.all()); got != 1 {
		t.Errorf("wire commands after resubscribe = %d, want 1", got)
	}
}

func TestResubscribeAllPreservesOrder(t *testing.T) {
	rec := &sentRecorder{}
	r := newTestRegistry(rec, false, "tok")

	cb := func(string, json.RawMessage) {}
	r.subscribe(context.Background(), ChannelTicker, SubscribeOptions{Symbols: []string{"BTC/USD"}}, cb)
	r.subscribe(context.Background(), ChannelBook, SubscribeOptions{Symbols: []string{"BTC/USD"}, Depth: 10}, cb)
	r.subscribe(context.Background(), ChannelExecutions, SubscribeOptions{}, cb)

	r.resubscribeAll(context.Background())

	want := []string{"subscribe:ticker", "subscribe:book", "subscribe:executions"}
	got := rec.channels()
	if len(got) != len(want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("command %d = %q, want %q (first-added order)", i, got[i], want[i])
		}
	}
}

func TestPrivateChannelsRequireToken(t *testing.T) {
	rec := &sentRecorder{}
	r := newTestRegistry(rec, true, "")

	cb := func(string, json.RawMessage) {}
	for _, ch := range []ChannelKind{ChannelLevel3, ChannelExecutions} {
		_, err := r.subscribe(context.Background(), ch, SubscribeOptions{Symbols: []string{"BTC/USD"}}, cb)
		if !errors.Is(err, ErrTokenRequired) {
			t.Errorf("%s without token: %v, want ErrTokenRequired", ch, err)
		}
	}
	if got := len(rec.all()); got != 0 {
		t.Errorf("wire commands = %d, want 0 (authorization fails before any send)", got)
	}
}

func TestPrivateSubscribeCarriesToken(t *testing.T) {
	rec := &sentRecorder{}
	r := newTestRegistry(rec, true, "secret")

	_, err := r.subscribe(context.Background(), ChannelLevel3, SubscribeOptions{Symbols: []string{"BTC/USD"}}, func(string, json.RawMessage) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cmds := rec.all()
	if len(cmds) != 1 {
		t.Fatalf("commands = %d, want 1", len(cmds))
	}
	p, ok := cmds[0].Params.(models.SubscribeParams)
	if !ok || p.Token != "secret" {
		t.Errorf("params = %+v, want token attached", cmds[0].Params)
	}

	// public channels never leak the token
	rec2 := &sentRecorder{}
	r2 := newTestRegistry(rec2, true, "secret")
	r2.subscribe(context.Background(), ChannelTicker, SubscribeOptions{Symbols: []string{"BTC/USD"}}, func(string, json.RawMessage) {})
	p2 := rec2.all()[0].Params.(models.SubscribeParams)
	if p2.Token != "" {
		t.Error("token attached to a public channel subscription")
	}
}

func TestDispatchRoutesByChannel(t *testing.T) {
	rec := &sentRecorder{}
	r := newTestRegistry(rec, true, "")

	tickerCalls := 0
	bookCalls := 0
	r.subscribe(context.Background(), ChannelTicker, SubscribeOptions{Symbols: []string{"BTC/USD"}},
		func(string, json.RawMessage) { tickerCalls++ })
	r.subscribe(context.Background(), ChannelBook, SubscribeOptions{Symbols: []string{"BTC/USD"}},
		func(string, json.RawMessage) { bookCalls++ })

	r.dispatch(ChannelTicker, "update", json.RawMessage(`[]`))
	r.dispatch(ChannelTicker, "update", json.RawMessage(`[]`))
	r.dispatch(ChannelBook, "snapshot", json.RawMessage(`[]`))

	if tickerCalls != 2 || bookCalls != 1 {
		t.Errorf("ticker=%d book=%d, want 2/1", tickerCalls, bookCalls)
	}
}

func TestSnapshotAndTriggerPreserved(t *testing.T) {
	rec := &sentRecorder{}
	r := newTestRegistry(rec, false, "")

	snapshot := false
	r.subscribe(context.Background(), ChannelTicker, SubscribeOptions{
		Symbols:      []string{"BTC/USD"},
		Snapshot:     &snapshot,
		EventTrigger: "trades",
	}, func(string, json.RawMessage) {})

	r.resubscribeAll(context.Background())

	p := rec.all()[0].Params.(models.SubscribeParams)
	if p.EventTrigger != "trades" {
		t.Errorf("event_trigger = %q, want trades", p.EventTrigger)
	}
	if p.Snapshot == nil || *p.Snapshot {
		t.Error("snapshot=false not preserved across re-subscription")
	}
}
