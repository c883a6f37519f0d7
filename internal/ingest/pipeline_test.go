package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/htakeda/lineflow/internal/observability"
	"github.com/htakeda/lineflow/internal/store"
	"github.com/htakeda/lineflow/internal/upstream"
)

type fakeCompleter struct {
	mu      sync.Mutex
	calls   int
	history [][]upstream.Message
	reply   string
	err     error
}

func (f *fakeCompleter) Complete(_ context.Context, history []upstream.Message, _ string) (upstream.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.history = append(f.history, history)
	if f.err != nil {
		return upstream.Completion{}, f.err
	}
	return upstream.Completion{Text: f.reply, Latency: 5 * time.Millisecond}, nil
}

func (f *fakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestPipeline(t *testing.T, completer upstream.Completer) (*Pipeline, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	metrics := observability.NewMetrics("test_" + sanitize(t.Name()))
	p := NewPipeline(st, completer, 1, 5, zerolog.Nop(), metrics)
	return p, st
}

func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func event(id, user, text string) Event {
	return Event{EventID: id, UserIdentity: user, Text: text, Timestamp: time.Now().UTC()}
}

func TestProcessSuccessPersistsTurn(t *testing.T) {
	completer := &fakeCompleter{reply: "hi there"}
	p, st := newTestPipeline(t, completer)

	res, err := p.Process(context.Background(), event("evt-1", "user-a", "hello"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Deduplicated {
		t.Fatalf("Process() deduplicated = true on first delivery")
	}
	if res.Turn.Outcome != store.OutcomeSuccess {
		t.Fatalf("outcome = %q, want success", res.Turn.Outcome)
	}
	if res.Turn.ReplyText != "hi there" {
		t.Fatalf("reply = %q", res.Turn.ReplyText)
	}
	if res.Turn.LatencyMS < 0 {
		t.Fatalf("latency = %d, want >= 0", res.Turn.LatencyMS)
	}
	if want := res.Turn.RespondedAt.Sub(res.Turn.RequestedAt).Milliseconds(); res.Turn.LatencyMS != want {
		t.Fatalf("latency invariant broken: %d != %d", res.Turn.LatencyMS, want)
	}

	stored, err := st.GetTurn(context.Background(), "evt-1")
	if err != nil {
		t.Fatalf("GetTurn() error = %v", err)
	}
	if stored.ReplyText != "hi there" {
		t.Fatalf("stored reply = %q", stored.ReplyText)
	}
}

func TestProcessRedeliverySkipsUpstream(t *testing.T) {
	completer := &fakeCompleter{reply: "only once"}
	p, _ := newTestPipeline(t, completer)

	first, err := p.Process(context.Background(), event("evt-dup", "user-a", "hello"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	second, err := p.Process(context.Background(), event("evt-dup", "user-a", "hello"))
	if err != nil {
		t.Fatalf("Process() redelivery error = %v", err)
	}
	if !second.Deduplicated {
		t.Fatalf("redelivery deduplicated = false, want true")
	}
	if second.Turn.ID != first.Turn.ID || second.Turn.ReplyText != first.Turn.ReplyText {
		t.Fatalf("redelivery returned a different turn: %+v", second.Turn)
	}
	if completer.Calls() != 1 {
		t.Fatalf("upstream calls = %d, want 1", completer.Calls())
	}
}

func TestProcessRedeliveryWithColdCacheSkipsUpstream(t *testing.T) {
	completer := &fakeCompleter{reply: "only once"}
	st := store.NewMemoryStore()
	first := NewPipeline(st, completer, 1, 5, zerolog.Nop(),
		observability.NewMetrics("test_"+sanitize(t.Name())+"_a"))

	original, err := first.Process(context.Background(), event("evt-restart", "user-a", "hello"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	// A restarted process loses the in-memory cache; the turns table must
	// still catch the redelivery before the upstream call.
	second := NewPipeline(st, completer, 1, 5, zerolog.Nop(),
		observability.NewMetrics("test_"+sanitize(t.Name())+"_b"))
	res, err := second.Process(context.Background(), event("evt-restart", "user-a", "hello"))
	if err != nil {
		t.Fatalf("Process() redelivery error = %v", err)
	}
	if !res.Deduplicated {
		t.Fatalf("redelivery deduplicated = false, want true")
	}
	if res.Turn.ID != original.Turn.ID || res.Turn.ReplyText != original.Turn.ReplyText {
		t.Fatalf("redelivery returned a different turn: %+v", res.Turn)
	}
	if completer.Calls() != 1 {
		t.Fatalf("upstream calls = %d, want 1", completer.Calls())
	}

	count := 0
	if err := st.ScanTurns(context.Background(), time.Time{}, time.Now().Add(time.Hour), func(store.Turn) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("ScanTurns() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("stored turns = %d, want 1", count)
	}
}

func TestProcessUpstreamTimeoutRecordsFailedTurn(t *testing.T) {
	completer := &fakeCompleter{err: upstream.ErrTimeout}
	p, st := newTestPipeline(t, completer)

	res, err := p.Process(context.Background(), event("evt-t", "user-a", "hello"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Turn.Outcome != store.OutcomeTimeout {
		t.Fatalf("outcome = %q, want timeout", res.Turn.Outcome)
	}
	if res.Turn.ReplyText != "" {
		t.Fatalf("failed turn carries a reply: %q", res.Turn.ReplyText)
	}

	// The idempotency id is consumed: redelivery must not trigger a retry.
	second, err := p.Process(context.Background(), event("evt-t", "user-a", "hello"))
	if err != nil {
		t.Fatalf("Process() redelivery error = %v", err)
	}
	if !second.Deduplicated {
		t.Fatalf("redelivery after failure deduplicated = false, want true")
	}
	if completer.Calls() != 1 {
		t.Fatalf("upstream calls = %d, want 1", completer.Calls())
	}

	stored, err := st.GetTurn(context.Background(), "evt-t")
	if err != nil {
		t.Fatalf("GetTurn() error = %v", err)
	}
	if stored.Outcome != store.OutcomeTimeout {
		t.Fatalf("stored outcome = %q", stored.Outcome)
	}
}

func TestProcessUpstreamErrorMapsOutcome(t *testing.T) {
	completer := &fakeCompleter{err: upstream.ErrUpstreamUnavailable}
	p, _ := newTestPipeline(t, completer)

	res, err := p.Process(context.Background(), event("evt-e", "user-a", "hello"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Turn.Outcome != store.OutcomeUpstreamError {
		t.Fatalf("outcome = %q, want upstream_error", res.Turn.Outcome)
	}
}

func TestProcessBoundsConversationContext(t *testing.T) {
	completer := &fakeCompleter{reply: "ok"}
	p, _ := newTestPipeline(t, completer)

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		ev := event("evt-ctx-"+string(rune('a'+i)), "user-a", "message")
		if _, err := p.Process(ctx, ev); err != nil {
			t.Fatalf("Process() error = %v", err)
		}
	}

	completer.mu.Lock()
	last := completer.history[len(completer.history)-1]
	completer.mu.Unlock()

	// contextDepth is 5 turns, each contributing user + assistant messages.
	if len(last) > 10 {
		t.Fatalf("context messages = %d, want <= 10", len(last))
	}
	if len(last) == 0 {
		t.Fatalf("context messages empty after prior turns")
	}
	if last[0].Role != "user" {
		t.Fatalf("context must start with a user message, got %q", last[0].Role)
	}
}

func TestProcessRejectsInvalidEvent(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeCompleter{reply: "x"})

	cases := []Event{
		{UserIdentity: "u", Text: "hi"},
		{EventID: "e", Text: "hi"},
		{EventID: "e", UserIdentity: "u"},
	}
	for _, ev := range cases {
		if _, err := p.Process(context.Background(), ev); err == nil {
			t.Fatalf("Process(%+v) error = nil, want validation failure", ev)
		}
	}

	bad := 120
	ev := event("evt-s", "user-a", "hi")
	ev.Satisfaction = &bad
	if _, err := p.Process(context.Background(), ev); err == nil {
		t.Fatalf("Process() accepted out-of-range satisfaction signal")
	}
}

func TestProcessFailsClosedWhenStoreUnavailable(t *testing.T) {
	completer := &fakeCompleter{reply: "x"}
	st := &failingStore{}
	metrics := observability.NewMetrics("test_store_unavailable")
	p := NewPipeline(st, completer, 1, 5, zerolog.Nop(), metrics)

	_, err := p.Process(context.Background(), event("evt-f", "user-a", "hello"))
	if err == nil {
		t.Fatalf("Process() error = nil, want store failure")
	}
	if completer.Calls() != 0 {
		t.Fatalf("upstream called despite store being down")
	}
}

type failingStore struct {
	store.MemoryStore
}

var errStoreDown = errors.New("store down")

func (f *failingStore) GetOrCreateConversation(context.Context, string) (store.Conversation, error) {
	return store.Conversation{}, errStoreDown
}
