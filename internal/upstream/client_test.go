package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

func newTestClient(url string, maxAttempts int, timeout time.Duration) *Client {
	return NewClient(Config{
		URL:         url,
		Model:       "claude-3-5-haiku-latest",
		MaxTokens:   256,
		Timeout:     timeout,
		MaxAttempts: maxAttempts,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	})
}

func completionBody(text string) []byte {
	b, _ := json.Marshal(map[string]any{
		"content": []map[string]string{{"type": "text", "text": text}},
	})
	return b
}

func TestCompleteReturnsReplyAndHistoryOrder(t *testing.T) {
	var captured messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(completionBody("hello back"))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, 3, time.Second)
	history := []Message{
		{Role: "user", Text: "first"},
		{Role: "assistant", Text: "second"},
	}
	got, err := client.Complete(context.Background(), history, "third")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got.Text != "hello back" {
		t.Fatalf("Complete() text = %q, want %q", got.Text, "hello back")
	}
	if got.Latency <= 0 {
		t.Fatalf("Complete() latency = %v, want > 0", got.Latency)
	}

	if len(captured.Messages) != 3 {
		t.Fatalf("upstream received %d messages, want 3", len(captured.Messages))
	}
	if captured.Messages[0].Text != "first" || captured.Messages[2].Text != "third" {
		t.Fatalf("history order wrong: %+v", captured.Messages)
	}
	if captured.Messages[2].Role != "user" {
		t.Fatalf("new message role = %q, want user", captured.Messages[2].Role)
	}
}

func TestCompleteRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(completionBody("eventually"))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, 3, time.Second)
	got, err := client.Complete(context.Background(), nil, "hi")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got.Text != "eventually" {
		t.Fatalf("Complete() text = %q, want %q", got.Text, "eventually")
	}
	if calls.Load() != 3 {
		t.Fatalf("upstream calls = %d, want 3", calls.Load())
	}
}

func TestCompleteTimeoutConsumesExactRetryBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// Drain the body so the server can observe the client disconnect;
		// otherwise r.Context() is never canceled and Close() hangs.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, 3, 30*time.Millisecond)
	_, err := client.Complete(context.Background(), nil, "hi")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Complete() error = %v, want ErrTimeout", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("upstream attempts = %d, want exactly the retry budget 3", calls.Load())
	}
}

func TestCompleteRateLimitIsRetryable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write(completionBody("after limit"))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, 2, time.Second)
	got, err := client.Complete(context.Background(), nil, "hi")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got.Text != "after limit" {
		t.Fatalf("Complete() text = %q", got.Text)
	}
}

func TestCompleteRejectedFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, 3, time.Second)
	_, err := client.Complete(context.Background(), nil, "hi")
	if !errors.Is(err, ErrUpstreamRejected) {
		t.Fatalf("Complete() error = %v, want ErrUpstreamRejected", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("upstream calls = %d, want 1 (no retry on 4xx)", calls.Load())
	}
}

func TestCompleteRejectsEmptyUserText(t *testing.T) {
	client := newTestClient("http://127.0.0.1:0", 3, time.Second)
	_, err := client.Complete(context.Background(), nil, "   ")
	if !errors.Is(err, ErrUpstreamRejected) {
		t.Fatalf("Complete() error = %v, want ErrUpstreamRejected", err)
	}
}
