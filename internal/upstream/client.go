// Package upstream adapts the external completion API (an Anthropic-style
// messages endpoint) behind a small retrying client with a typed failure
// taxonomy.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/htakeda/lineflow/internal/reliability"
)

// Failure taxonomy. Callers branch with errors.Is; every failure returned by
// Complete wraps exactly one of these.
var (
	ErrTimeout             = errors.New("upstream: timeout")
	ErrRateLimited         = errors.New("upstream: rate limited")
	ErrUpstreamRejected    = errors.New("upstream: rejected")
	ErrUpstreamUnavailable = errors.New("upstream: unavailable")
)

// Message is one prior turn of conversation context, oldest-first.
type Message struct {
	Role string `json:"role"`
	Text string `json:"content"`
}

// Completion is a successful upstream result. Latency covers the whole
// Complete call including retries.
type Completion struct {
	Text    string
	Latency time.Duration
}

// Completer produces a reply for a user message given bounded context.
type Completer interface {
	Complete(ctx context.Context, history []Message, userText string) (Completion, error)
}

// Config holds the client's retry and endpoint settings.
type Config struct {
	URL         string
	APIKey      string
	Model       string
	MaxTokens   int
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// OnAttempt, when set, is invoked before each network attempt.
	OnAttempt func()
}

// Client calls the completion endpoint with one bounded timeout per attempt
// and retries transient failures up to MaxAttempts.
type Client struct {
	cfg    Config
	client *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = 8 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Client{
		cfg: cfg,
		// The per-attempt deadline comes from the request context, so the
		// transport itself carries no timeout.
		client: &http.Client{},
	}
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []Message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *Client) Complete(ctx context.Context, history []Message, userText string) (Completion, error) {
	if strings.TrimSpace(userText) == "" {
		return Completion{}, fmt.Errorf("%w: empty user text", ErrUpstreamRejected)
	}

	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Text: userText})

	payload, err := json.Marshal(messagesRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Messages:  messages,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := reliability.Jitter(reliability.ExponentialBackoff(attempt-1, c.cfg.BackoffBase, c.cfg.BackoffCap))
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Completion{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			case <-timer.C:
			}
		}

		if c.cfg.OnAttempt != nil {
			c.cfg.OnAttempt()
		}

		text, retryable, err := c.attempt(ctx, payload)
		if err == nil {
			return Completion{Text: text, Latency: time.Since(start)}, nil
		}
		lastErr = err
		if !retryable {
			return Completion{}, err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return Completion{}, lastErr
}

func (c *Client) attempt(ctx context.Context, payload []byte) (string, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return "", false, fmt.Errorf("%w: create request: %v", ErrUpstreamRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", "2023-06-01")
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}

	res, err := c.client.Do(req)
	if err != nil {
		if attemptCtx.Err() != nil {
			return "", true, fmt.Errorf("%w: attempt exceeded %v", ErrTimeout, c.cfg.Timeout)
		}
		return "", true, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		excerpt := strings.TrimSpace(string(body))
		switch {
		case res.StatusCode == http.StatusTooManyRequests:
			return "", true, fmt.Errorf("%w: status %d: %s", ErrRateLimited, res.StatusCode, excerpt)
		case reliability.IsRetryableHTTPStatus(res.StatusCode):
			return "", true, fmt.Errorf("%w: status %d: %s", ErrUpstreamUnavailable, res.StatusCode, excerpt)
		default:
			return "", false, fmt.Errorf("%w: status %d: %s", ErrUpstreamRejected, res.StatusCode, excerpt)
		}
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", true, fmt.Errorf("%w: read response: %v", ErrUpstreamUnavailable, err)
	}

	var parsed messagesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", false, fmt.Errorf("%w: malformed response: %v", ErrUpstreamRejected, err)
	}

	var out strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", false, fmt.Errorf("%w: empty completion", ErrUpstreamRejected)
	}
	return text, false, nil
}
