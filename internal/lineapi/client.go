package lineapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// FallbackText is sent to the user when a turn fails terminally. The turn is
// still recorded with its failure outcome.
const FallbackText = "申し訳ありません、ただいま応答できません。しばらくしてからもう一度お試しください。"

// Client posts reply messages back to the LINE messaging API.
type Client struct {
	baseURL      string
	channelToken string
	client       *http.Client
}

func NewClient(baseURL, channelToken string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		channelToken: channelToken,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type replyRequest struct {
	ReplyToken string         `json:"replyToken"`
	Messages   []replyMessage `json:"messages"`
}

type replyMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Reply answers one webhook event through its reply token. Reply tokens are
// single-use and short-lived, so failures are reported but not retried.
func (c *Client) Reply(ctx context.Context, replyToken, text string) error {
	payload, err := json.Marshal(replyRequest{
		ReplyToken: replyToken,
		Messages:   []replyMessage{{Type: "text", Text: text}},
	})
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/bot/message/reply", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.channelToken)

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("line reply status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
