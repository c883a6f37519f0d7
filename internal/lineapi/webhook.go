// Package lineapi is the boundary with the LINE messaging platform: webhook
// signature verification, webhook payload parsing and the reply client.
package lineapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/htakeda/lineflow/internal/ingest"
)

// SignatureHeader carries the webhook HMAC on every LINE delivery.
const SignatureHeader = "X-Line-Signature"

// VerifySignature checks the webhook HMAC-SHA256 of the raw body against the
// channel secret. Comparison is constant-time.
func VerifySignature(channelSecret string, body []byte, signature string) bool {
	if channelSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type webhookPayload struct {
	Destination string         `json:"destination"`
	Events      []webhookEvent `json:"events"`
}

type webhookEvent struct {
	Type           string `json:"type"`
	WebhookEventID string `json:"webhookEventId"`
	Timestamp      int64  `json:"timestamp"`
	ReplyToken     string `json:"replyToken"`
	Source         struct {
		Type   string `json:"type"`
		UserID string `json:"userId"`
	} `json:"source"`
	Message struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"message"`
}

// InboundMessage is one text message extracted from a webhook delivery,
// paired with the reply token needed to answer it.
type InboundMessage struct {
	Event      ingest.Event
	ReplyToken string
}

// ParseWebhook extracts text message events from a webhook body. Non-message
// and non-text events (follows, stickers, images) are counted but skipped;
// the relay only forwards text.
func ParseWebhook(body []byte) ([]InboundMessage, int, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, 0, fmt.Errorf("parse webhook body: %w", err)
	}

	messages := make([]InboundMessage, 0, len(payload.Events))
	skipped := 0
	for _, ev := range payload.Events {
		if ev.Type != "message" || ev.Message.Type != "text" || strings.TrimSpace(ev.Message.Text) == "" {
			skipped++
			continue
		}
		// Group and room sources can deliver messages without a userId.
		// There is no conversation to attach them to, so they are skipped
		// rather than failed, which would make the platform redeliver them
		// forever.
		if strings.TrimSpace(ev.Source.UserID) == "" {
			skipped++
			continue
		}
		id := ev.WebhookEventID
		if id == "" {
			id = ev.Message.ID
		}
		messages = append(messages, InboundMessage{
			Event: ingest.Event{
				EventID:      id,
				UserIdentity: ev.Source.UserID,
				Text:         ev.Message.Text,
				Timestamp:    time.UnixMilli(ev.Timestamp).UTC(),
			},
			ReplyToken: ev.ReplyToken,
		})
	}
	return messages, skipped, nil
}
