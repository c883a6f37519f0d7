package ingest

import (
	"fmt"
	"time"

	"github.com/gookit/validate"
)

// Event is one inbound user message as delivered by the chat platform. The
// platform may redeliver the same event; EventID doubles as the turn's
// idempotency key.
type Event struct {
	EventID      string    `json:"event_id" validate:"required"`
	UserIdentity string    `json:"user_identity" validate:"required"`
	Text         string    `json:"text" validate:"required"`
	Timestamp    time.Time `json:"timestamp"`

	// Satisfaction is explicit user feedback (0-100) when the platform
	// supplies it alongside the message. Never derived.
	Satisfaction *int `json:"satisfaction_signal,omitempty"`
}

// Validate checks the required fields of an inbound event.
func (e Event) Validate() error {
	v := validate.Struct(e)
	if !v.Validate() {
		return fmt.Errorf("invalid event: %s", v.Errors.One())
	}
	if e.Satisfaction != nil && (*e.Satisfaction < 0 || *e.Satisfaction > 100) {
		return fmt.Errorf("invalid event: satisfaction_signal %d out of range 0-100", *e.Satisfaction)
	}
	return nil
}
