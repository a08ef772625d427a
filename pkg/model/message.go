package model

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Message is a single chat message as produced by a record source. SenderID
// holds the raw platform identity on input and the pseudonym label after
// anonymization.
type Message struct {
	ID               int64             `json:"id"`
	SenderID         string            `json:"sender_id"`
	Content          string            `json:"content"`
	Date             time.Time         `json:"date"`
	ReplyToMsgID     int64             `json:"reply_to_msg_id,omitempty"`
	NormalizedValues []NormalizedValue `json:"normalized_values,omitempty"`
}

// NormalizedValue is a numeric fact extracted from message text by the
// normalization pass.
type NormalizedValue struct {
	Span       string  `json:"span"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit,omitempty"`
	Confidence string  `json:"confidence"`
}

// Validate checks the fields a record source must provide
func (m *Message) Validate() error {
	if m.ID == 0 {
		return goerr.Wrap(ErrInvalidMessage, "message ID is empty")
	}
	if m.Date.IsZero() {
		return goerr.Wrap(ErrInvalidMessage, "message timestamp is empty", goerr.V("id", m.ID))
	}
	return nil
}

// Before reports whether m sorts before other by the (timestamp, id)
// composite key. Ties on timestamp are broken by ID ascending so the sort
// order is total and deterministic.
func (m *Message) Before(other *Message) bool {
	if !m.Date.Equal(other.Date) {
		return m.Date.Before(other.Date)
	}
	return m.ID < other.ID
}
