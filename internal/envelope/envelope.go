package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates how an envelope is routed. The set below is closed
// for routing decisions; unknown kinds still decode and are handed to
// inbound handlers untouched.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindBroadcast    Kind = "broadcast"
	KindNotification Kind = "notification"
)

// Broadcast is the reserved recipient meaning "every registered agent".
const Broadcast = "broadcast"

func (k Kind) Known() bool {
	switch k {
	case KindRequest, KindResponse, KindBroadcast, KindNotification:
		return true
	}
	return false
}

// Envelope is the message value exchanged between agents. Envelopes are
// values: once constructed they are never mutated, and the payload must be
// treated as read-only by everyone it is delivered to.
type Envelope struct {
	ID            string    `json:"id"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Kind          Kind      `json:"kind"`
	Payload       Payload   `json:"payload,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// New builds an envelope with a fresh unique id and creation timestamp.
func New(from, to string, kind Kind, payload Payload) (Envelope, error) {
	if from == "" {
		return Envelope{}, errors.New("envelope sender is required")
	}
	if to == "" {
		return Envelope{}, errors.New("envelope recipient is required")
	}
	if !kind.Known() {
		return Envelope{}, fmt.Errorf("unknown envelope kind %q", kind)
	}
	if err := payload.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("invalid payload: %w", err)
	}
	return Envelope{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Reply builds the response envelope answering e, addressed back to its
// sender and correlated with its id.
func (e Envelope) Reply(payload Payload) (Envelope, error) {
	r, err := New(e.To, e.From, KindResponse, payload)
	if err != nil {
		return Envelope{}, err
	}
	r.CorrelationID = e.ID
	return r, nil
}

// IsResponse reports whether e can fulfill a correlated wait. Unknown kinds
// never correlate, whatever their correlation id claims.
func (e Envelope) IsResponse() bool {
	return e.Kind == KindResponse && e.CorrelationID != ""
}

func Marshal(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}
