package cluster

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the typed envelope relayed between workers. The payload is
// opaque to the relay; application code imposes further structure.
type Message struct {
	ID        string          `json:"id"`
	Sender    string          `json:"sender"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage wraps an arbitrary payload in a broadcast envelope.
func NewMessage(sender string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("cluster: marshal payload: %w", err)
	}
	return Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}
