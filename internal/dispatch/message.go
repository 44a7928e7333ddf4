package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pranavko12/weathervault/internal/domain"
	"github.com/pranavko12/weathervault/internal/telemetry"
)

// Message is one dispatch of one work item. The item's state is re-read from the control
// store when the message is processed, so the message carries only the key and the owner
// of the lease the dispatcher took for it.
type Message struct {
	ItemID      string    `json:"item_id"`
	LeaseOwner  string    `json:"lease_owner,omitempty"`
	Traceparent string    `json:"traceparent,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

func NewMessage(ctx context.Context, itemID, leaseOwner string, now time.Time) Message {
	return Message{
		ItemID:      itemID,
		LeaseOwner:  leaseOwner,
		Traceparent: telemetry.TraceparentFromContext(ctx),
		EnqueuedAt:  now.UTC(),
	}
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeMessage(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("decode dispatch message: %w", err)
	}
	if _, _, err := domain.ParseItemID(m.ItemID); err != nil {
		return Message{}, err
	}
	return m, nil
}
