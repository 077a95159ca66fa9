// Package messagebus implements the per-recipient FIFO inbox workers
// and the orchestrator use to exchange short text messages. Messages
// are never persisted to disk.
package messagebus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-fleet/orchestrator/pkg/orcherr"
	"github.com/opencode-fleet/orchestrator/pkg/types"
)

// MaxPerRecipient caps each recipient's inbox; the oldest message is
// dropped once the cap is exceeded.
const MaxPerRecipient = 1000

// Bus is a thread-safe collection of per-recipient FIFOs.
type Bus struct {
	mu      sync.Mutex
	inboxes map[string][]types.Message
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{inboxes: make(map[string][]types.Message)}
}

// Send appends a message to to's inbox and returns the persisted
// record. from, to, and text are required.
func (b *Bus) Send(from, to, topic, text string) (types.Message, error) {
	if from == "" || to == "" || text == "" {
		return types.Message{}, orcherr.New(orcherr.BridgeBadRequest, "send", to, nil)
	}

	msg := types.Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Topic:     topic,
		Text:      text,
		CreatedAt: time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	inbox := append(b.inboxes[to], msg)
	if len(inbox) > MaxPerRecipient {
		inbox = inbox[len(inbox)-MaxPerRecipient:]
	}
	b.inboxes[to] = inbox

	return msg, nil
}

// List returns messages addressed to `to` with CreatedAt strictly
// after `after`, oldest first, up to limit (0 = default of 50).
func (b *Bus) List(to string, after time.Time, limit int) []types.Message {
	if limit <= 0 {
		limit = 50
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]types.Message, 0, limit)
	for _, msg := range b.inboxes[to] {
		if !msg.CreatedAt.After(after) {
			continue
		}
		out = append(out, msg)
		if len(out) >= limit {
			break
		}
	}
	return out
}
