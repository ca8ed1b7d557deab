package store

import (
	"context"
	"time"
)

// DedupRecord is one inbound transport message the router has seen.
type DedupRecord struct {
	MessageID      string     `json:"message_id"`
	ConversationID string     `json:"conversation_id"`
	ReceivedAt     time.Time  `json:"received_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
}

// DedupRepo drops transport redeliveries of the same inbound message.
type DedupRepo interface {
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound records a message. It returns false if the message was
	// already recorded.
	RecordInbound(ctx context.Context, messageID, conversationID string) (bool, error)

	MarkProcessed(ctx context.Context, messageID string) error

	// PruneInbound forgets messages received before the cutoff and returns
	// how many were removed.
	PruneInbound(ctx context.Context, before time.Time) (int, error)
}
