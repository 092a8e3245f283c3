// Package repository declares the persistence interfaces the kernel
// consumes. Implementations live in infrastructure; the hot path of a
// turn never reads through them — engines reload history on restart.
package repository

import (
	"context"
	"time"

	"github.com/loomlab/loom/kernel/internal/domain/entity"
)

// MessageRepository stores conversation messages.
type MessageRepository interface {
	// Append persists one message at the end of the conversation.
	Append(ctx context.Context, conversationID string, msg entity.Message) error
	// History loads the most recent messages in insertion order.
	History(ctx context.Context, conversationID string, limit int) ([]entity.Message, error)
}

// DispatchRecord is the persisted trace of one dispatched sub-agent.
type DispatchRecord struct {
	ConversationID string
	AgentID        string
	Mission        string
	Skills         []string
	Status         entity.AgentStatus
	Result         string
	ToolCallsUsed  int
	DurationMS     int64
	CreatedAt      time.Time
}

// DispatchRecordRepository stores dispatched-agent traces for analytics
// and diagnostics.
type DispatchRecordRepository interface {
	Record(ctx context.Context, rec DispatchRecord) error
}
