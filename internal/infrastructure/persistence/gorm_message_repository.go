package persistence

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/loomlab/loom/kernel/internal/domain/entity"
	"github.com/loomlab/loom/kernel/internal/domain/repository"
	"github.com/loomlab/loom/kernel/internal/infrastructure/persistence/models"
)

// GormMessageRepository persists conversation messages through gorm.
type GormMessageRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormMessageRepository creates the repository.
func NewGormMessageRepository(db *gorm.DB, logger *zap.Logger) *GormMessageRepository {
	return &GormMessageRepository{
		db:     db,
		logger: logger.With(zap.String("component", "message-repository")),
	}
}

var _ repository.MessageRepository = (*GormMessageRepository)(nil)

// Append implements repository.MessageRepository.
func (r *GormMessageRepository) Append(ctx context.Context, conversationID string, msg entity.Message) error {
	row := models.MessageModel{
		ConversationID: conversationID,
		Seq:            time.Now().UnixNano(),
		Role:           msg.Role,
		Content:        msg.Content,
		ToolCallID:     msg.ToolCallID,
	}
	if len(msg.Parts) > 0 {
		if raw, err := json.Marshal(msg.Parts); err == nil {
			row.PartsJSON = string(raw)
		}
	}
	if len(msg.ToolCalls) > 0 {
		if raw, err := json.Marshal(msg.ToolCalls); err == nil {
			row.ToolCallsJSON = string(raw)
		}
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

// History implements repository.MessageRepository: the most recent limit
// messages in insertion order.
func (r *GormMessageRepository) History(ctx context.Context, conversationID string, limit int) ([]entity.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []models.MessageModel
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	// Reverse into insertion order.
	out := make([]entity.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, toEntity(rows[i], r.logger))
	}
	return out, nil
}

func toEntity(row models.MessageModel, logger *zap.Logger) entity.Message {
	msg := entity.Message{
		Role:       row.Role,
		Content:    row.Content,
		ToolCallID: row.ToolCallID,
	}
	if row.PartsJSON != "" {
		if err := json.Unmarshal([]byte(row.PartsJSON), &msg.Parts); err != nil {
			logger.Warn("Corrupt parts JSON", zap.Uint("id", row.ID), zap.Error(err))
		}
	}
	if row.ToolCallsJSON != "" {
		if err := json.Unmarshal([]byte(row.ToolCallsJSON), &msg.ToolCalls); err != nil {
			logger.Warn("Corrupt tool calls JSON", zap.Uint("id", row.ID), zap.Error(err))
		}
	}
	return msg
}
