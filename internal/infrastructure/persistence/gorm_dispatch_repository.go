package persistence

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"

	"github.com/loomlab/loom/kernel/internal/domain/repository"
	"github.com/loomlab/loom/kernel/internal/infrastructure/persistence/models"
)

// GormDispatchRepository persists dispatched-agent traces.
type GormDispatchRepository struct {
	db *gorm.DB
}

// NewGormDispatchRepository creates the repository.
func NewGormDispatchRepository(db *gorm.DB) *GormDispatchRepository {
	return &GormDispatchRepository{db: db}
}

var _ repository.DispatchRecordRepository = (*GormDispatchRepository)(nil)

// Record implements repository.DispatchRecordRepository.
func (r *GormDispatchRepository) Record(ctx context.Context, rec repository.DispatchRecord) error {
	skills, _ := json.Marshal(rec.Skills)
	row := models.DispatchModel{
		ConversationID: rec.ConversationID,
		AgentID:        rec.AgentID,
		Mission:        rec.Mission,
		SkillsJSON:     string(skills),
		Status:         string(rec.Status),
		Result:         rec.Result,
		ToolCallsUsed:  rec.ToolCallsUsed,
		DurationMS:     rec.DurationMS,
		CreatedAt:      rec.CreatedAt,
	}
	return r.db.WithContext(ctx).Create(&row).Error
}
