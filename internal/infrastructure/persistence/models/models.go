package models

import "time"

// MessageModel is the persisted conversation message row. Tool calls and
// content parts are stored as JSON so the kernel's message shape can
// evolve without migrations.
type MessageModel struct {
	ID             uint   `gorm:"primaryKey"`
	ConversationID string `gorm:"index:idx_conv_seq,priority:1"`
	Seq            int64  `gorm:"index:idx_conv_seq,priority:2"`
	Role           string
	Content        string `gorm:"type:text"`
	PartsJSON      string `gorm:"type:text"`
	ToolCallsJSON  string `gorm:"type:text"`
	ToolCallID     string
	CreatedAt      time.Time
}

func (MessageModel) TableName() string { return "messages" }

// DispatchModel is the persisted dispatched-agent trace.
type DispatchModel struct {
	ID             uint   `gorm:"primaryKey"`
	ConversationID string `gorm:"index"`
	AgentID        string
	Mission        string `gorm:"type:text"`
	SkillsJSON     string `gorm:"type:text"`
	Status         string
	Result         string `gorm:"type:text"`
	ToolCallsUsed  int
	DurationMS     int64
	CreatedAt      time.Time
}

func (DispatchModel) TableName() string { return "dispatched_agents" }
