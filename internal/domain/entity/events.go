package entity

import "time"

// Event types published on the kernel event bus. Subscribers are channel
// adapters and the analytics sink; delivery is lossy on back-pressure.
const (
	EventTokenUsage    = "kernel.token_usage"
	EventTurnCompleted = "kernel.turn_completed"
)

// TokenUsageEvent is broadcast after every LLM round-trip the engine makes.
type TokenUsageEvent struct {
	ConversationID   string    `json:"conversation_id"`
	UserID           string    `json:"user_id"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Cost             float64   `json:"cost"`
	At               time.Time `json:"at"`
}

// TurnCompletedEvent is broadcast once per user turn, after the assistant
// reply has been appended to history.
type TurnCompletedEvent struct {
	ConversationID string        `json:"conversation_id"`
	UserID         string        `json:"user_id"`
	Channel        string        `json:"channel"`
	Reply          string        `json:"reply"`
	Iterations     int           `json:"iterations"`
	AgentsUsed     int           `json:"agents_used"`
	SkillCallsUsed int           `json:"skill_calls_used"`
	Duration       time.Duration `json:"duration"`
	At             time.Time     `json:"at"`
}
