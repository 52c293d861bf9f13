package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CallOutcome is how a call screen was left. Values are part of the public API.
type CallOutcome string

const (
	CallOutcomeCompleted CallOutcome = "completed"
	CallOutcomeStopped   CallOutcome = "stopped"
	CallOutcomePostponed CallOutcome = "postponed"
	CallOutcomeForfeited CallOutcome = "forfeited"
	CallOutcomeAbandoned CallOutcome = "abandoned"
)

// ConsumesSession reports whether the outcome uses up one of the match's sessions.
func (o CallOutcome) ConsumesSession() bool {
	return o == CallOutcomeCompleted || o == CallOutcomeForfeited
}

// CallRecord is written once per call screen when it is torn down.
type CallRecord struct {
	ID         string      `gorm:"type:varchar(36);primaryKey" json:"id"`
	SessionID  string      `gorm:"type:varchar(32);uniqueIndex;not null" json:"session_id"`
	MatchID    string      `gorm:"type:varchar(36);not null;index" json:"match_id"`
	UserID     string      `gorm:"type:varchar(36);not null;index" json:"user_id"`
	Role       string      `gorm:"type:varchar(16);not null" json:"role"`
	Outcome    CallOutcome `gorm:"type:varchar(16);not null" json:"outcome"`
	FinalState string      `gorm:"type:varchar(16);not null" json:"final_state"`
	Attempts   int         `json:"attempts"`
	Failures   int         `json:"failures"`
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    time.Time   `json:"ended_at"`
}

func (r *CallRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}
