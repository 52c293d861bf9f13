package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionsPerMatch is how many call days a speaker gets with a listener.
const SessionsPerMatch = 7

// Match pairs a speaker with a listener for a run of scheduled calls.
type Match struct {
	ID           string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	SpeakerID    string    `gorm:"type:varchar(36);not null;index" json:"speaker_id"`
	ListenerID   string    `gorm:"type:varchar(36);not null;index" json:"listener_id"`
	MatchDates   string    `gorm:"type:text" json:"-"`
	ApplyDesc    string    `gorm:"type:text" json:"apply_desc"`
	WantImg      int       `json:"want_img"`
	SessionsLeft int       `gorm:"not null" json:"sessions_left"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	Speaker  User `gorm:"foreignKey:SpeakerID" json:"-"`
	Listener User `gorm:"foreignKey:ListenerID" json:"-"`
}

func (m *Match) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.SessionsLeft == 0 {
		m.SessionsLeft = SessionsPerMatch
	}
	return nil
}

// Dates returns the requested call dates.
func (m *Match) Dates() []string {
	if m.MatchDates == "" {
		return nil
	}
	return strings.Split(m.MatchDates, ",")
}

func (m *Match) SetDates(dates []string) {
	cleaned := make([]string, 0, len(dates))
	for _, d := range dates {
		if d = strings.TrimSpace(d); d != "" {
			cleaned = append(cleaned, d)
		}
	}
	m.MatchDates = strings.Join(cleaned, ",")
}

// PeerOf returns the other participant's id.
func (m *Match) PeerOf(userID string) string {
	if userID == m.SpeakerID {
		return m.ListenerID
	}
	return m.SpeakerID
}

// Includes reports whether userID takes part in the match.
func (m *Match) Includes(userID string) bool {
	return userID == m.SpeakerID || userID == m.ListenerID
}
