package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/goodlistener/callserver/internal/callflow"
	"github.com/goodlistener/callserver/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var errNoListener = errors.New("no listener available")

type applyMatchRequest struct {
	MatchDates []string `json:"match_dates" binding:"required,min=1"`
	ApplyDesc  string   `json:"apply_desc"`
	WantImg    int      `json:"want_img"`
}

type matchResponse struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	PeerID       string    `json:"peer_id"`
	PeerNickname string    `json:"peer_nickname"`
	MatchDates   []string  `json:"match_dates"`
	ApplyDesc    string    `json:"apply_desc"`
	WantImg      int       `json:"want_img"`
	SessionsLeft int       `json:"sessions_left"`
	CreatedAt    time.Time `json:"created_at"`
}

// ApplyMatch files a speaker's application and pairs them with the least busy listener.
func (h *Handlers) ApplyMatch(c *gin.Context) {
	userID := currentUserID(c)

	role, err := h.roles.RoleFor(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if role != callflow.RoleSpeaker {
		c.JSON(http.StatusForbidden, gin.H{"error": "only speakers can apply for a match"})
		return
	}

	var req applyMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var match models.Match
	err = h.db.Transaction(func(tx *gorm.DB) error {
		listener, err := leastBusyListener(tx, userID)
		if err != nil {
			return err
		}
		match = models.Match{
			SpeakerID:  userID,
			ListenerID: listener.ID,
			ApplyDesc:  req.ApplyDesc,
			WantImg:    req.WantImg,
			Listener:   listener,
		}
		match.SetDates(req.MatchDates)
		return tx.Omit("Speaker", "Listener").Create(&match).Error
	})
	if err != nil {
		if errors.Is(err, errNoListener) {
			c.JSON(http.StatusConflict, gin.H{"error": errNoListener.Error()})
			return
		}
		h.logger.Error("create match failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create match"})
		return
	}

	h.logger.Info("match created", "match_id", match.ID, "speaker_id", match.SpeakerID, "listener_id", match.ListenerID)
	c.JSON(http.StatusCreated, newMatchResponse(&match, userID))
}

func (h *Handlers) ListMatches(c *gin.Context) {
	userID := currentUserID(c)

	var matches []models.Match
	if err := h.db.Preload("Speaker").Preload("Listener").
		Where("speaker_id = ? OR listener_id = ?", userID, userID).
		Order("created_at DESC").
		Find(&matches).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}

	out := make([]matchResponse, 0, len(matches))
	for i := range matches {
		out = append(out, newMatchResponse(&matches[i], userID))
	}
	c.JSON(http.StatusOK, gin.H{"matches": out})
}

func leastBusyListener(tx *gorm.DB, speakerID string) (models.User, error) {
	var listeners []models.User
	if err := tx.Where("role = ? AND id <> ?", callflow.RoleListener.String(), speakerID).
		Order("created_at ASC").
		Find(&listeners).Error; err != nil {
		return models.User{}, err
	}
	if len(listeners) == 0 {
		return models.User{}, errNoListener
	}

	var counts []struct {
		ListenerID string
		N          int64
	}
	if err := tx.Model(&models.Match{}).
		Select("listener_id, COUNT(*) AS n").
		Group("listener_id").
		Scan(&counts).Error; err != nil {
		return models.User{}, err
	}
	load := make(map[string]int64, len(counts))
	for _, row := range counts {
		load[row.ListenerID] = row.N
	}

	best := listeners[0]
	for _, l := range listeners[1:] {
		if load[l.ID] < load[best.ID] {
			best = l
		}
	}
	return best, nil
}

func newMatchResponse(m *models.Match, viewerID string) matchResponse {
	resp := matchResponse{
		ID:           m.ID,
		Role:         callflow.RoleSpeaker.String(),
		PeerID:       m.ListenerID,
		PeerNickname: m.Listener.DisplayName(),
		MatchDates:   m.Dates(),
		ApplyDesc:    m.ApplyDesc,
		WantImg:      m.WantImg,
		SessionsLeft: m.SessionsLeft,
		CreatedAt:    m.CreatedAt,
	}
	if viewerID == m.ListenerID {
		resp.Role = callflow.RoleListener.String()
		resp.PeerID = m.SpeakerID
		resp.PeerNickname = m.Speaker.DisplayName()
	}
	if resp.MatchDates == nil {
		resp.MatchDates = []string{}
	}
	return resp
}
