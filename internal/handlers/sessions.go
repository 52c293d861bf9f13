package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/goodlistener/callserver/internal/callflow"
	"github.com/goodlistener/callserver/internal/i18n"
	"github.com/goodlistener/callserver/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type createSessionRequest struct {
	MatchID string `json:"match_id" binding:"required"`
}

type sessionEventRequest struct {
	Kind    string `json:"kind" binding:"required"`
	Attempt uint64 `json:"attempt"`
}

type sessionView struct {
	MatchID  string            `json:"match_id"`
	Session  callflow.Snapshot `json:"session"`
	State    callflow.Result   `json:"state"`
	Title    string            `json:"title,omitempty"`
	Subtitle string            `json:"subtitle,omitempty"`
}

func (h *Handlers) CreateSession(c *gin.Context) {
	userID := currentUserID(c)

	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var match models.Match
	if err := h.db.Preload("Speaker").Preload("Listener").First(&match, "id = ?", req.MatchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "match not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	if !match.Includes(userID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "match not found"})
		return
	}
	if match.SessionsLeft <= 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "no sessions left for this match"})
		return
	}

	peer := match.Listener
	if userID == match.ListenerID {
		peer = match.Speaker
	}

	coord, err := h.sessions.Create(c.Request.Context(), h.roles, SessionParams{
		UserID:  userID,
		MatchID: match.ID,
		Profile: callflow.Profile{
			Nickname: peer.DisplayName(),
			ImageURL: peer.ProfileImage,
		},
		Navigator: h.sessionNavigator(userID, match.ID),
		Observer:  h.sessionObserver(),
	}, h.nowFn())
	if err != nil {
		switch {
		case errors.Is(err, callflow.ErrUnknownRole):
			c.JSON(http.StatusConflict, gin.H{"error": "user has no valid role"})
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		default:
			h.logger.Error("create call session failed", "user_id", userID, "match_id", match.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		}
		return
	}

	h.logger.Info("call session opened", "session_id", coord.ID(), "user_id", userID, "match_id", match.ID, "role", coord.Role())
	snap, res := coord.View()
	c.JSON(http.StatusCreated, newSessionView(match.ID, snap, res, requestLanguage(c)))
}

func (h *Handlers) GetSession(c *gin.Context) {
	entry, ok := h.loadSession(c)
	if !ok {
		return
	}
	snap, res := entry.coord.View()
	c.JSON(http.StatusOK, newSessionView(entry.matchID, snap, res, requestLanguage(c)))
}

func (h *Handlers) PostSessionEvent(c *gin.Context) {
	entry, ok := h.loadSession(c)
	if !ok {
		return
	}

	var req sessionEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snap, res, err := h.applyEvent(c.Request.Context(), entry, req)
	if err != nil {
		status := eventErrorStatus(err)
		c.JSON(status, gin.H{
			"error":     err.Error(),
			"discarded": callflow.Discarded(err),
		})
		return
	}
	c.JSON(http.StatusOK, newSessionView(entry.matchID, snap, res, requestLanguage(c)))
}

// LeaveSession is the user navigating away from the call screen.
func (h *Handlers) LeaveSession(c *gin.Context) {
	entry, ok := h.loadSession(c)
	if !ok {
		return
	}
	closed := entry.coord.Close(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"session_id": entry.coord.ID(),
		"closed":     closed,
	})
}

func (h *Handlers) loadSession(c *gin.Context) (*Session, bool) {
	entry, err := h.sessions.GetForUser(c.Param("session_id"), currentUserID(c), h.nowFn())
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case errors.Is(err, ErrSessionExpired):
			c.JSON(http.StatusGone, gin.H{"error": "session expired"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	return entry, true
}

// applyEvent feeds one event to the session. Attached sockets hear about it from the
// session observer.
func (h *Handlers) applyEvent(ctx context.Context, entry *Session, req sessionEventRequest) (callflow.Snapshot, callflow.Result, error) {
	ev := callflow.Event{
		Kind:    callflow.EventKind(strings.ToLower(strings.TrimSpace(req.Kind))),
		At:      h.nowFn(),
		Attempt: req.Attempt,
	}

	snap, res, err := entry.coord.Apply(ctx, ev)
	if err != nil {
		return snap, res, err
	}
	if ev.Kind == callflow.EventDial {
		go h.notifyIncomingCall(context.WithoutCancel(ctx), entry.matchID, entry.userID)
	}
	return snap, res, nil
}

// sessionObserver pushes every state change to the attached sockets. It runs under the
// coordinator lock, so sockets receive states in the order they were applied.
func (h *Handlers) sessionObserver() callflow.Observer {
	return callflow.ObserverFunc(func(_ context.Context, snap callflow.Snapshot, res callflow.Result) {
		h.wsHub.Broadcast(snap.ID, stateMessage(snap, res))
	})
}

// sessionNavigator persists the outcome and routes the attached clients back to main.
// It runs under the coordinator lock and must not call back into the coordinator.
func (h *Handlers) sessionNavigator(userID, matchID string) callflow.Navigator {
	return callflow.NavigatorFunc(func(ctx context.Context, snap callflow.Snapshot, cmd callflow.NavigationCommand) {
		h.sessions.Release(snap.ID)
		if err := h.recordCall(context.WithoutCancel(ctx), userID, matchID, snap, cmd); err != nil {
			h.logger.Error("record call failed", "session_id", snap.ID, "match_id", matchID, "error", err)
		}
		h.wsHub.Broadcast(snap.ID, navigateMessage(snap, cmd))
		h.wsHub.CloseSession(snap.ID)
	})
}

// recordCall writes the call record. Only the speaker's screen consumes a session of the
// match, so a call day is counted once.
func (h *Handlers) recordCall(ctx context.Context, userID, matchID string, snap callflow.Snapshot, cmd callflow.NavigationCommand) error {
	record := models.CallRecord{
		SessionID:  snap.ID,
		MatchID:    matchID,
		UserID:     userID,
		Role:       snap.Role.String(),
		Outcome:    models.CallOutcome(cmd.Reason),
		FinalState: snap.State.String(),
		Attempts:   int(snap.Attempt),
		Failures:   snap.Failures,
		StartedAt:  snap.StartedAt,
		EndedAt:    h.nowFn(),
	}

	return h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		if snap.Role != callflow.RoleSpeaker || !record.Outcome.ConsumesSession() {
			return nil
		}
		return tx.Model(&models.Match{}).
			Where("id = ? AND sessions_left > 0", matchID).
			UpdateColumn("sessions_left", gorm.Expr("sessions_left - 1")).Error
	})
}

func eventErrorStatus(err error) int {
	switch {
	case errors.Is(err, callflow.ErrStaleSignal):
		return http.StatusAccepted
	case errors.Is(err, callflow.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, callflow.ErrUnsupportedEvent):
		return http.StatusBadRequest
	case errors.Is(err, callflow.ErrInvalidActionForState), errors.Is(err, callflow.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func newSessionView(matchID string, snap callflow.Snapshot, res callflow.Result, lang string) sessionView {
	view := sessionView{
		MatchID: matchID,
		Session: snap,
		State:   res,
	}
	if res.UI.TitleKey != "" {
		view.Title = i18n.T(lang, res.UI.TitleKey)
	}
	if res.UI.SubtitleKey != "" {
		view.Subtitle = i18n.T(lang, res.UI.SubtitleKey)
	}
	return view
}

func requestLanguage(c *gin.Context) string {
	if lang := c.Query("lang"); lang != "" {
		return i18n.Normalize(lang)
	}
	return i18n.Normalize(c.GetHeader("Accept-Language"))
}
