package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/goodlistener/callserver/internal/config"
	"github.com/goodlistener/callserver/internal/i18n"
	"github.com/goodlistener/callserver/internal/models"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Notifier delivers a notification to every device of a user.
type Notifier interface {
	Notify(ctx context.Context, userID string, msg PushMessage) error
}

type PushMessage struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

type PushSubscribeKeys struct {
	P256DH string `json:"p256dh" binding:"required"`
	Auth   string `json:"auth" binding:"required"`
}

type PushSubscribeRequest struct {
	Endpoint string            `json:"endpoint" binding:"required"`
	Keys     PushSubscribeKeys `json:"keys" binding:"required"`
}

func (h *Handlers) SubscribePush(c *gin.Context) {
	userID := currentUserID(c)

	var req PushSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	subscription := models.PushSubscription{
		UserID:   userID,
		Endpoint: req.Endpoint,
		P256DH:   req.Keys.P256DH,
		Auth:     req.Keys.Auth,
		Language: requestLanguage(c),
	}

	// Only the latest subscription of a user is kept.
	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.PushSubscription{}).Error; err != nil {
			return err
		}
		return tx.Omit("User").Create(&subscription).Error
	})
	if err != nil {
		h.logger.Error("push subscribe failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create subscription"})
		return
	}

	h.logger.Debug("push subscribed", "user_id", userID, "subscription_id", subscription.ID)
	c.JSON(http.StatusCreated, subscription)
}

func (h *Handlers) UnsubscribePush(c *gin.Context) {
	userID := currentUserID(c)

	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := h.db.Where("user_id = ? AND endpoint = ?", userID, req.Endpoint).Delete(&models.PushSubscription{})
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete subscription"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "unsubscribed"})
}

// notifyIncomingCall tells the matched speaker that their listener started dialing.
func (h *Handlers) notifyIncomingCall(ctx context.Context, matchID, listenerID string) {
	var match models.Match
	if err := h.db.WithContext(ctx).First(&match, "id = ?", matchID).Error; err != nil {
		h.logger.Warn("incoming call push: match lookup failed", "match_id", matchID, "error", err)
		return
	}
	if match.ListenerID != listenerID {
		return
	}

	lang := h.pushLanguage(ctx, match.SpeakerID)
	msg := PushMessage{
		Title: i18n.T(lang, "push.incoming.title"),
		Body:  i18n.T(lang, "push.incoming.body"),
		Data: map[string]any{
			"type":     "incoming_call",
			"match_id": match.ID,
		},
	}
	if err := h.notifier.Notify(ctx, match.SpeakerID, msg); err != nil {
		h.logger.Warn("incoming call push failed", "match_id", matchID, "speaker_id", match.SpeakerID, "error", err)
	}
}

// pushLanguage is the language the user's device subscribed with.
func (h *Handlers) pushLanguage(ctx context.Context, userID string) string {
	var sub models.PushSubscription
	err := h.db.WithContext(ctx).Select("language").Where("user_id = ?", userID).Take(&sub).Error
	if err != nil || sub.Language == "" {
		return i18n.DefaultLanguage
	}
	return i18n.Normalize(sub.Language)
}

type webPushNotifier struct {
	db     *gorm.DB
	keys   *config.VAPIDKeys
	logger *slog.Logger
}

func newWebPushNotifier(db *gorm.DB, keys *config.VAPIDKeys, logger *slog.Logger) *webPushNotifier {
	return &webPushNotifier{db: db, keys: keys, logger: logger}
}

func (n *webPushNotifier) Notify(ctx context.Context, userID string, msg PushMessage) error {
	if n.keys == nil || n.keys.PrivateKey == "" {
		n.logger.Debug("push skipped, no VAPID keys", "user_id", userID)
		return nil
	}

	var subscriptions []models.PushSubscription
	if err := n.db.WithContext(ctx).Where("user_id = ?", userID).Find(&subscriptions).Error; err != nil {
		return err
	}
	if len(subscriptions) == 0 {
		n.logger.Debug("no push subscriptions", "user_id", userID)
		return nil
	}

	payload, err := json.Marshal(struct {
		PushMessage
		Urgency string `json:"urgency"`
	}{PushMessage: msg, Urgency: "high"})
	if err != nil {
		return err
	}

	sent := 0
	for i := range subscriptions {
		sub := &subscriptions[i]
		resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256DH,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      n.keys.Subject,
			VAPIDPublicKey:  n.keys.PublicKey,
			VAPIDPrivateKey: n.keys.PrivateKey,
			Urgency:         webpush.UrgencyHigh,
			TTL:             30,
		})
		if err != nil {
			n.logger.Warn("push send failed", "user_id", userID, "subscription_id", sub.ID, "error", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			n.logger.Info("push subscription expired, deleting", "user_id", userID, "subscription_id", sub.ID)
			n.db.WithContext(ctx).Delete(sub)
			continue
		}
		sent++
	}

	n.logger.Debug("push delivered", "user_id", userID, "sent", sent, "total", len(subscriptions))
	return nil
}
