package handlers

import (
	"log/slog"
	"time"

	"github.com/goodlistener/callserver/internal/config"
	"github.com/goodlistener/callserver/internal/turn"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

type Handlers struct {
	db         *gorm.DB
	config     *config.Config
	turnServer *turn.TURNServer
	sessions   *SessionStore
	wsHub      *WSHub
	wsUpgrader websocket.Upgrader
	roles      *userRoles
	notifier   Notifier
	nowFn      func() time.Time
	logger     *slog.Logger
}

func New(
	db *gorm.DB,
	cfg *config.Config,
	turnServer *turn.TURNServer,
	sessions *SessionStore,
	wsHub *WSHub,
	wsUpgrader websocket.Upgrader,
	logger *slog.Logger,
) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		db:         db,
		config:     cfg,
		turnServer: turnServer,
		sessions:   sessions,
		wsHub:      wsHub,
		wsUpgrader: wsUpgrader,
		roles:      &userRoles{db: db},
		notifier:   newWebPushNotifier(db, cfg.VAPIDKeys, logger),
		nowFn:      time.Now,
		logger:     logger,
	}
}

// Mount registers the API routes on r.
func (h *Handlers) Mount(r gin.IRouter) {
	r.POST("/register", h.Register)
	r.POST("/login", h.Login)
	r.GET("/vapid-public-key", h.GetVAPIDPublicKey)
	r.GET("/turn-config", h.GetTURNConfig)
	r.GET("/translations/:lang", h.GetTranslations)
	r.GET("/client-config", h.GetClientConfig)

	protected := r.Group("")
	protected.Use(h.AuthMiddleware())
	{
		protected.GET("/me", h.GetMe)
		protected.PUT("/me/role", h.SetRole)

		protected.POST("/match/user", h.ApplyMatch)
		protected.GET("/matches", h.ListMatches)

		protected.POST("/sessions", h.CreateSession)
		protected.GET("/sessions/:session_id", h.GetSession)
		protected.POST("/sessions/:session_id/events", h.PostSessionEvent)
		protected.DELETE("/sessions/:session_id", h.LeaveSession)
		protected.GET("/sessions/:session_id/ws", h.HandleSessionWebSocket)

		protected.POST("/push/subscribe", h.SubscribePush)
		protected.DELETE("/push/subscribe", h.UnsubscribePush)
	}
}

func currentUserID(c *gin.Context) string {
	return c.GetString("user_id")
}
