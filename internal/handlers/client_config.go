package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type clientConfigResponse struct {
	Debug              bool  `json:"debug"`
	RetryLimit         int   `json:"retry_limit"`
	RetryWindowSeconds int64 `json:"retry_window_seconds"`
	CallLimitSeconds   int64 `json:"call_limit_seconds"`
}

func (h *Handlers) GetClientConfig(c *gin.Context) {
	limit, window := h.sessions.RetryBudget()
	c.JSON(http.StatusOK, clientConfigResponse{
		Debug:              h.config.LogLevel == "debug",
		RetryLimit:         limit,
		RetryWindowSeconds: int64(window.Seconds()),
		CallLimitSeconds:   int64(h.config.CallLimit.Seconds()),
	})
}
