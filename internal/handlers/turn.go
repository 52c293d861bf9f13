package handlers

import (
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
)

type iceServer struct {
	URLs       string `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

func (h *Handlers) GetVAPIDPublicKey(c *gin.Context) {
	if h.config.VAPIDKeys == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push is not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"publicKey": h.config.VAPIDKeys.PublicKey,
	})
}

// GetTURNConfig returns the ICE servers for the device calling SDK. The relay is UDP only,
// so it is advertised as turn: and never turns:.
func (h *Handlers) GetTURNConfig(c *gin.Context) {
	if h.turnServer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "TURN server is not running"})
		return
	}

	host := c.Request.Host
	if hostOnly, _, err := net.SplitHostPort(host); err == nil {
		host = hostOnly
	}

	creds := h.turnServer.GetCredentials()
	iceServers := []iceServer{
		{URLs: fmt.Sprintf("stun:%s:%d", host, h.config.TURNPort)},
		{
			URLs:       fmt.Sprintf("turn:%s:%d", host, h.config.TURNPort),
			Username:   creds.Username,
			Credential: creds.Password,
		},
	}

	h.logger.Debug("turn config requested", "host", host, "ice_servers", len(iceServers))
	c.JSON(http.StatusOK, gin.H{
		"iceServers": iceServers,
	})
}
