package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/goodlistener/callserver/internal/callflow"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 70 * time.Second
	wsPingPeriod      = 30 * time.Second
	wsHeartbeatPeriod = 5 * time.Second
)

type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wsStateData struct {
	Session callflow.Snapshot `json:"session"`
	State   callflow.Result   `json:"state"`
}

type wsNavigateData struct {
	SessionID   string                    `json:"session_id"`
	Destination string                    `json:"destination"`
	Reason      callflow.NavigationReason `json:"reason"`
	FinalState  callflow.State            `json:"final_state"`
}

type wsErrorData struct {
	Error     string `json:"error"`
	Status    int    `json:"status"`
	Discarded bool   `json:"discarded"`
}

func (h *Handlers) HandleSessionWebSocket(c *gin.Context) {
	entry, ok := h.loadSession(c)
	if !ok {
		return
	}
	sessionID := entry.coord.ID()

	clientID, err := gonanoid.New(12)
	if err != nil {
		h.logger.Error("ws client id failed", "session_id", sessionID, "error", err)
		return
	}

	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	client := &wsClient{
		conn:      conn,
		send:      make(chan []byte, 32),
		sessionID: sessionID,
		clientID:  clientID,
	}
	h.wsHub.Add(client)
	h.logger.Debug("ws connected", "session_id", sessionID, "client_id", clientID, "ip", c.ClientIP())

	if !h.pushState(client, entry.coord) {
		_ = client.conn.Close()
		h.wsHub.Remove(sessionID, clientID)
		return
	}

	stopHeartbeat := make(chan struct{})
	go h.writePump(client)
	go h.heartbeatState(client, stopHeartbeat)
	h.readPump(client, entry)
	close(stopHeartbeat)
}

func (h *Handlers) readPump(client *wsClient, entry *Session) {
	defer func() {
		h.logger.Debug("ws disconnect", "session_id", client.sessionID, "client_id", client.clientID)
		_ = client.conn.Close()
		h.wsHub.Remove(client.sessionID, client.clientID)
	}()

	_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			h.logger.Debug("ws read error", "session_id", client.sessionID, "client_id", client.clientID, "error", err)
			return
		}

		var msg wsEnvelope
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.logger.Debug("ws bad json", "session_id", client.sessionID, "error", err)
			continue
		}

		switch msg.Type {
		case "ping":
			continue
		case "event":
			var req sessionEventRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil || req.Kind == "" {
				client.trySend(errorMessage(errors.New("event kind is required"), http.StatusBadRequest))
				continue
			}
			if _, _, err := h.applyEvent(context.Background(), entry, req); err != nil {
				client.trySend(errorMessage(err, eventErrorStatus(err)))
			}
		default:
			h.logger.Debug("ws unknown message", "session_id", client.sessionID, "type", msg.Type)
		}
	}
}

func (h *Handlers) writePump(client *wsClient) {
	defer func() {
		_ = client.conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handlers) heartbeatState(client *wsClient, stop <-chan struct{}) {
	ticker := time.NewTicker(wsHeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			entry, err := h.sessions.Get(client.sessionID, h.nowFn())
			if err != nil {
				if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionExpired) {
					h.wsHub.Remove(client.sessionID, client.clientID)
					return
				}
				continue
			}
			if !h.pushState(client, entry.coord) {
				_ = client.conn.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

// pushState queues the current state for one socket. The send happens under the
// coordinator lock so it cannot overtake a newer state from the observer.
func (h *Handlers) pushState(client *wsClient, coord *callflow.Coordinator) bool {
	ok := true
	coord.Inspect(func(snap callflow.Snapshot, res callflow.Result) {
		ok = client.trySend(stateMessage(snap, res))
	})
	return ok
}

func stateMessage(snap callflow.Snapshot, res callflow.Result) []byte {
	msg, _ := json.Marshal(wsEnvelope{
		Type: "state",
		Data: mustMarshal(wsStateData{Session: snap, State: res}),
	})
	return msg
}

func navigateMessage(snap callflow.Snapshot, cmd callflow.NavigationCommand) []byte {
	msg, _ := json.Marshal(wsEnvelope{
		Type: "navigate",
		Data: mustMarshal(wsNavigateData{
			SessionID:   snap.ID,
			Destination: cmd.Destination,
			Reason:      cmd.Reason,
			FinalState:  snap.State,
		}),
	})
	return msg
}

func errorMessage(err error, status int) []byte {
	msg, _ := json.Marshal(wsEnvelope{
		Type: "error",
		Data: mustMarshal(wsErrorData{
			Error:     err.Error(),
			Status:    status,
			Discarded: callflow.Discarded(err),
		}),
	})
	return msg
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
