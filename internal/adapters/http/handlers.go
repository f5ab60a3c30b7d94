package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dkeye/Call/internal/app/orch"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/gin-gonic/gin"
)

type signalRequest struct {
	ConversationID string          `json:"conversationId"`
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data"`
}

type typingRequest struct {
	ConversationID string `json:"conversationId"`
	Typing         bool   `json:"typing"`
}

type readRequest struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type handlers struct {
	orch *orch.Orchestrator
}

// signal republishes {conversationId, type, data} on the conversation channel.
func (h *handlers) signal(c *gin.Context) {
	user := currentUser(c)
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, fmt.Errorf("%w: %v", domain.ErrBadRequest, err))
		return
	}
	if req.ConversationID == "" || req.Type == "" {
		abortWithError(c, fmt.Errorf("%w: conversationId and type are required", domain.ErrBadRequest))
		return
	}
	t, err := domain.ParseSignalType(req.Type)
	if err != nil {
		abortWithError(c, fmt.Errorf("%w: %v", domain.ErrBadRequest, err))
		return
	}
	sid := core.SocketID(c.GetHeader("X-Socket-ID"))
	if _, err := h.orch.PublishSignal(c.Request.Context(), user.ID, domain.ConversationID(req.ConversationID), t, req.Data, sid); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// authorizeChannel signs a channel subscription for the relay websocket.
func (h *handlers) authorizeChannel(c *gin.Context) {
	user := currentUser(c)
	sid := core.SocketID(c.PostForm("socket_id"))
	channel := c.PostForm("channel_name")
	key, err := h.orch.AuthorizeChannel(c.Request.Context(), user.ID, sid, channel)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auth": key})
}

func (h *handlers) typing(c *gin.Context) {
	user := currentUser(c)
	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, fmt.Errorf("%w: %v", domain.ErrBadRequest, err))
		return
	}
	event := "typing:stop"
	if req.Typing {
		event = "typing:start"
	}
	data := gin.H{"userId": user.ID, "username": user.Username}
	if err := h.orch.PublishChat(c.Request.Context(), user.ID, domain.ConversationID(req.ConversationID), event, data); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *handlers) read(c *gin.Context) {
	user := currentUser(c)
	var req readRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, fmt.Errorf("%w: %v", domain.ErrBadRequest, err))
		return
	}
	if req.MessageID == "" {
		abortWithError(c, fmt.Errorf("%w: messageId is required", domain.ErrBadRequest))
		return
	}
	data := gin.H{"userId": user.ID, "messageId": req.MessageID}
	if err := h.orch.PublishChat(c.Request.Context(), user.ID, domain.ConversationID(req.ConversationID), "message:read", data); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// presence lists users with a live relay socket.
func (h *handlers) presence(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"online": h.orch.Registry.OnlineUsers()})
}

func (h *handlers) me(c *gin.Context) {
	c.JSON(http.StatusOK, currentUser(c))
}
