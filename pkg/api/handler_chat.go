package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tarsy-bot/tarsy/pkg/events"
	"github.com/tarsy-bot/tarsy/pkg/models"
	"github.com/tarsy-bot/tarsy/pkg/services"
)

// CreateChatRequest opens (or returns) the follow-up chat for a
// terminal session.
type CreateChatRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// PostChatMessageRequest is one user question.
type PostChatMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// PostChatMessageResponse carries the stored message id and the
// assistant's reply.
type PostChatMessageResponse struct {
	MessageID string `json:"message_id"`
	Reply     string `json:"reply"`
}

// SessionChatResponse is the chat plus its user message history.
type SessionChatResponse struct {
	Chat     *models.Chat              `json:"chat"`
	Messages []*models.ChatUserMessage `json:"messages"`
}

func (s *Server) handleCreateChat(c *gin.Context) {
	var req CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	sess, err := s.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	if !sess.Status.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "chat is only available after the session finishes"})
		return
	}

	// One chat per session. Publish chat.created only on first creation.
	chat, err := s.chats.GetChatBySession(ctx, req.SessionID)
	if errors.Is(err, services.ErrNotFound) {
		chat, err = s.chats.GetOrCreateChat(ctx, req.SessionID, extractAuthor(c))
		if err == nil && s.publisher != nil {
			_ = s.publisher.PublishChatCreated(ctx, events.ChatCreatedPayload{
				Type:      events.EventTypeChatCreated,
				SessionID: chat.SessionID,
				ChatID:    chat.ID,
				Author:    chat.Author,
			})
		}
	}
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, chat)
}

func (s *Server) handlePostChatMessage(c *gin.Context) {
	var req PostChatMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.chatExec == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat is not available"})
		return
	}
	ctx := c.Request.Context()
	chatID := c.Param("id")

	chat, err := s.chats.GetChat(ctx, chatID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	msg, err := s.chats.AddUserMessage(ctx, chatID, req.Content, extractAuthor(c))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	if s.publisher != nil {
		_ = s.publisher.PublishChatUserMessage(ctx, events.ChatUserMessagePayload{
			Type:      events.EventTypeChatUserMessage,
			SessionID: chat.SessionID,
			ChatID:    chat.ID,
			MessageID: msg.ID,
			Content:   msg.Content,
			Author:    msg.Author,
		})
	}

	sess, err := s.sessions.GetSession(ctx, chat.SessionID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	reply, err := s.chatExec.Answer(ctx, sess, chat.ID, req.Content)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, PostChatMessageResponse{MessageID: msg.ID, Reply: reply})
}

func (s *Server) handleGetSessionChat(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	chat, err := s.chats.GetChatBySession(ctx, sessionID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	messages, err := s.chats.ListUserMessages(ctx, chat.ID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	if messages == nil {
		messages = []*models.ChatUserMessage{}
	}

	c.JSON(http.StatusOK, SessionChatResponse{Chat: chat, Messages: messages})
}
