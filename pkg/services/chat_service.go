package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tarsy-bot/tarsy/pkg/models"
)

// ChatService manages the one-chat-per-session follow-up conversation.
type ChatService struct {
	db *sql.DB
}

// NewChatService creates a new ChatService
func NewChatService(db *sql.DB) *ChatService {
	return &ChatService{db: db}
}

// GetOrCreateChat returns the session's chat, creating it on first use.
// The UNIQUE constraint on session_id makes concurrent creation safe:
// the loser of the race re-reads the winner's row.
func (s *ChatService) GetOrCreateChat(ctx context.Context, sessionID, author string) (*models.Chat, error) {
	chat, err := s.GetChatBySession(ctx, sessionID)
	if err == nil {
		return chat, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	created := &models.Chat{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		CreatedAtUS: models.NowUS(),
		Author:      author,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chats (chat_id, session_id, created_at_us, author)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id) DO NOTHING`,
		created.ID, created.SessionID, created.CreatedAtUS, created.Author)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}

	return s.GetChatBySession(ctx, sessionID)
}

// GetChatBySession retrieves the chat attached to a session.
func (s *ChatService) GetChatBySession(ctx context.Context, sessionID string) (*models.Chat, error) {
	var chat models.Chat
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id, session_id, created_at_us, author FROM chats WHERE session_id = $1`,
		sessionID).Scan(&chat.ID, &chat.SessionID, &chat.CreatedAtUS, &chat.Author)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return &chat, nil
}

// GetChat retrieves a chat by id.
func (s *ChatService) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	var chat models.Chat
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id, session_id, created_at_us, author FROM chats WHERE chat_id = $1`,
		chatID).Scan(&chat.ID, &chat.SessionID, &chat.CreatedAtUS, &chat.Author)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return &chat, nil
}

// AddUserMessage appends a user message to a chat.
func (s *ChatService) AddUserMessage(ctx context.Context, chatID, content, author string) (*models.ChatUserMessage, error) {
	msg := &models.ChatUserMessage{
		ID:          uuid.New().String(),
		ChatID:      chatID,
		Content:     content,
		Author:      author,
		CreatedAtUS: models.NowUS(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_user_messages (message_id, chat_id, content, author, created_at_us)
		 VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.ChatID, msg.Content, msg.Author, msg.CreatedAtUS)
	if err != nil {
		return nil, fmt.Errorf("failed to add user message: %w", err)
	}
	return msg, nil
}

// ListUserMessages returns a chat's user messages oldest-first.
func (s *ChatService) ListUserMessages(ctx context.Context, chatID string) ([]*models.ChatUserMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, chat_id, content, author, created_at_us
		 FROM chat_user_messages WHERE chat_id = $1 ORDER BY created_at_us ASC`,
		chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.ChatUserMessage
	for rows.Next() {
		var m models.ChatUserMessage
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Content, &m.Author, &m.CreatedAtUS); err != nil {
			return nil, fmt.Errorf("failed to scan user message: %w", err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate user messages: %w", err)
	}
	return messages, nil
}
