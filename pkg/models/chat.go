package models

// Chat is the follow-up conversation attached to a completed session.
// There is at most one chat per session.
type Chat struct {
	ID          string `json:"chat_id"`
	SessionID   string `json:"session_id"`
	CreatedAtUS int64  `json:"created_at_us"`
	Author      string `json:"author,omitempty"`
}

// ChatUserMessage is one user turn in a chat. Assistant replies are
// recorded as LLM interactions tied to the chat's session.
type ChatUserMessage struct {
	ID          string `json:"message_id"`
	ChatID      string `json:"chat_id"`
	Content     string `json:"content"`
	Author      string `json:"author,omitempty"`
	CreatedAtUS int64  `json:"created_at_us"`
}
