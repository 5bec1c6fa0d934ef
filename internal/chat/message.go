package chat

import (
	"time"

	"github.com/google/uuid"
)

// Message is one chat message inside a direct conversation.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewMessage creates a message with a fresh id and timestamp.
func NewMessage(chatID, senderID, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}
