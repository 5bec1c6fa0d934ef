package storage

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ringlet-chat/ringlet/internal/chat"
)

// ErrChatNotFound is returned for lookups of unknown chats.
var ErrChatNotFound = errors.New("storage: chat not found")

// Chat is a conversation: direct between two users, or a named group.
type Chat struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"` // groups only
	Direct    bool      `json:"direct"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasMember reports whether userID participates in the chat.
func (c Chat) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Peer returns the other participant of a direct chat, or "" for groups and
// non-members.
func (c Chat) Peer(userID string) string {
	if !c.Direct || len(c.Members) != 2 {
		return ""
	}
	switch userID {
	case c.Members[0]:
		return c.Members[1]
	case c.Members[1]:
		return c.Members[0]
	}
	return ""
}

// ChatStore persists chats and messages, and fans out new messages to
// in-process subscribers for the SSE routes.
type ChatStore struct {
	db *sql.DB

	mu      sync.Mutex
	subs    map[string]map[int]func(chat.Message) // chatID -> subscribers
	nextSub int
}

// NewChatStore wraps d for chat access.
func NewChatStore(d *DB) *ChatStore {
	return &ChatStore{db: d.db, subs: make(map[string]map[int]func(chat.Message))}
}

// Ensure returns the direct chat between the two users, creating it if
// absent. The participant pair is keyed in sorted order so (a, b) and (b, a)
// resolve to the same chat.
func (s *ChatStore) Ensure(ctx context.Context, a, b string) (Chat, error) {
	ua, ub := a, b
	if ub < ua {
		ua, ub = ub, ua
	}
	key := ua + "|" + ub

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, direct, direct_key, created_at) VALUES (?, 1, ?, ?)
		 ON CONFLICT (direct_key) DO NOTHING`,
		id, key, time.Now().UTC())
	if err != nil {
		return Chat{}, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM chats WHERE direct_key = ?`, key).Scan(&id); err != nil {
		return Chat{}, err
	}
	for _, m := range []string{ua, ub} {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO chat_members (chat_id, user_id) VALUES (?, ?)`, id, m); err != nil {
			return Chat{}, err
		}
	}
	return s.Get(ctx, id)
}

// CreateGroup creates a named group chat. The creator is always a member;
// memberIDs are deduplicated.
func (s *ChatStore) CreateGroup(ctx context.Context, name, creatorID string, memberIDs []string) (Chat, error) {
	if name == "" {
		return Chat{}, errors.New("storage: group chat needs a name")
	}
	members := map[string]struct{}{creatorID: {}}
	for _, m := range memberIDs {
		if m != "" {
			members[m] = struct{}{}
		}
	}
	if len(members) < 2 {
		return Chat{}, errors.New("storage: group chat needs at least one other member")
	}

	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, name, direct, created_at) VALUES (?, ?, 0, ?)`,
		id, name, time.Now().UTC()); err != nil {
		return Chat{}, err
	}
	for m := range members {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO chat_members (chat_id, user_id) VALUES (?, ?)`, id, m); err != nil {
			return Chat{}, err
		}
	}
	return s.Get(ctx, id)
}

// Get returns one chat by id, members included.
func (s *ChatStore) Get(ctx context.Context, id string) (Chat, error) {
	var c Chat
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, direct, created_at FROM chats WHERE id = ?`, id)
	err := row.Scan(&c.ID, &c.Name, &c.Direct, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrChatNotFound
	}
	if err != nil {
		return Chat{}, err
	}
	if c.Members, err = s.members(ctx, c.ID); err != nil {
		return Chat{}, err
	}
	return c, nil
}

// ForUser lists the chats a user participates in, newest first.
func (s *ChatStore) ForUser(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.name, c.direct, c.created_at
		 FROM chats c JOIN chat_members m ON m.chat_id = c.id
		 WHERE m.user_id = ? ORDER BY c.created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Name, &c.Direct, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Members, err = s.members(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *ChatStore) members(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM chat_members WHERE chat_id = ? ORDER BY user_id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Append stores a message and notifies subscribers of the chat.
func (s *ChatStore) Append(ctx context.Context, chatID, senderID, content string) (chat.Message, error) {
	if _, err := s.Get(ctx, chatID); err != nil {
		return chat.Message{}, err
	}

	msg := chat.NewMessage(chatID, senderID, content)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.SenderID, msg.Content, msg.CreatedAt)
	if err != nil {
		return chat.Message{}, err
	}

	s.mu.Lock()
	subs := make([]func(chat.Message), 0, len(s.subs[chatID]))
	for _, fn := range s.subs[chatID] {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(msg)
	}
	return msg, nil
}

// List returns up to limit messages of a chat in send order.
func (s *ChatStore) List(ctx context.Context, chatID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, sender_id, content, created_at
		 FROM messages WHERE chat_id = ? ORDER BY seq LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Subscribe registers fn for every new message in the chat.
func (s *ChatStore) Subscribe(chatID string, fn func(chat.Message)) (cancel func()) {
	s.mu.Lock()
	if s.subs[chatID] == nil {
		s.subs[chatID] = make(map[int]func(chat.Message))
	}
	s.nextSub++
	key := s.nextSub
	s.subs[chatID][key] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs[chatID], key)
		s.mu.Unlock()
	}
}
