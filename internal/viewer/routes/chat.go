package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ringlet-chat/ringlet/internal/chat"
	"github.com/ringlet-chat/ringlet/internal/storage"
)

type messageVM struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	HTML      string `json:"html"`
	CreatedAt string `json:"createdAt"`
}

func toMessageVM(m chat.Message) messageVM {
	html, err := chat.RenderHTML(m.Content)
	if err != nil {
		html = ""
	}
	return messageVM{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		HTML:      html,
		CreatedAt: m.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

// chatAccess loads the chat and checks the user is a member.
func chatAccess(d Deps, w http.ResponseWriter, r *http.Request, chatID, userID string) (storage.Chat, bool) {
	c, err := d.Chats.Get(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, storage.ErrChatNotFound) {
			http.Error(w, "chat not found", http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return storage.Chat{}, false
	}
	if !c.HasMember(userID) {
		http.Error(w, "not a member of this chat", http.StatusForbidden)
		return storage.Chat{}, false
	}
	return c, true
}

// blockedInChat reports whether a direct chat is blocked in either direction.
// Group chats are never block-gated; a blocked pair simply coexists there.
func blockedInChat(d Deps, r *http.Request, c storage.Chat, userID string) (bool, error) {
	peer := c.Peer(userID)
	if peer == "" {
		return false, nil
	}
	return d.Users.BlockedEither(r.Context(), userID, peer)
}

func registerChatRoutes(mux *http.ServeMux, d Deps) {
	// POST /api/chat/open — resolve (or create) the chat with a peer.
	handlePost(mux, "/api/chat/open", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID string `json:"peerId"`
	}) {
		self, ok := requireUser(d, w, r)
		if !ok {
			return
		}
		if req.PeerID == "" || req.PeerID == self.ID {
			http.Error(w, "missing or invalid peerId", http.StatusBadRequest)
			return
		}
		if _, err := d.Users.ByID(r.Context(), req.PeerID); err != nil {
			if errors.Is(err, storage.ErrUserNotFound) {
				http.Error(w, "no such user", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		c, err := d.Chats.Ensure(r.Context(), self.ID, req.PeerID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, c)
	})

	// POST /api/chat/group — create a named group chat.
	handlePost(mux, "/api/chat/group", func(w http.ResponseWriter, r *http.Request, req struct {
		Name      string   `json:"name"`
		MemberIDs []string `json:"memberIds"`
	}) {
		self, ok := requireUser(d, w, r)
		if !ok {
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			http.Error(w, "missing group name", http.StatusBadRequest)
			return
		}
		for _, id := range req.MemberIDs {
			if id == self.ID {
				continue
			}
			if _, err := d.Users.ByID(r.Context(), id); err != nil {
				if errors.Is(err, storage.ErrUserNotFound) {
					http.Error(w, "no such user: "+id, http.StatusNotFound)
					return
				}
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		c, err := d.Chats.CreateGroup(r.Context(), strings.TrimSpace(req.Name), self.ID, req.MemberIDs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, c)
	})

	// GET /api/chats — the signed-in user's chats.
	handleGet(mux, "/api/chats", func(w http.ResponseWriter, r *http.Request) {
		self, ok := requireUser(d, w, r)
		if !ok {
			return
		}
		chats, err := d.Chats.ForUser(r.Context(), self.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, chats)
	})

	// GET  /api/chat/{id}/messages — history, oldest first.
	// POST /api/chat/{id}/send     — append one message.
	// GET  /api/chat/{id}/events   — SSE: new messages as they arrive.
	mux.HandleFunc("/api/chat/", func(w http.ResponseWriter, r *http.Request) {
		tail := strings.TrimPrefix(r.URL.Path, "/api/chat/")
		parts := strings.SplitN(tail, "/", 2)
		if len(parts) != 2 || parts[0] == "" {
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}
		chatID, action := parts[0], parts[1]

		// /api/chat/open and /api/chat/group are handled above; the mux
		// prefers the longer patterns.
		self, ok := requireUser(d, w, r)
		if !ok {
			return
		}
		c, ok := chatAccess(d, w, r, chatID, self.ID)
		if !ok {
			return
		}

		switch action {
		case "messages":
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			msgs, err := d.Chats.List(r.Context(), c.ID, d.Cfg().Chat.HistoryLimit)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			out := make([]messageVM, 0, len(msgs))
			for _, m := range msgs {
				out = append(out, toMessageVM(m))
			}
			writeJSON(w, out)

		case "send":
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			var req struct {
				Content string `json:"content"`
			}
			if decodeJSON(w, r, &req) != nil {
				return
			}
			if strings.TrimSpace(req.Content) == "" {
				http.Error(w, "empty message", http.StatusBadRequest)
				return
			}
			if blocked, err := blockedInChat(d, r, c, self.ID); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			} else if blocked {
				http.Error(w, "messaging is blocked between these users", http.StatusForbidden)
				return
			}
			msg, err := d.Chats.Append(r.Context(), c.ID, self.ID, req.Content)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, toMessageVM(msg))

		case "events":
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			serveChatEvents(d, w, r, c.ID)

		default:
			http.Error(w, "unknown chat action", http.StatusNotFound)
		}
	})
}

func serveChatEvents(d Deps, w http.ResponseWriter, r *http.Request, chatID string) {
	sseHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	msgCh := make(chan chat.Message, 64)
	cancel := d.Chats.Subscribe(chatID, func(m chat.Message) {
		select {
		case msgCh <- m:
		default:
			// drop on slow subscriber
		}
	})
	defer cancel()

	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case m := <-msgCh:
			data, err := json.Marshal(toMessageVM(m))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
