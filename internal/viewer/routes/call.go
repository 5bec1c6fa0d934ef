package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/ringlet-chat/ringlet/internal/call"
	"github.com/ringlet-chat/ringlet/internal/signal"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The UI is same-host only, but the host part varies (localhost vs LAN IP).
	CheckOrigin: func(r *http.Request) bool { return true },
}

// callURL builds the link a chat message carries to the call page.
func callURL(base string, rec signal.CallRecord, chatID string) string {
	q := url.Values{}
	q.Set("callId", rec.ID)
	if chatID != "" {
		q.Set("chatId", chatID)
	}
	q.Set("callerId", rec.CallerID)
	q.Set("receiverId", rec.ReceiverID)
	return base + "/call?" + q.Encode()
}

func callErrStatus(err error) int {
	switch {
	case errors.Is(err, call.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, call.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, signal.ErrNotFound), errors.Is(err, call.ErrEnded),
		errors.Is(err, call.ErrNoSession):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func registerCallRoutes(mux *http.ServeMux, d Deps) {
	// POST /api/call/start — dial a user; optionally posts the invite link
	// into the shared chat.
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		ReceiverID string `json:"receiverId"`
		ChatID     string `json:"chatId"`
	}) {
		self, ok := requireUser(d, w, r)
		if !ok {
			return
		}
		if blocked, err := d.Users.BlockedEither(r.Context(), self.ID, req.ReceiverID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		} else if blocked {
			http.Error(w, "calling is blocked between these users", http.StatusForbidden)
			return
		}
		sess, err := d.Calls.StartCall(r.Context(), self.ID, req.ReceiverID)
		if err != nil {
			http.Error(w, fmt.Sprintf("start call failed: %v", err), callErrStatus(err))
			return
		}
		rec := signal.CallRecord{ID: sess.CallID, CallerID: self.ID, ReceiverID: req.ReceiverID}
		link := callURL(d.BaseURL, rec, req.ChatID)

		if req.ChatID != "" {
			if _, err := d.Chats.Append(r.Context(), req.ChatID, self.ID, "Incoming call: "+link); err != nil {
				log.Warnf("posting call link to chat %s: %v", req.ChatID, err)
			}
		}
		writeJSON(w, map[string]string{"callId": sess.CallID, "url": link})
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"callId"`
	}) {
		self, ok := requireUser(d, w, r)
		if !ok {
			return
		}
		if req.CallID == "" {
			http.Error(w, "missing callId", http.StatusBadRequest)
			return
		}
		if _, err := d.Calls.AcceptCall(r.Context(), req.CallID, self.ID); err != nil {
			http.Error(w, fmt.Sprintf("accept failed: %v", err), callErrStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "accepted", "callId": req.CallID})
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"callId"`
	}) {
		self, ok := requireUser(d, w, r)
		if !ok {
			return
		}
		if req.CallID == "" {
			http.Error(w, "missing callId", http.StatusBadRequest)
			return
		}
		if err := d.Calls.RejectCall(r.Context(), req.CallID, self.ID); err != nil {
			http.Error(w, fmt.Sprintf("reject failed: %v", err), callErrStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "rejected", "callId": req.CallID})
	})

	// POST /api/call/hangup — also sent via sendBeacon when the call page closes.
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"callId"`
	}) {
		self, ok := requireUser(d, w, r)
		if !ok {
			return
		}
		if req.CallID == "" {
			http.Error(w, "missing callId", http.StatusBadRequest)
			return
		}
		if err := d.Calls.HangupCall(r.Context(), req.CallID, self.ID); err != nil {
			http.Error(w, fmt.Sprintf("hangup failed: %v", err), callErrStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up", "callId": req.CallID})
	})

	// GET /api/call/open?callId=X — resolve the call page's query params to a
	// session. Fails closed for outsiders before anything is touched.
	handleGet(mux, "/api/call/open", func(w http.ResponseWriter, r *http.Request) {
		self, ok := requireUser(d, w, r)
		if !ok {
			return
		}
		callID := r.URL.Query().Get("callId")
		if callID == "" {
			http.Error(w, "missing callId", http.StatusBadRequest)
			return
		}
		sess, err := d.Calls.OpenCall(r.Context(), callID, self.ID)
		if err != nil {
			http.Error(w, fmt.Sprintf("open failed: %v", err), callErrStatus(err))
			return
		}
		writeJSON(w, map[string]string{
			"callId": sess.CallID,
			"role":   string(sess.Role),
			"state":  string(sess.State()),
		})
	})

	// GET /api/call/events — SSE: incoming call notifications for the
	// signed-in user. One subscription per connection, removed on disconnect.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		self, ok := requireUser(d, w, r)
		if !ok {
			return
		}
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		inCh := make(chan signal.CallRecord, 8)
		cancel, err := d.Calls.WatchIncoming(self.ID, func(rec signal.CallRecord) {
			select {
			case inCh <- rec:
			default:
			}
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case rec := <-inCh:
				data, err := json.Marshal(map[string]string{
					"type":     "incoming-call",
					"callId":   rec.ID,
					"callerId": rec.CallerID,
					"url":      callURL(d.BaseURL, rec, ""),
				})
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: call\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})

	// GET /api/call/session/{id}/events — SSE: state transitions until the
	// session ends.
	mux.HandleFunc("/api/call/session/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tail := strings.TrimPrefix(r.URL.Path, "/api/call/session/")
		parts := strings.SplitN(tail, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] != "events" {
			http.Error(w, "invalid path, expected /api/call/session/{id}/events", http.StatusBadRequest)
			return
		}
		self, ok := requireUser(d, w, r)
		if !ok {
			return
		}
		sess := d.Calls.Session(parts[0], self.ID)
		if sess == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		states, cancel := sess.SubscribeState()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case st, ok := <-states:
				if !ok {
					return
				}
				data, _ := json.Marshal(map[string]string{"callId": sess.CallID, "state": string(st)})
				fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
				flusher.Flush()
				if st == call.StateEnded {
					return
				}
			}
		}
	})

	// GET /api/call/media/{id} — WebSocket: live WebM stream of the remote
	// tracks. First message is the init segment, then clusters, fed to MSE.
	mux.HandleFunc("/api/call/media/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		callID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/call/media/"), "/")
		if callID == "" {
			http.Error(w, "missing call id", http.StatusBadRequest)
			return
		}
		self, ok := requireUser(d, w, r)
		if !ok {
			return
		}
		sess := d.Calls.Session(callID, self.ID)
		if sess == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		frames, cancel, ok := sess.Media()
		if !ok {
			http.Error(w, "session has no media", http.StatusConflict)
			return
		}
		defer cancel()

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("call %s: websocket upgrade: %v", callID, err)
			return
		}
		defer conn.Close()

		// Drain pings and close frames without blocking the writer.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-sess.Done():
				return
			case data, ok := <-frames:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
					return
				}
			}
		}
	})
}
