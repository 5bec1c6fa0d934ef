package routes

import (
	"encoding/json"
	"net/http"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ringlet-chat/ringlet/internal/storage"
)

var log = logging.Logger("routes")

const sessionCookie = "ringlet_session"

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("write json response: %v", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return err
	}
	return nil
}

func handleGet(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost registers a POST handler whose JSON body decodes into T.
func handlePost[T any](mux *http.ServeMux, pattern string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if decodeJSON(w, r, &req) != nil {
			return
		}
		fn(w, r, req)
	})
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// sessionToken extracts the session token from the cookie or, for API
// clients, a bearer Authorization header.
func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// requireUser resolves the request's session to a user, or writes a 401.
func requireUser(d Deps, w http.ResponseWriter, r *http.Request) (storage.User, bool) {
	token := sessionToken(r)
	if token == "" {
		http.Error(w, "not signed in", http.StatusUnauthorized)
		return storage.User{}, false
	}
	u, err := d.Identity.UserForToken(r.Context(), token)
	if err != nil {
		http.Error(w, "not signed in", http.StatusUnauthorized)
		return storage.User{}, false
	}
	return u, true
}

func setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
