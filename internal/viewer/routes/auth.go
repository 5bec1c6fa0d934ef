package routes

import (
	"errors"
	"net/http"

	"github.com/ringlet-chat/ringlet/internal/identity"
	"github.com/ringlet-chat/ringlet/internal/storage"
)

type userVM struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Blocked     bool   `json:"blocked,omitempty"` // blocked by the signed-in user
}

func toUserVM(u storage.User) userVM {
	return userVM{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName}
}

func registerAuthRoutes(mux *http.ServeMux, d Deps) {
	// POST /api/auth/signup
	handlePost(mux, "/api/auth/signup", func(w http.ResponseWriter, r *http.Request, req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}) {
		u, token, err := d.Identity.Signup(r.Context(), req.Username, req.Password, req.DisplayName)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, storage.ErrUsernameTaken) {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		setSessionCookie(w, token)
		writeJSON(w, map[string]any{"user": toUserVM(u), "token": token})
	})

	// POST /api/auth/login
	handlePost(mux, "/api/auth/login", func(w http.ResponseWriter, r *http.Request, req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}) {
		u, token, err := d.Identity.Login(r.Context(), req.Username, req.Password)
		if err != nil {
			if errors.Is(err, identity.ErrInvalidCredentials) {
				http.Error(w, "invalid credentials", http.StatusUnauthorized)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		setSessionCookie(w, token)
		writeJSON(w, map[string]any{"user": toUserVM(u), "token": token})
	})

	// POST /api/auth/logout
	handlePost(mux, "/api/auth/logout", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if token := sessionToken(r); token != "" {
			d.Identity.Logout(token)
		}
		clearSessionCookie(w)
		writeJSON(w, map[string]string{"status": "signed_out"})
	})

	// GET /api/auth/self — the signed-in user, 401 otherwise.
	handleGet(mux, "/api/auth/self", func(w http.ResponseWriter, r *http.Request) {
		u, ok := requireUser(d, w, r)
		if !ok {
			return
		}
		writeJSON(w, toUserVM(u))
	})

	// GET /api/users — everyone except the signed-in user, for the contact list.
	handleGet(mux, "/api/users", func(w http.ResponseWriter, r *http.Request) {
		self, ok := requireUser(d, w, r)
		if !ok {
			return
		}
		users, err := d.Users.List(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		blockedIDs, err := d.Users.Blocked(r.Context(), self.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		blocked := make(map[string]bool, len(blockedIDs))
		for _, id := range blockedIDs {
			blocked[id] = true
		}
		out := make([]userVM, 0, len(users))
		for _, u := range users {
			if u.ID == self.ID {
				continue
			}
			vm := toUserVM(u)
			vm.Blocked = blocked[u.ID]
			out = append(out, vm)
		}
		writeJSON(w, out)
	})

	// POST /api/user/block and /api/user/unblock — a blocked pair cannot
	// message or call each other in either direction.
	handlePost(mux, "/api/user/block", func(w http.ResponseWriter, r *http.Request, req struct {
		UserID string `json:"userId"`
	}) {
		self, ok := requireUser(d, w, r)
		if !ok {
			return
		}
		if err := d.Users.Block(r.Context(), self.ID, req.UserID); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, storage.ErrUserNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, map[string]string{"status": "blocked"})
	})
	handlePost(mux, "/api/user/unblock", func(w http.ResponseWriter, r *http.Request, req struct {
		UserID string `json:"userId"`
	}) {
		self, ok := requireUser(d, w, r)
		if !ok {
			return
		}
		if err := d.Users.Unblock(r.Context(), self.ID, req.UserID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "unblocked"})
	})
}
