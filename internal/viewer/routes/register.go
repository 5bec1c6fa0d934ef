package routes

import (
	"net/http"

	"github.com/ringlet-chat/ringlet/internal/call"
	"github.com/ringlet-chat/ringlet/internal/config"
	"github.com/ringlet-chat/ringlet/internal/identity"
	"github.com/ringlet-chat/ringlet/internal/storage"
)

// Deps carries everything the route handlers need. Wired once in the viewer.
type Deps struct {
	Identity *identity.Service
	Users    *storage.UserStore
	Chats    *storage.ChatStore
	Calls    *call.Manager

	Cfg     func() config.Config // live view; the config file hot-reloads
	BaseURL string
}

// Register wires all API routes onto mux.
func Register(mux *http.ServeMux, d Deps) {
	registerAuthRoutes(mux, d)
	registerChatRoutes(mux, d)
	registerCallRoutes(mux, d)
}
