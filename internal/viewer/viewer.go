// Package viewer is the node's web surface: the chat and call pages plus the
// JSON/SSE/WebSocket API the pages talk to.
package viewer

import (
	"net/http"

	"github.com/ringlet-chat/ringlet/internal/call"
	"github.com/ringlet-chat/ringlet/internal/config"
	"github.com/ringlet-chat/ringlet/internal/identity"
	"github.com/ringlet-chat/ringlet/internal/storage"
	"github.com/ringlet-chat/ringlet/internal/viewer/routes"
)

type Viewer struct {
	Identity *identity.Service
	Users    *storage.UserStore
	Chats    *storage.ChatStore
	Calls    *call.Manager

	Cfg  func() config.Config
	Logs *LogBuffer

	// BaseURL is the canonical URL of this node, e.g. http://127.0.0.1:8420.
	BaseURL string
}

// NewMux builds the full route table. Separate from Start so tests can drive
// it with httptest.
func NewMux(v Viewer) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		servePage(homePage)(w, r)
	})
	mux.HandleFunc("/call", servePage(callPage))

	routes.Register(mux, routes.Deps{
		Identity: v.Identity,
		Users:    v.Users,
		Chats:    v.Chats,
		Calls:    v.Calls,
		Cfg:      v.Cfg,
		BaseURL:  v.BaseURL,
	})

	if v.Logs != nil && v.Cfg().Viewer.Debug {
		mux.HandleFunc("/api/logs", v.Logs.ServeLogsJSON)
		mux.HandleFunc("/api/logs/stream", v.Logs.ServeLogsSSE)
	}
	return mux
}

func Start(addr string, v Viewer) error {
	return http.ListenAndServe(addr, NewMux(v))
}
