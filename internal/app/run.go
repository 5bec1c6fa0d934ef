// Package app assembles a node: storage, identity, the call manager and the
// web viewer, wired from one config file.
package app

import (
	"context"
	"fmt"
	"io"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/ringlet-chat/ringlet/internal/call"
	"github.com/ringlet-chat/ringlet/internal/config"
	"github.com/ringlet-chat/ringlet/internal/identity"
	"github.com/ringlet-chat/ringlet/internal/storage"
	"github.com/ringlet-chat/ringlet/internal/util"
	"github.com/ringlet-chat/ringlet/internal/viewer"
)

var log = logging.Logger("app")

type Options struct {
	CfgPath string
	Cfg     config.Config
}

// Run starts the node and blocks until ctx is cancelled or the HTTP server
// fails.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	if cfg.Viewer.Debug {
		_ = logging.SetLogLevel("*", "debug")
	}

	// Mirror log output into the in-memory buffer behind /api/logs.
	logBuf := viewer.NewLogBuffer(800)
	pipe := logging.NewPipeReader()
	go func() {
		_, _ = io.Copy(logBuf, pipe)
	}()

	db, err := storage.Open(cfg.Paths.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	users := storage.NewUserStore(db)
	chats := storage.NewChatStore(db)
	callStore := storage.NewCallStore(db)
	defer callStore.Close()

	ident := identity.New(users)
	defer ident.OnChange(func(userID string) {
		log.Debugw("session change", "user", userID)
	})()

	// Config hot-reload: the call manager and the routes read through cfgNow,
	// so an edited ICE server list reaches the next call and a new history
	// limit the next request. The HTTP address and data dir stay fixed for
	// the process lifetime.
	var cfgMu sync.RWMutex
	cfgNow := func() config.Config {
		cfgMu.RLock()
		defer cfgMu.RUnlock()
		return cfg
	}
	stopWatch, err := config.Watch(opt.CfgPath, func(next config.Config) {
		cfgMu.Lock()
		next.Viewer.HTTPAddr = cfg.Viewer.HTTPAddr
		next.Paths.DataDir = cfg.Paths.DataDir
		cfg = next
		cfgMu.Unlock()
	})
	if err != nil {
		log.Warnf("config hot-reload disabled: %v", err)
	} else {
		defer stopWatch()
	}

	mgr := call.NewManager(callStore, func() []webrtc.ICEServer { return iceServers(cfgNow().ICE) }, call.MediaOptions{
		VideoBitRate: cfg.Call.VideoBitRate,
		VideoWidth:   cfg.Call.VideoWidth,
		VideoHeight:  cfg.Call.VideoHeight,
	})
	defer mgr.Close()

	baseURL := "http://" + cfg.Viewer.HTTPAddr
	v := viewer.Viewer{
		Identity: ident,
		Users:    users,
		Chats:    chats,
		Calls:    mgr,
		Cfg:      cfgNow,
		Logs:     logBuf,
		BaseURL:  baseURL,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- viewer.Start(cfg.Viewer.HTTPAddr, v)
	}()
	log.Infof("listening on %s", baseURL)

	if cfg.Viewer.OpenBrowser {
		if err := util.OpenURL(baseURL); err != nil {
			log.Warnf("open browser: %v", err)
		}
	}

	select {
	case <-ctx.Done():
		log.Infof("shutting down")
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

func iceServers(cfg config.ICE) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}
