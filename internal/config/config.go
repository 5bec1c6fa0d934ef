package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ringlet-chat/ringlet/internal/util"
)

type Config struct {
	Paths  Paths  `json:"paths"`
	Viewer Viewer `json:"viewer"`
	ICE    ICE    `json:"ice"`
	Call   Call   `json:"call"`
	Chat   Chat   `json:"chat"`
}

type Paths struct {
	// DataDir holds the SQLite database and anything else the node persists.
	DataDir string `json:"data_dir"`
}

type Viewer struct {
	// HTTPAddr is the listen address of the web UI, e.g. "127.0.0.1:8420".
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`

	// OpenBrowser launches the system browser at the UI URL on startup.
	OpenBrowser bool `json:"open_browser"`
}

// ICE configures the STUN/TURN servers handed to every peer connection.
type ICE struct {
	Servers []ICEServer `json:"servers"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Call struct {
	// VideoBitRate is the VP8 target bit rate in bits per second.
	VideoBitRate int `json:"video_bit_rate"`
	VideoWidth   int `json:"video_width"`
	VideoHeight  int `json:"video_height"`
}

type Chat struct {
	// HistoryLimit caps how many messages a chat page loads initially.
	HistoryLimit int `json:"history_limit"`
}

func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: "data",
		},
		Viewer: Viewer{
			HTTPAddr:    "127.0.0.1:8420",
			Debug:       false,
			OpenBrowser: false,
		},
		ICE: ICE{
			Servers: []ICEServer{
				{URLs: []string{
					"stun:stun1.l.google.com:19302",
					"stun:stun2.l.google.com:19302",
				}},
				{
					URLs: []string{
						"turn:openrelay.metered.ca:80",
						"turn:openrelay.metered.ca:443",
					},
					Username:   "openrelayproject",
					Credential: "openrelayproject",
				},
			},
		},
		Call: Call{
			VideoBitRate: 1_500_000,
			VideoWidth:   640,
			VideoHeight:  480,
		},
		Chat: Chat{
			HistoryLimit: 200,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	if strings.TrimSpace(c.Viewer.HTTPAddr) == "" {
		return errors.New("viewer.http_addr is required")
	}

	if len(c.ICE.Servers) == 0 {
		return errors.New("ice.servers must list at least one STUN or TURN server")
	}
	for i, srv := range c.ICE.Servers {
		if len(srv.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d].urls is empty", i)
		}
		for _, u := range srv.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") &&
				!strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("ice.servers[%d]: %q is not a stun:/turn: URL", i, u)
			}
		}
	}

	if c.Call.VideoBitRate <= 0 {
		return errors.New("call.video_bit_rate must be > 0")
	}
	if c.Call.VideoWidth <= 0 || c.Call.VideoHeight <= 0 {
		return errors.New("call.video_width and call.video_height must be > 0")
	}

	if c.Chat.HistoryLimit <= 0 {
		return errors.New("chat.history_limit must be > 0")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip a UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
