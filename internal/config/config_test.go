package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected file to be created")
	}
	if cfg.Viewer.HTTPAddr == "" {
		t.Fatal("created config missing defaults")
	}

	again, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second Ensure recreated the file")
	}
	if again.Viewer.HTTPAddr != cfg.Viewer.HTTPAddr {
		t.Fatalf("reloaded config differs: %s vs %s", again.Viewer.HTTPAddr, cfg.Viewer.HTTPAddr)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"viewer": {"http_addr": "0.0.0.0:9000"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Viewer.HTTPAddr != "0.0.0.0:9000" {
		t.Fatalf("http_addr = %s", cfg.Viewer.HTTPAddr)
	}
	// Untouched sections keep their defaults.
	if len(cfg.ICE.Servers) == 0 {
		t.Fatal("ICE defaults lost on partial config")
	}
	if cfg.Chat.HistoryLimit != Default().Chat.HistoryLimit {
		t.Fatalf("history_limit = %d", cfg.Chat.HistoryLimit)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"viewer": {"http_addr": "127.0.0.1:1"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("BOM-prefixed config rejected: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"empty data dir":  func(c *Config) { c.Paths.DataDir = " " },
		"empty http addr": func(c *Config) { c.Viewer.HTTPAddr = "" },
		"no ice servers":  func(c *Config) { c.ICE.Servers = nil },
		"bad ice url": func(c *Config) {
			c.ICE.Servers = []ICEServer{{URLs: []string{"http://example.com"}}}
		},
		"zero bit rate":      func(c *Config) { c.Call.VideoBitRate = 0 },
		"zero history limit": func(c *Config) { c.Chat.HistoryLimit = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	got := make(chan Config, 1)
	stop, err := Watch(path, func(c Config) {
		select {
		case got <- c:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	cfg := Default()
	cfg.Viewer.HTTPAddr = "127.0.0.1:9999"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		if c.Viewer.HTTPAddr != "127.0.0.1:9999" {
			t.Fatalf("reloaded http_addr = %s", c.Viewer.HTTPAddr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never delivered the new config")
	}
}
