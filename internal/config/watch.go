package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Watch reloads the config file whenever it changes on disk and calls fn
// with each valid new version. Invalid intermediate saves are logged and
// skipped. The returned stop func ends the watch.
//
// Editors replace files via rename, which drops the watch on the file's
// inode, so the parent directory is watched instead.
func Watch(path string, fn func(Config)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	base := filepath.Base(path)
	done := make(chan struct{})

	go func() {
		// Debounce: a single save produces a burst of events.
		var pending <-chan time.Time
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					pending = time.After(200 * time.Millisecond)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher: %v", err)
			case <-pending:
				pending = nil
				cfg, err := Load(path)
				if err != nil {
					log.Warnf("config reload skipped: %v", err)
					continue
				}
				log.Infof("config reloaded from %s", path)
				fn(cfg)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
