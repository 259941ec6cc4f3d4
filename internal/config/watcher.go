package config

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors the config file and invokes onReload with the freshly
// parsed config on every write. Rate limits can be tuned without a restart;
// if fsnotify cannot watch the file it falls back to slow polling.
func Watch(ctx context.Context, path string, onReload func(*Config)) {
	watcher, err := fsnotify.NewWatcher()
	usePolling := false

	if err != nil {
		log.Printf("config watcher: fsnotify failed (%v), falling back to polling", err)
		usePolling = true
	} else if err := watcher.Add(path); err != nil {
		log.Printf("config watcher: failed to watch %s (%v), falling back to polling", path, err)
		usePolling = true
		watcher.Close()
	}

	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			log.Printf("config watcher: reload failed, keeping previous config: %v", err)
			return
		}
		onReload(cfg)
		log.Printf("config watcher: reloaded %s", path)
	}

	if usePolling {
		go pollLoop(ctx, path, reload)
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					// Editors often write in multiple syscalls; debounce.
					time.Sleep(100 * time.Millisecond)
					reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config watcher: %v", err)
			}
		}
	}()
}

func pollLoop(ctx context.Context, path string, reload func()) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	var lastMtime time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if info.ModTime().After(lastMtime) {
				lastMtime = info.ModTime()
				reload()
			}
		}
	}
}
