package server

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 500 * time.Millisecond

// configWatcher calls onChange after the config file settles. The directory
// is watched so editors that replace the file by rename are seen too.
type configWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func watchConfig(path string, onChange func(), logger zerolog.Logger) (*configWatcher, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	w := &configWatcher{watcher: watcher, done: make(chan struct{})}
	go w.loop(path, onChange, logger.With().Str("component", "config-watch").Logger())
	return w, nil
}

func (w *configWatcher) loop(path string, onChange func(), logger zerolog.Logger) {
	defer close(w.done)

	var mu sync.Mutex
	var timer *time.Timer
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				logger.Info().Str("file", path).Msg("config file changed")
				onChange()
			})
			mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// Close stops watching and waits for the loop to exit.
func (w *configWatcher) Close() {
	w.watcher.Close()
	<-w.done
}
