package store

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// startWatch arms an fsnotify watch on the store file's directory (watching
// the file itself misses editor replace-via-rename patterns) and reloads
// after a 500ms quiet window, "External change watch", unless
// a persist is in flight (watchInhibit).
func (s *Store) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	s.watcher = w

	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	var timer *time.Timer
	reload := func() {
		s.mu.RLock()
		inhibited := s.watchInhibit
		s.mu.RUnlock()
		if inhibited {
			return
		}
		if err := s.Load(); err != nil && s.logger != nil {
			s.logger.Warn("store reload failed", map[string]interface{}{"err": err.Error()})
		}
	}

	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(500*time.Millisecond, reload)
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		case <-s.closeWatch:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}
