package runner

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const defaultDebounce = 200 * time.Millisecond

// ActiveDirWatcher notices records appearing, changing or leaving the active
// directory so the runner can react before its next poll. Shared file
// systems do not always deliver notifications, so polling stays on.
type ActiveDirWatcher struct {
	watcher    *fsnotify.Watcher
	dir        string
	debounce   time.Duration
	onChange   func(file string)
	logger     *logrus.Entry
	mu         sync.Mutex
	lastChange time.Time
}

// NewActiveDirWatcher watches dir, creating it if needed.
func NewActiveDirWatcher(dir string, debounce time.Duration, onChange func(file string), logger *logrus.Entry) (*ActiveDirWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &ActiveDirWatcher{
		watcher:  watcher,
		dir:      dir,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
	}, nil
}

// Start delivers changes until ctx is cancelled.
func (w *ActiveDirWatcher) Start(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.logger.Debugf("fsnotify event: %s op=%v", event.Name, event.Op)
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if isRecordFile(event.Name) {
				w.handleChange(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("Watcher error: %v", err)
		case <-ctx.Done():
			w.watcher.Close()
			return
		}
	}
}

// isRecordFile skips lock artifacts and temp files from atomic writes.
func isRecordFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}

func (w *ActiveDirWatcher) handleChange(file string) {
	w.mu.Lock()
	elapsed := time.Since(w.lastChange)
	if elapsed < w.debounce {
		w.mu.Unlock()
		w.logger.Debugf("Debounced: %s (only %v since last change)", filepath.Base(file), elapsed)
		return
	}
	w.lastChange = time.Now()
	w.mu.Unlock()

	if w.onChange != nil {
		w.onChange(filepath.Base(file))
	}
}

// Close stops the watcher.
func (w *ActiveDirWatcher) Close() error {
	return w.watcher.Close()
}
