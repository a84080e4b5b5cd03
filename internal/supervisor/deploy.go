package supervisor

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// deployWatcher records when the gateway binary was last replaced. Deploys
// swap the file via rename, so the watch is on the containing directory.
type deployWatcher struct {
	w      *fsnotify.Watcher
	name   string // base name of the binary
	logger *slog.Logger

	mu         sync.Mutex
	lastDeploy time.Time
}

func newDeployWatcher(binary string, logger *slog.Logger) (*deployWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(binary)); err != nil {
		w.Close()
		return nil, err
	}
	d := &deployWatcher{w: w, name: filepath.Base(binary), logger: logger}
	go d.loop()
	return d, nil
}

func (d *deployWatcher) loop() {
	for {
		select {
		case ev, ok := <-d.w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != d.name {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			d.mu.Lock()
			d.lastDeploy = time.Now()
			d.mu.Unlock()
			d.logger.Info("gateway binary changed", "op", ev.Op.String())
		case err, ok := <-d.w.Errors:
			if !ok {
				return
			}
			d.logger.Debug("deploy watch error", "error", err)
		}
	}
}

// RecentDeploy reports whether the binary changed within the given window.
func (d *deployWatcher) RecentDeploy(window time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.lastDeploy.IsZero() && time.Since(d.lastDeploy) < window
}

func (d *deployWatcher) Close() {
	_ = d.w.Close()
}
