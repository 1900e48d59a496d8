// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"acheron.dev/acheron/internal/errors"
	"acheron.dev/acheron/internal/logging"
)

const settleInterval = 200 * time.Millisecond

// Watcher imports capture files dropped into a directory. Imported files are
// removed from the drop directory once copied into the pcaps directory.
type Watcher struct {
	manager *Manager
	logger  *logging.Logger
	dir     string

	fsw  *fsnotify.Watcher
	wg   sync.WaitGroup
	done chan struct{}
}

// NewWatcher creates a Watcher on dir, creating it if needed.
func NewWatcher(manager *Manager, dir string, logger *logging.Logger) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "create watch dir %s", dir)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "create directory watcher")
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, errors.KindUnavailable, "watch %s", dir)
	}
	return &Watcher{
		manager: manager,
		logger:  logger.WithComponent("watcher"),
		dir:     dir,
		fsw:     fsw,
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching. Files already present in the directory are imported
// first.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.importExisting()
		w.loop()
	}()
}

// Close stops the watcher.
func (w *Watcher) Close() {
	close(w.done)
	w.fsw.Close()
	w.wg.Wait()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			if !isCaptureName(event.Name) {
				continue
			}
			w.importFile(event.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) importExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("could not list watch dir", "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isCaptureName(entry.Name()) {
			continue
		}
		w.importFile(filepath.Join(w.dir, entry.Name()))
	}
}

// importFile waits for the file to stop growing, then hands it to the
// session manager. The drop copy is always deleted on success.
func (w *Watcher) importFile(path string) {
	if !w.waitSettled(path) {
		return
	}
	sess, err := w.manager.fileSession(context.Background(), path, true, true, "watch")
	if err != nil {
		w.logger.Warn("import failed", "path", path, "error", err)
		return
	}
	w.logger.Info("imported dropped capture", "path", path, "session_id", int64(sess.ID))
}

// waitSettled polls until two consecutive sizes match, so half-copied files
// are not replayed.
func (w *Watcher) waitSettled(path string) bool {
	var lastSize int64 = -1
	for i := 0; i < 50; i++ {
		select {
		case <-w.done:
			return false
		case <-time.After(settleInterval):
		}
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		if info.Size() == lastSize {
			return true
		}
		lastSize = info.Size()
	}
	return false
}

func isCaptureName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pcap", ".pcapng", ".cap":
		return true
	}
	return false
}
