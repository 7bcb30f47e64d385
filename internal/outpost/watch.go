package outpost

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultWatchDebounce = 2 * time.Second

// WatchManifest installs a new generation every time the manifest file at
// path changes. fallbackVersion is used when the file carries no version.
// The watcher runs until Close.
func (e *Engine) WatchManifest(path, fallbackVersion string, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create manifest watcher: %w", err)
	}
	// Editors and deploy tools replace files by rename, which drops a watch
	// on the file itself. Watch the directory instead.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := e.logger.Named("watch").With(zap.String("file", abs))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer w.Close()

		timer := time.NewTimer(debounce)
		if !timer.Stop() {
			<-timer.C
		}
		for {
			select {
			case <-e.stopCh:
				timer.Stop()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || ev.Has(fsnotify.Chmod) {
					continue
				}
				if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					// Wait for the replacement to land.
					logger.Debug("manifest removed or renamed", zap.Stringer("op", ev.Op))
				}
				timer.Reset(debounce)
			case <-timer.C:
				e.reloadManifest(ctx, logger, abs, fallbackVersion)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("manifest watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (e *Engine) reloadManifest(ctx context.Context, logger *zap.Logger, path, fallbackVersion string) {
	m, err := LoadManifestFile(path)
	if err != nil {
		logger.Warn("manifest not reloaded", zap.Error(err))
		return
	}
	version := m.Version
	if version == "" {
		version = fallbackVersion
	}
	gen, err := e.lifecycle.Install(ctx, version, m.Assets)
	if err != nil {
		logger.Warn("manifest reload failed to install", zap.Error(err))
		return
	}
	logger.Info("manifest reloaded", zap.String("generation", gen), zap.Int("assets", len(m.Assets)))
}
