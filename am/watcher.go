package am

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
)

// DefaultReloadDebounce collapses the burst of events one editor save produces
const DefaultReloadDebounce = 500 * time.Millisecond

// ReloadCallback is called with the freshly loaded, validated config
type ReloadCallback func(*Config) error

// ConfigWatcher reloads the configuration when one file changes on disk.
// Saves that leave the bytes unchanged are ignored.
type ConfigWatcher struct {
	path     string
	fs       *fsnotify.Watcher
	debounce time.Duration
	log      *zap.SugaredLogger

	mu        sync.Mutex
	callbacks []ReloadCallback
	timer     *time.Timer
	last      []byte
	started   bool
	done      chan struct{}
}

// NewConfigWatcher watches path. The parent directory is watched because
// editors replace files by rename, which drops a watch on the file itself.
func NewConfigWatcher(path string, log *zap.SugaredLogger) (*ConfigWatcher, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "failed to watch config file %s", path)
	}

	last, _ := os.ReadFile(path)
	return &ConfigWatcher{
		path:     filepath.Clean(path),
		fs:       fsw,
		debounce: DefaultReloadDebounce,
		log:      log,
		last:     last,
		done:     make(chan struct{}),
	}, nil
}

// OnReload registers a callback for successful reloads
func (cw *ConfigWatcher) OnReload(cb ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, cb)
}

// Start begins watching. Call Stop to release the watcher.
func (cw *ConfigWatcher) Start() {
	cw.mu.Lock()
	cw.started = true
	cw.mu.Unlock()
	go cw.loop()
}

func (cw *ConfigWatcher) loop() {
	defer close(cw.done)
	for {
		select {
		case ev, ok := <-cw.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.path || isBackupFile(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				cw.log.Debugw("Config file changed", "file", ev.Name, "op", ev.Op.String())
				cw.schedule()
			}

		case err, ok := <-cw.fs.Errors:
			if !ok {
				return
			}
			cw.log.Warnw("Config watcher error", "error", err)
		}
	}
}

func (cw *ConfigWatcher) schedule() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, func() {
		if err := cw.reload(); err != nil {
			cw.log.Errorw("Config reload failed", "path", cw.path, "error", err)
		}
	})
}

// reload re-reads the cascade and hands the result to every callback.
// An invalid file is reported and the previous settings stay in effect.
func (cw *ConfigWatcher) reload() error {
	data, err := os.ReadFile(cw.path)
	if err != nil {
		return errors.Wrapf(err, "read %s", cw.path)
	}
	cw.mu.Lock()
	unchanged := bytes.Equal(data, cw.last)
	cw.mu.Unlock()
	if unchanged {
		return nil
	}

	Reset()
	cfg, err := Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "reloaded config is invalid")
	}

	cw.mu.Lock()
	cw.last = data
	callbacks := append([]ReloadCallback(nil), cw.callbacks...)
	cw.mu.Unlock()

	cw.log.Infow("Config reloaded", "path", cw.path)
	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			cw.log.Warnw("Config reload callback error", "error", err)
		}
	}
	return nil
}

// Stop stops watching and waits for the event loop to exit
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	started := cw.started
	cw.mu.Unlock()

	err := cw.fs.Close()
	if started {
		<-cw.done
	}
	return err
}

// isBackupFile matches the rotating backups SetValue writes (.back1..3)
func isBackupFile(path string) bool {
	return strings.HasPrefix(filepath.Ext(path), ".back")
}
