// Package watcher polls the replay tool's export directory and announces
// render files once their contents have settled. The replay tool writes
// exports in place, so a file only counts as finished after its size and
// modification time hold steady across two polls separated by the configured
// quiet interval.
package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"log/slog"

	"conductor/internal/bus"
	"conductor/internal/config"
	"conductor/internal/logging"
)

// fileState tracks one candidate file between polls.
type fileState struct {
	size      int64
	modTime   time.Time
	settledAt time.Time
	announced bool
}

// Watcher publishes one raw render-file signal per settled export. Deleting
// a file resets it; a recreated file is announced again.
type Watcher struct {
	bus    *bus.Bus
	logger *slog.Logger

	dir          string
	glob         string
	pollInterval time.Duration
	quietPeriod  time.Duration
	now          func() time.Time

	mu      sync.Mutex
	running bool
	tracked map[string]*fileState
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a watcher from configuration.
func New(cfg *config.Config, eventBus *bus.Bus, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	poll := time.Duration(cfg.Watcher.PollIntervalSeconds) * time.Second
	if poll <= 0 {
		poll = 2 * time.Second
	}
	quiet := time.Duration(cfg.Watcher.QuietIntervalSeconds) * time.Second
	if quiet <= 0 {
		quiet = poll
	}
	glob := strings.TrimSpace(cfg.Watcher.Glob)
	if glob == "" {
		glob = "*.mp4"
	}
	return &Watcher{
		bus:          eventBus,
		logger:       logging.NewComponentLogger(logger, "watcher"),
		dir:          cfg.Paths.RenderDir,
		glob:         glob,
		pollInterval: poll,
		quietPeriod:  quiet,
		now:          time.Now,
		tracked:      make(map[string]*fileState),
	}
}

// Start begins polling until the context is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return errors.New("watcher already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.ctx = runCtx
	w.cancel = cancel
	w.running = true

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop halts polling and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	w.poll()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// poll runs one scan of the export directory.
func (w *Watcher) poll() {
	matches, err := filepath.Glob(filepath.Join(w.dir, w.glob))
	if err != nil {
		// Only a malformed pattern errors here; validation should have
		// rejected it at load time.
		w.logger.Warn("render glob is invalid",
			logging.String("glob", w.glob),
			logging.Error(err))
		return
	}

	now := w.now()
	seen := make(map[string]struct{}, len(matches))
	for _, path := range matches {
		name := filepath.Base(path)
		if strings.HasPrefix(name, ".") {
			// Partial-write temp names.
			continue
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		seen[path] = struct{}{}
		w.observe(path, info.Size(), info.ModTime(), now)
	}
	w.forgetMissing(seen)
}

func (w *Watcher) observe(path string, size int64, modTime time.Time, now time.Time) {
	w.mu.Lock()
	state, ok := w.tracked[path]
	if !ok {
		w.tracked[path] = &fileState{size: size, modTime: modTime, settledAt: now}
		w.mu.Unlock()
		w.logger.Debug("tracking render file",
			logging.String("path", path),
			logging.Int64("size", size))
		return
	}
	if state.size != size || !state.modTime.Equal(modTime) {
		state.size = size
		state.modTime = modTime
		state.settledAt = now
		state.announced = false
		w.mu.Unlock()
		return
	}
	if state.announced || now.Sub(state.settledAt) < w.quietPeriod {
		w.mu.Unlock()
		return
	}
	state.announced = true
	w.mu.Unlock()

	w.logger.Info("render file settled",
		logging.String("path", path),
		logging.Int64("size", size),
		logging.Duration("quiet_for", now.Sub(state.settledAt)))
	w.bus.Publish(bus.NewEvent(bus.TypeRenderFileStable, "", bus.RenderFileSignal{
		Path:    path,
		Size:    size,
		ModTime: modTime,
	}))
}

func (w *Watcher) forgetMissing(seen map[string]struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path := range w.tracked {
		if _, ok := seen[path]; !ok {
			delete(w.tracked, path)
		}
	}
}
