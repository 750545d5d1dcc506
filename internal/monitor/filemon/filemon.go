// Package filemon watches a directory tree and turns raw filesystem
// notifications into debounced, classified file events. Rapid changes
// on one path collapse into a single event, renames are paired by
// content identity, and every event carries a context tag and, for
// source files, a language and content hash.
package filemon

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"

	"github.com/devpulse/devpulse/internal/store"
	"github.com/devpulse/devpulse/pkg/event"
)

// sourceName identifies this monitor in emitted events.
const sourceName = "file-monitor"

// Tuning for the watch loop.
const (
	defaultDebounce  = 500 * time.Millisecond
	restartBaseDelay = time.Second
	restartMaxDelay  = time.Minute
	maxRestarts      = 5

	// healthyRunTime resets the restart counter once a watch session
	// has survived this long.
	healthyRunTime = time.Minute

	// renamePairWindow bounds how long a delete waits for a matching
	// create before it is emitted as a plain delete.
	renamePairWindow = 2 * time.Second

	// maxHashSize caps the file size we read for content hashing.
	maxHashSize = 4 << 20
)

// ErrNotStarted is returned by Stop when the monitor never started.
var ErrNotStarted = errors.New("file monitor not started")

// Emitter publishes events produced by the monitor.
type Emitter interface {
	Emit(e *event.Event)
}

// Cache persists file identities between runs so unchanged content does
// not re-emit and renames can be paired. *store.Store satisfies it.
type Cache interface {
	FileCachePut(ctx context.Context, entry *store.FileCacheEntry) error
	FileCacheGet(ctx context.Context, path string) (*store.FileCacheEntry, error)
	FileCacheDelete(ctx context.Context, path string) error
}

// Options configures a Monitor.
type Options struct {
	// Root is the directory tree to watch.
	Root string

	// Ignore appends glob patterns to the built-in ignore list.
	Ignore []string

	// Debounce is the quiet period before a path's changes flush.
	Debounce time.Duration

	// Emitter receives the produced events. Required.
	Emitter Emitter

	// Cache is the persistent file-identity cache. Optional.
	Cache Cache

	// Logger is the structured logger. Nil uses slog.Default.
	Logger *slog.Logger
}

// Monitor is a running file watch over one root.
type Monitor struct {
	root    string
	ignore  *ignorer
	window  time.Duration
	emitter Emitter
	cache   Cache
	log     *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	// dirs tracks watched directories so remove notifications on them
	// can be told apart from file removals.
	dirs map[string]bool
}

// New validates the options and builds a monitor. Start begins watching.
func New(opts Options) (*Monitor, error) {
	if opts.Emitter == nil {
		return nil, errors.New("emitter is required")
	}

	info, err := os.Stat(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("stat watch root: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", opts.Root)
	}

	window := opts.Debounce
	if window <= 0 {
		window = defaultDebounce
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		root:    opts.Root,
		ignore:  newIgnorer(opts.Ignore),
		window:  window,
		emitter: opts.Emitter,
		cache:   opts.Cache,
		log:     logger.With("monitor", sourceName),
		dirs:    make(map[string]bool),
	}, nil
}

// Start launches the watch loop. Watcher loss restarts with exponential
// backoff; exhausting the restart budget emits a fatal event and stops.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.New("file monitor already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.started = true

	go m.run(runCtx)

	return nil
}

// Stop cancels the watch loop and waits for it to exit.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	started := m.started
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if !started {
		return ErrNotStarted
	}

	cancel()
	<-done

	return nil
}

// run owns the restart loop around watch sessions.
func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	delay := restartBaseDelay
	restarts := 0

	for {
		began := time.Now()
		err := m.watch(ctx)

		if ctx.Err() != nil {
			return
		}

		if time.Since(began) >= healthyRunTime {
			restarts = 0
			delay = restartBaseDelay
		}

		restarts++
		if restarts > maxRestarts {
			m.log.Error("watcher failed permanently", "error", err)
			m.emitter.Emit(event.New(event.TypeMonitorFatal, event.CategorySystem, event.SeverityCritical, sourceName, map[string]any{
				"monitor": sourceName,
				"error":   fmt.Sprint(err),
			}))

			return
		}

		m.log.Warn("watcher lost, restarting", "attempt", restarts, "delay", delay, "error", err)
		m.emitter.Emit(event.New(event.TypeMonitorRestart, event.CategorySystem, event.SeverityWarning, sourceName, map[string]any{
			"monitor": sourceName,
			"attempt": restarts,
			"error":   fmt.Sprint(err),
		}))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > restartMaxDelay {
			delay = restartMaxDelay
		}
	}
}

// pendingDelete is a delete held back so it can pair with a create into
// a single rename event.
type pendingDelete struct {
	path string
	size int64
	at   time.Time
}

// watch runs one watcher session until the watcher dies or ctx ends.
func (m *Monitor) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	defer func() {
		_ = watcher.Close()
	}()

	if err = m.addTree(watcher, m.root); err != nil {
		return err
	}

	co := newCoalescer(m.window)
	holds := make(map[string]*pendingDelete) // content hash -> held delete

	tick := m.window / 2
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.flush(ctx, co.drain(), holds)
			m.expireHolds(ctx, holds, time.Now().Add(renamePairWindow))

			return ctx.Err()

		case notif, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}

			m.handleNotification(ctx, watcher, co, notif)

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}

			m.log.Warn("watcher error", "error", watchErr)

		case <-ticker.C:
			now := time.Now()
			m.flush(ctx, co.due(now), holds)
			m.expireHolds(ctx, holds, now)
		}
	}
}

// addTree registers the directory and every non-ignored subdirectory.
func (m *Monitor) addTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			// Races with deletes during the walk are routine.
			return nil //nolint:nilerr
		}

		if !entry.IsDir() {
			return nil
		}

		rel := m.rel(path)
		if rel != "." && m.ignore.matches(rel) {
			return filepath.SkipDir
		}

		if addErr := watcher.Add(path); addErr != nil {
			m.log.Warn("cannot watch directory", "path", rel, "error", addErr)

			return nil
		}

		m.dirs[path] = true

		return nil
	})
}

func (m *Monitor) rel(path string) string {
	rel, err := filepath.Rel(m.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}

	return filepath.ToSlash(rel)
}

// handleNotification routes one raw notification: directory events are
// emitted immediately, file events go through the coalescer.
func (m *Monitor) handleNotification(ctx context.Context, watcher *fsnotify.Watcher, co *coalescer, notif fsnotify.Event) {
	rel := m.rel(notif.Name)
	if rel == "." || m.ignore.matches(rel) {
		return
	}

	if notif.Has(fsnotify.Create) {
		if info, err := os.Stat(notif.Name); err == nil && info.IsDir() {
			if err := m.addTree(watcher, notif.Name); err != nil {
				m.log.Warn("cannot watch new directory", "path", rel, "error", err)
			}

			m.emitDir(actionAdd, rel)

			return
		}
	}

	if (notif.Has(fsnotify.Remove) || notif.Has(fsnotify.Rename)) && m.dirs[notif.Name] {
		delete(m.dirs, notif.Name)
		m.emitDir(actionDelete, rel)

		return
	}

	now := time.Now()

	switch {
	case notif.Has(fsnotify.Create):
		co.note(notif.Name, notifyCreate, m.known(ctx, rel), now)
	case notif.Has(fsnotify.Write):
		co.note(notif.Name, notifyWrite, m.known(ctx, rel), now)
	case notif.Has(fsnotify.Remove):
		co.note(notif.Name, notifyRemove, m.known(ctx, rel), now)
	case notif.Has(fsnotify.Rename):
		co.note(notif.Name, notifyRename, m.known(ctx, rel), now)
	}
}

// known reports whether the identity cache has seen the path.
func (m *Monitor) known(ctx context.Context, rel string) bool {
	if m.cache == nil {
		return false
	}

	_, err := m.cache.FileCacheGet(ctx, rel)

	return err == nil
}

// flush settles a batch of quiet changes. Deletes are held briefly so a
// create with identical content pairs into one rename event.
func (m *Monitor) flush(ctx context.Context, changes []*change, holds map[string]*pendingDelete) {
	for _, ch := range changes {
		rel := m.rel(ch.path)

		switch ch.resolve() {
		case actionDelete:
			m.holdDelete(ctx, rel, holds)
		case actionAdd:
			m.emitUpsert(ctx, rel, ch.path, actionAdd, holds)
		case actionModify:
			m.emitUpsert(ctx, rel, ch.path, actionModify, holds)
		}
	}
}

// holdDelete parks a delete keyed by its cached content hash. Unknown
// content cannot pair, so it emits immediately.
func (m *Monitor) holdDelete(ctx context.Context, rel string, holds map[string]*pendingDelete) {
	if m.cache != nil {
		if entry, err := m.cache.FileCacheGet(ctx, rel); err == nil && entry.ContentHash != "" {
			holds[entry.ContentHash] = &pendingDelete{path: rel, size: entry.Size, at: time.Now()}

			return
		}
	}

	m.emitDelete(ctx, rel, 0)
}

// expireHolds emits plain deletes for holds that outlived the pairing
// window without a matching create.
func (m *Monitor) expireHolds(ctx context.Context, holds map[string]*pendingDelete, now time.Time) {
	for hash, held := range holds {
		if now.Sub(held.at) >= renamePairWindow {
			delete(holds, hash)
			m.emitDelete(ctx, held.path, held.size)
		}
	}
}

// emitUpsert handles add and modify: hash the content, drop no-op
// modifies, pair adds against held deletes, update the cache.
func (m *Monitor) emitUpsert(ctx context.Context, rel, abs, action string, holds map[string]*pendingDelete) {
	info, err := os.Stat(abs)
	if err != nil {
		// Gone again already; the delete notification will follow.
		return
	}

	hash, content := m.identify(abs, info.Size())

	if action == actionAdd && hash != "" {
		if held, ok := holds[hash]; ok {
			delete(holds, hash)
			m.emitRename(ctx, held.path, rel, info.Size(), hash, content)

			return
		}
	}

	if m.cache != nil && hash != "" {
		if prev, cacheErr := m.cache.FileCacheGet(ctx, rel); cacheErr == nil {
			if prev.ContentHash == hash && prev.Size == info.Size() {
				// Touched but unchanged.
				return
			}
		}
	}

	m.cachePut(ctx, rel, hash, info)
	m.emitFile(action, rel, map[string]any{
		"path":        rel,
		"size":        info.Size(),
		"contentHash": hash,
		"language":    detectLanguage(rel, content),
	})
}

func (m *Monitor) emitDelete(ctx context.Context, rel string, size int64) {
	if m.cache != nil {
		if err := m.cache.FileCacheDelete(ctx, rel); err != nil {
			m.log.Warn("cannot drop cache entry", "path", rel, "error", err)
		}
	}

	m.emitFile(actionDelete, rel, map[string]any{
		"path": rel,
		"size": size,
	})
}

func (m *Monitor) emitRename(ctx context.Context, oldRel, newRel string, size int64, hash string, content []byte) {
	if m.cache != nil {
		if err := m.cache.FileCacheDelete(ctx, oldRel); err != nil {
			m.log.Warn("cannot drop cache entry", "path", oldRel, "error", err)
		}
	}

	if info, err := os.Stat(filepath.Join(m.root, filepath.FromSlash(newRel))); err == nil {
		m.cachePut(ctx, newRel, hash, info)
	}

	m.emitFile(actionRename, newRel, map[string]any{
		"path":        newRel,
		"oldPath":     oldRel,
		"newPath":     newRel,
		"size":        size,
		"contentHash": hash,
		"language":    detectLanguage(newRel, content),
	})
}

func (m *Monitor) emitDir(action, rel string) {
	m.emitFile(action, rel, map[string]any{
		"path":        rel,
		"isDirectory": true,
	})
}

// emitFile builds and publishes one file event. The action determines
// the event type; the rel path determines tag and extension.
func (m *Monitor) emitFile(action, rel string, data map[string]any) {
	data["action"] = action
	data["extension"] = filepath.Ext(rel)
	data["contextTag"] = contextTag(rel)

	if _, ok := data["isDirectory"]; !ok {
		data["isDirectory"] = false
	}

	m.emitter.Emit(event.New(typeForAction(action), event.CategoryFile, event.SeverityInfo, sourceName, data))
}

func typeForAction(action string) string {
	switch action {
	case actionAdd:
		return "file:added"
	case actionModify:
		return "file:modified"
	case actionDelete:
		return "file:deleted"
	case actionRename:
		return "file:renamed"
	default:
		return "file:changed"
	}
}

// identify hashes the file content with BLAKE3. Oversized files are not
// read; their hash is empty and language detection falls back to the
// filename.
func (m *Monitor) identify(abs string, size int64) (string, []byte) {
	if size > maxHashSize {
		return "", nil
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return "", nil
	}

	sum := blake3.Sum256(content)

	return hex.EncodeToString(sum[:]), content
}

func (m *Monitor) cachePut(ctx context.Context, rel, hash string, info os.FileInfo) {
	if m.cache == nil {
		return
	}

	err := m.cache.FileCachePut(ctx, &store.FileCacheEntry{
		Path:        rel,
		ContentHash: hash,
		Size:        info.Size(),
		MTime:       info.ModTime().UnixMilli(),
	})
	if err != nil {
		m.log.Warn("cannot update cache entry", "path", rel, "error", err)
	}
}
