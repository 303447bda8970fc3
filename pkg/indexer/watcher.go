package indexer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/orneryd/mimir/pkg/graph"
)

const (
	// DefaultDebounceMs coalesces rapid edits to the same file.
	DefaultDebounceMs = 500

	// queueCapacity bounds the per-folder work queue. Paths already
	// pending are coalesced, so a full queue only drops genuinely new
	// work under sustained event storms.
	queueCapacity = 256

	// closeDrainTimeout caps how long Close waits for in-flight work.
	closeDrainTimeout = 5 * time.Second
)

// fileOp is a debounced change ready for indexing.
type fileOp struct {
	path    string
	removed bool
}

// WatchManager keeps filesystem watches running for every active watch
// config and funnels debounced changes through the indexer.
type WatchManager struct {
	ix  *Indexer
	ws  *WatchStore
	log *zap.Logger

	mu      sync.Mutex
	folders map[string]*folderWatch
	closed  bool
}

// folderWatch is one watched root: an fsnotify watcher, per-path
// debounce timers, and a single worker goroutine.
type folderWatch struct {
	cfg     *WatchConfig
	matcher *IgnoreMatcher
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]bool

	queue chan fileOp
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewWatchManager creates a manager over the indexer and the persisted
// watch configs. log may be nil.
func NewWatchManager(ix *Indexer, ws *WatchStore, log *zap.Logger) *WatchManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &WatchManager{
		ix:      ix,
		ws:      ws,
		log:     log,
		folders: make(map[string]*folderWatch),
	}
}

// Watch persists the config, runs an initial index of the folder, and
// starts watching it for changes.
func (wm *WatchManager) Watch(ctx context.Context, cfg *WatchConfig) (*Stats, error) {
	root, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, graph.WrapError(graph.KindValidation, "resolve path", err)
	}
	cfg.Path = root
	if cfg.DebounceMs <= 0 {
		cfg.DebounceMs = DefaultDebounceMs
	}
	cfg.Status = WatchActive
	cfg.Error = ""
	if err := wm.ws.Save(cfg); err != nil {
		return nil, err
	}

	stats, err := wm.ix.IndexFolder(ctx, root, cfg.Options())
	if err != nil {
		return nil, err
	}
	if err := wm.ws.UpdateStats(root, stats.FilesIndexed); err != nil {
		wm.log.Warn("update watch stats", zap.String("path", root), zap.Error(err))
	}

	if err := wm.start(cfg); err != nil {
		return stats, err
	}
	return stats, nil
}

// Unwatch stops watching a folder and removes its persisted config.
// Indexed content stays in the graph.
func (wm *WatchManager) Unwatch(path string) error {
	root, err := filepath.Abs(path)
	if err != nil {
		return graph.WrapError(graph.KindValidation, "resolve path", err)
	}
	wm.stop(root)
	return wm.ws.Delete(root)
}

// Recover re-arms watches for every active config, typically at
// startup. Configs whose path no longer exists are marked inactive
// instead of failing the whole recovery.
func (wm *WatchManager) Recover(ctx context.Context) error {
	configs, err := wm.ws.ListActive()
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if info, err := os.Stat(cfg.Path); err != nil || !info.IsDir() {
			wm.log.Warn("watched path missing, deactivating", zap.String("path", cfg.Path))
			if err := wm.ws.MarkInactive(cfg.Path, "path_not_found"); err != nil {
				wm.log.Warn("deactivate watch", zap.String("path", cfg.Path), zap.Error(err))
			}
			continue
		}
		// Catch up on changes made while the service was down, then
		// resume watching.
		stats, err := wm.ix.IndexFolder(ctx, cfg.Path, cfg.Options())
		if err != nil {
			wm.log.Warn("recovery index failed", zap.String("path", cfg.Path), zap.Error(err))
		} else if err := wm.ws.UpdateStats(cfg.Path, stats.FilesIndexed); err != nil {
			wm.log.Warn("update watch stats", zap.String("path", cfg.Path), zap.Error(err))
		}
		if err := wm.start(cfg); err != nil {
			wm.log.Warn("re-arm watch failed", zap.String("path", cfg.Path), zap.Error(err))
		}
	}
	return nil
}

// Watched returns the roots currently under an armed watch.
func (wm *WatchManager) Watched() []string {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	out := make([]string, 0, len(wm.folders))
	for root := range wm.folders {
		out = append(out, root)
	}
	return out
}

// Close stops every watch and waits up to closeDrainTimeout for
// in-flight indexing to finish.
func (wm *WatchManager) Close() error {
	wm.mu.Lock()
	if wm.closed {
		wm.mu.Unlock()
		return nil
	}
	wm.closed = true
	folders := make([]*folderWatch, 0, len(wm.folders))
	for _, fw := range wm.folders {
		folders = append(folders, fw)
	}
	wm.folders = make(map[string]*folderWatch)
	wm.mu.Unlock()

	var wg sync.WaitGroup
	for _, fw := range folders {
		wg.Add(1)
		go func(fw *folderWatch) {
			defer wg.Done()
			fw.stop()
		}(fw)
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(closeDrainTimeout):
		wm.log.Warn("watch shutdown timed out, abandoning in-flight work")
	}
	return nil
}

func (wm *WatchManager) start(cfg *WatchConfig) error {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if wm.closed {
		return graph.NewError(graph.KindCancelled, "watch manager closed")
	}
	if _, ok := wm.folders[cfg.Path]; ok {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return graph.WrapError(graph.KindStorage, "create watcher", err)
	}
	fw := &folderWatch{
		cfg:     cfg,
		matcher: NewIgnoreMatcher(cfg.Path, cfg.IgnorePatterns),
		watcher: watcher,
		timers:  make(map[string]*time.Timer),
		pending: make(map[string]bool),
		queue:   make(chan fileOp, queueCapacity),
		done:    make(chan struct{}),
	}
	if err := fw.addDirs(cfg.Path, cfg.Recursive); err != nil {
		watcher.Close()
		return err
	}

	fw.wg.Add(2)
	go wm.eventLoop(fw)
	go wm.workLoop(fw)
	wm.folders[cfg.Path] = fw
	wm.log.Info("watching folder",
		zap.String("path", cfg.Path),
		zap.Bool("recursive", cfg.Recursive),
		zap.Int("debounceMs", cfg.DebounceMs))
	return nil
}

func (wm *WatchManager) stop(root string) {
	wm.mu.Lock()
	fw, ok := wm.folders[root]
	delete(wm.folders, root)
	wm.mu.Unlock()
	if ok {
		fw.stop()
	}
}

// addDirs registers root (and its subdirectories when recursive) with
// the fsnotify watcher.
func (fw *folderWatch) addDirs(root string, recursive bool) error {
	if !recursive {
		return fw.watcher.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr == nil && rel != "." {
			if d.Name() == ".git" || fw.matcher.Ignored(rel, true) {
				return filepath.SkipDir
			}
		}
		if err := fw.watcher.Add(path); err != nil {
			return err
		}
		return nil
	})
}

func (fw *folderWatch) stop() {
	close(fw.done)
	fw.watcher.Close()
	fw.mu.Lock()
	for _, timer := range fw.timers {
		timer.Stop()
	}
	fw.timers = make(map[string]*time.Timer)
	fw.mu.Unlock()
	fw.wg.Wait()
}

// eventLoop turns raw fsnotify events into debounced file operations.
func (wm *WatchManager) eventLoop(fw *folderWatch) {
	defer fw.wg.Done()
	for {
		select {
		case <-fw.done:
			return
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			wm.log.Warn("watch error", zap.String("root", fw.cfg.Path), zap.Error(err))
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			wm.handleEvent(fw, ev)
		}
	}
}

func (wm *WatchManager) handleEvent(fw *folderWatch, ev fsnotify.Event) {
	rel, err := filepath.Rel(fw.cfg.Path, ev.Name)
	if err != nil || rel == "." {
		return
	}

	if ev.Op.Has(fsnotify.Create) && fw.cfg.Recursive {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !fw.matcher.Ignored(rel, true) {
				if err := fw.watcher.Add(ev.Name); err != nil {
					wm.log.Warn("watch new dir", zap.String("path", ev.Name), zap.Error(err))
				}
			}
			return
		}
	}

	removed := ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename)
	if !removed {
		if fw.matcher.Ignored(rel, false) || !matchesAllowList(rel, fw.cfg.FilePatterns) {
			return
		}
	}
	fw.debounce(ev.Name, removed, wm.log)
}

// debounce schedules the op after the configured quiet period,
// resetting the timer on every further event for the same path.
func (fw *folderWatch) debounce(path string, removed bool, log *zap.Logger) {
	delay := time.Duration(fw.cfg.DebounceMs) * time.Millisecond
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if timer, ok := fw.timers[path]; ok {
		timer.Stop()
	}
	fw.timers[path] = time.AfterFunc(delay, func() {
		fw.mu.Lock()
		delete(fw.timers, path)
		if fw.pending[path] {
			fw.mu.Unlock()
			return
		}
		fw.pending[path] = true
		fw.mu.Unlock()

		select {
		case fw.queue <- fileOp{path: path, removed: removed}:
		case <-fw.done:
		default:
			fw.mu.Lock()
			delete(fw.pending, path)
			fw.mu.Unlock()
			log.Warn("watch queue full, dropping change", zap.String("path", path))
		}
	})
}

// workLoop drains the queue, one file at a time per folder.
func (wm *WatchManager) workLoop(fw *folderWatch) {
	defer fw.wg.Done()
	for {
		select {
		case <-fw.done:
			return
		case op := <-fw.queue:
			fw.mu.Lock()
			delete(fw.pending, op.path)
			fw.mu.Unlock()
			wm.process(fw, op)
		}
	}
}

func (wm *WatchManager) process(fw *folderWatch, op fileOp) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if op.removed {
		if _, err := wm.ix.RemoveFile(op.path); err != nil {
			wm.log.Warn("remove indexed file", zap.String("path", op.path), zap.Error(err))
		}
		return
	}
	if info, err := os.Stat(op.path); err != nil || info.IsDir() {
		return
	}
	indexed, err := wm.ix.IndexFile(ctx, fw.cfg.Path, op.path, fw.cfg.Options())
	if err != nil {
		wm.log.Warn("reindex file", zap.String("path", op.path), zap.Error(err))
		return
	}
	if indexed {
		wm.log.Debug("file reindexed", zap.String("path", op.path))
	}
}
