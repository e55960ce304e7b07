package observer

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fjbalvino/magenta/internal/samples"
)

// ReadsChangedCallback is called with the FASTQ files written since the
// last call, sorted
type ReadsChangedCallback func(files []string)

// DataWatcher monitors a data directory tree for new read files
type DataWatcher struct {
	watcher  *fsnotify.Watcher
	callback ReadsChangedCallback
	debounce time.Duration
	root     string

	pending map[string]struct{}
	timer   *time.Timer
	mu      sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDataWatcher creates a watcher for the directory tree at root
func NewDataWatcher(root string, callback ReadsChangedCallback) (*DataWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dw := &DataWatcher{
		watcher:  watcher,
		callback: callback,
		debounce: 30 * time.Second, // downloads write in bursts
		root:     root,
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}

	if err := dw.addTree(root); err != nil {
		watcher.Close()
		return nil, err
	}
	return dw, nil
}

// addTree watches dir and every non-hidden directory below it
func (dw *DataWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return dw.watcher.Add(path)
	})
}

// Start begins watching for file changes
func (dw *DataWatcher) Start(ctx context.Context) {
	ctx, dw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(dw.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-dw.watcher.Events:
				if !ok {
					return
				}
				dw.handleEvent(event)
			case err, ok := <-dw.watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[observer] watch error: %v", err)
			}
		}
	}()
}

// Stop stops watching and drops any pending changes
func (dw *DataWatcher) Stop() {
	if dw.cancel != nil {
		dw.cancel()
		<-dw.done
	}
	dw.watcher.Close()

	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timer != nil {
		dw.timer.Stop()
	}
}

func (dw *DataWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := dw.addTree(event.Name); err != nil {
				log.Printf("[observer] cannot watch %s: %v", event.Name, err)
			}
			dw.pendingFromTree(event.Name)
			return
		}
	}

	if !samples.IsFASTQ(event.Name) {
		return
	}
	dw.mu.Lock()
	dw.pending[event.Name] = struct{}{}
	dw.resetTimer()
	dw.mu.Unlock()
}

// pendingFromTree queues read files already present in a new directory,
// which may have been written before the watch was added
func (dw *DataWatcher) pendingFromTree(dir string) {
	var found []string
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && samples.IsFASTQ(path) {
			found = append(found, path)
		}
		return nil
	})
	if len(found) == 0 {
		return
	}

	dw.mu.Lock()
	defer dw.mu.Unlock()
	for _, f := range found {
		dw.pending[f] = struct{}{}
	}
	dw.resetTimer()
}

// resetTimer must be called with mu held
func (dw *DataWatcher) resetTimer() {
	if dw.timer != nil {
		dw.timer.Stop()
	}
	dw.timer = time.AfterFunc(dw.debounce, dw.flush)
}

func (dw *DataWatcher) flush() {
	dw.mu.Lock()
	pending := dw.pending
	dw.pending = make(map[string]struct{})
	dw.mu.Unlock()

	if dw.callback == nil || len(pending) == 0 {
		return
	}

	files := make([]string, 0, len(pending))
	for f := range pending {
		files = append(files, f)
	}
	sort.Strings(files)
	dw.callback(files)
}

// SetDebounce sets how long the watcher waits for writes to settle
func (dw *DataWatcher) SetDebounce(d time.Duration) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	dw.debounce = d
}
