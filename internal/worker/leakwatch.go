package worker

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// LeakWatcher records files created in the main checkout while an agent
// runs. Git status alone cannot surface leaks at ignored paths, so the
// watcher supplies candidates for the cleanup pass.
type LeakWatcher struct {
	repoPath string
	skip     []string

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	created map[string]bool
	done    chan struct{}
}

// NewLeakWatcher creates a watcher over repoPath. Directories whose path
// contains a skip entry as a component are not watched (.git is always
// skipped).
func NewLeakWatcher(repoPath string, skip []string) (*LeakWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &LeakWatcher{
		repoPath: repoPath,
		skip:     append([]string{".git"}, skip...),
		watcher:  fw,
		created:  make(map[string]bool),
		done:     make(chan struct{}),
	}

	if err := w.addRecursive(repoPath); err != nil {
		fw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

// Stop closes the watcher and returns the recorded paths, relative to the
// repository root and sorted.
func (w *LeakWatcher) Stop() []string {
	w.watcher.Close()
	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()

	paths := make([]string, 0, len(w.created))
	for p := range w.created {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (w *LeakWatcher) loop() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == 0 {
				continue
			}
			w.record(event.Name)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// record registers a created path, extending the watch into new directories.
func (w *LeakWatcher) record(path string) {
	if w.skipped(path) {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.IsDir() {
		_ = w.addRecursive(path)
		return
	}

	rel, err := filepath.Rel(w.repoPath, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	w.mu.Lock()
	w.created[filepath.ToSlash(rel)] = true
	w.mu.Unlock()
}

// addRecursive watches dir and its subdirectories.
func (w *LeakWatcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.skipped(path) {
			return filepath.SkipDir
		}
		_ = w.watcher.Add(path)
		return nil
	})
}

// skipped matches skip entries against whole path components, so ".git"
// skips .git/objects but not .github/.
func (w *LeakWatcher) skipped(path string) bool {
	rel, err := filepath.Rel(w.repoPath, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		for _, s := range w.skip {
			if s != "" && part == s {
				return true
			}
		}
	}
	return false
}
