package stores

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/quadnix/octo-sub002/pkg/errs"
)

const (
	documentExt = ".json"
	lockFile    = ".lock"

	// StaleLockAge is the age after which a lock file is considered abandoned.
	StaleLockAge = 10 * time.Minute
)

// LocalStateProvider stores one file per document under a directory.
type LocalStateProvider struct {
	dir string
}

// NewLocalStateProvider creates the directory if needed.
func NewLocalStateProvider(dir string) (*LocalStateProvider, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &LocalStateProvider{dir: dir}, nil
}

// Dir returns the state directory.
func (p *LocalStateProvider) Dir() string {
	return p.dir
}

func (p *LocalStateProvider) path(name string) string {
	return filepath.Join(p.dir, name+documentExt)
}

// GetState reads the document file, returning def when it does not exist.
func (p *LocalStateProvider) GetState(_ context.Context, name string, def []byte) ([]byte, error) {
	data, err := os.ReadFile(p.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return def, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state %s: %w", name, err)
	}
	return data, nil
}

// SaveState writes to a temporary file and renames it over the document.
func (p *LocalStateProvider) SaveState(_ context.Context, name string, data []byte) error {
	tmp, err := os.CreateTemp(p.dir, "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state %s: %w", name, err)
	}

	if err := os.Rename(tmp.Name(), p.path(name)); err != nil {
		return fmt.Errorf("failed to replace state %s: %w", name, err)
	}
	return nil
}

// ListStates returns the sorted names of the documents in the directory.
func (p *LocalStateProvider) ListStates(context.Context) ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}

	var names []string
	for _, e := range entries {
		if name, ok := documentName(e.Name()); ok && !e.IsDir() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func documentName(file string) (string, bool) {
	if strings.HasPrefix(file, ".") {
		return "", false
	}
	return strings.CutSuffix(file, documentExt)
}

func (p *LocalStateProvider) lockPath() string {
	return filepath.Join(p.dir, lockFile)
}

// Lock creates the lock file with the current pid and time. A lock file older than
// StaleLockAge is replaced.
func (p *LocalStateProvider) Lock(context.Context) error {
	lockPath := p.lockPath()

	if info, err := os.Stat(lockPath); err == nil {
		if time.Since(info.ModTime()) <= StaleLockAge {
			return errLocked(lockPath)
		}
		_ = os.Remove(lockPath)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return errLocked(lockPath)
	}
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

// Unlock removes the lock file.
func (p *LocalStateProvider) Unlock(context.Context) error {
	if err := os.Remove(p.lockPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Change reports a document written or removed in the state directory.
type Change struct {
	Name    string
	Removed bool
}

// Watch reports document changes until ctx is done. The returned channel is closed
// when watching stops.
func (p *LocalStateProvider) Watch(ctx context.Context) (<-chan Change, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.NewStateError("failed to create watcher", err).WithResource(p.dir)
	}
	if err := watcher.Add(p.dir); err != nil {
		watcher.Close()
		return nil, errs.NewStateError("failed to watch state directory", err).WithResource(p.dir)
	}

	changes := make(chan Change)
	go func() {
		defer close(changes)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				change, ok := toChange(event)
				if !ok {
					continue
				}
				select {
				case changes <- change:
				case <-ctx.Done():
					return
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return changes, nil
}

func toChange(event fsnotify.Event) (Change, bool) {
	name, ok := documentName(filepath.Base(event.Name))
	if !ok {
		return Change{}, false
	}
	switch {
	case event.Has(fsnotify.Remove):
		return Change{Name: name, Removed: true}, true
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write), event.Has(fsnotify.Rename):
		return Change{Name: name}, true
	default:
		return Change{}, false
	}
}
