package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const slotExt = ".json"

// FileStore keeps one file per slot under a directory. Writes are atomic so
// a concurrent reader in another process sees either the old or new value.
type FileStore struct {
	dir string

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	watchWg sync.WaitGroup
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(slot Slot) string {
	return filepath.Join(s.dir, string(slot)+slotExt)
}

func (s *FileStore) Get(ctx context.Context, slot Slot) ([]byte, error) {
	if err := validSlot(slot); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(slot))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s slot: %w", slot, err)
	}
	return data, nil
}

func (s *FileStore) Put(ctx context.Context, slot Slot, value []byte) error {
	if err := validSlot(slot); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "."+string(slot)+"-*")
	if err != nil {
		return fmt.Errorf("write %s slot: %w", slot, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s slot: %w", slot, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s slot: %w", slot, err)
	}
	if err := os.Rename(tmpName, s.path(slot)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s slot: %w", slot, err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, slot Slot) error {
	if err := validSlot(slot); err != nil {
		return err
	}
	if err := os.Remove(s.path(slot)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s slot: %w", slot, err)
	}
	return nil
}

// Watch reports slot files created, rewritten or removed by any process.
func (s *FileStore) Watch(ctx context.Context, fn func(Slot)) error {
	s.watchMu.Lock()
	if s.watcher != nil {
		s.watchMu.Unlock()
		return fmt.Errorf("storage watch already running")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.watchMu.Unlock()
		return err
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		s.watchMu.Unlock()
		return fmt.Errorf("watch storage dir: %w", err)
	}
	s.watcher = watcher
	s.watchMu.Unlock()

	s.watchWg.Add(1)
	go s.watchLoop(ctx, watcher, fn)
	return nil
}

func (s *FileStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, fn func(Slot)) {
	defer s.watchWg.Done()
	for {
		select {
		case <-ctx.Done():
			s.stopWatch(watcher)
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if slot, ok := slotFromPath(event.Name); ok {
				fn(slot)
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *FileStore) stopWatch(watcher *fsnotify.Watcher) {
	s.watchMu.Lock()
	if s.watcher == watcher {
		s.watcher = nil
	}
	s.watchMu.Unlock()
	_ = watcher.Close()
}

// Close stops any active watcher.
func (s *FileStore) Close() error {
	s.watchMu.Lock()
	watcher := s.watcher
	s.watcher = nil
	s.watchMu.Unlock()
	if watcher != nil {
		_ = watcher.Close()
	}
	s.watchWg.Wait()
	return nil
}

func slotFromPath(path string) (Slot, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, slotExt) {
		return "", false
	}
	slot := Slot(strings.TrimSuffix(base, slotExt))
	return slot, validSlot(slot) == nil
}
