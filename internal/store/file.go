package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

const (
	recordDirPerm  = 0o700
	recordFilePerm = 0o600
	lockFileName   = ".lock"
)

// FileBackend stores each record as <dir>/<key>.json. Writes go through a
// temp file and rename under an exclusive flock so concurrent pigeon
// processes sharing a data dir never observe a torn record.
type FileBackend struct {
	dir      string
	lockPath string

	mu     sync.Mutex
	closed bool
}

// NewFileBackend creates the record directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("record dir required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, recordDirPerm); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	return &FileBackend{
		dir:      abs,
		lockPath: filepath.Join(abs, lockFileName),
	}, nil
}

// Dir returns the record directory.
func (f *FileBackend) Dir() string { return f.dir }

func (f *FileBackend) recordPath(key string) string {
	return filepath.Join(f.dir, key+".json")
}

func (f *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	var out []byte
	err := withFileLock(f.lockPath, func() error {
		data, err := os.ReadFile(f.recordPath(key))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return ErrNotFound
			}
			return err
		}
		out = data
		return nil
	})
	return out, err
}

func (f *FileBackend) Put(_ context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := f.checkOpen(); err != nil {
		return err
	}
	return withFileLock(f.lockPath, func() error {
		return writeAtomic(f.recordPath(key), value)
	})
}

// Update holds the lock across the read and the write, so concurrent
// processes never overwrite each other's changes.
func (f *FileBackend) Update(_ context.Context, key string, fn func([]byte) ([]byte, error)) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := f.checkOpen(); err != nil {
		return err
	}
	return withFileLock(f.lockPath, func() error {
		current, err := os.ReadFile(f.recordPath(key))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			current = nil
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		return writeAtomic(f.recordPath(key), next)
	})
}

func (f *FileBackend) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := f.checkOpen(); err != nil {
		return err
	}
	return withFileLock(f.lockPath, func() error {
		if err := os.Remove(f.recordPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	})
}

func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FileBackend) checkOpen() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return nil
}

func withFileLock(lockPath string, fn func() error) error {
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, recordFilePerm)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock %s: %w", lockPath, err)
	}
	defer func() {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	}()
	return fn()
}

func writeAtomic(path string, payload []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, recordFilePerm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
