// Package storage provides the exports file tree and offsite object storage.
package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jewelpos/backend/internal/domain/integrity"
)

// ObjectStorage is the offsite mirror used for backups.
type ObjectStorage interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// TempPrefix marks files that are still being written.
const TempPrefix = ".tmp-"

// IsTemp reports whether a base name belongs to an in-progress write.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, TempPrefix)
}

// LocalFileStore serves files under a single root directory. Every path it
// accepts is relative to that root and slash separated.
type LocalFileStore struct {
	root string
}

// NewLocalFileStore creates the root directory if needed.
func NewLocalFileStore(root string) (*LocalFileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root %s: %w", abs, err)
	}
	return &LocalFileStore{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *LocalFileStore) Root() string {
	return s.root
}

// Resolve maps rel to an absolute path inside the root. It returns the
// cleaned relative key along with the absolute path.
func (s *LocalFileStore) Resolve(rel string) (abs string, key string, err error) {
	key, err = integrity.CleanPath(rel)
	if err != nil {
		return "", "", err
	}
	abs = filepath.Join(s.root, filepath.FromSlash(key))
	back, err := filepath.Rel(s.root, abs)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", "", integrity.ErrInvalidPath
	}
	return abs, key, nil
}

// Write stores data at rel atomically: readers see either the old file or
// the complete new one.
func (s *LocalFileStore) Write(ctx context.Context, rel string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	abs, key, err := s.Resolve(rel)
	if err != nil {
		return "", err
	}
	if err := WriteFileAtomic(abs, data, 0o644); err != nil {
		return "", err
	}
	return key, nil
}

// Open opens rel for reading.
func (s *LocalFileStore) Open(rel string) (*os.File, fs.FileInfo, error) {
	abs, _, err := s.Resolve(rel)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, nil, &fs.PathError{Op: "open", Path: rel, Err: fs.ErrNotExist}
	}
	return f, info, nil
}

// Remove deletes rel. A missing file is not an error.
func (s *LocalFileStore) Remove(rel string) error {
	abs, _, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Walk calls fn for every regular file under the root with its slash
// separated relative path. Temp files are skipped.
func (s *LocalFileStore) Walk(ctx context.Context, fn func(rel string, info fs.FileInfo) error) error {
	return filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() || IsTemp(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), info)
	})
}

// WriteFileAtomic writes data to a temp file next to path and renames it
// into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
