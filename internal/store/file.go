package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/grovetools/daas/internal/session"
	"github.com/sirupsen/logrus"
)

// FileStore keeps records as JSON files on a shared filesystem:
//
//	<root>/active/<id>.json
//	<root>/active/<id>.json.lock
//	<root>/completed/<id>.json
type FileStore struct {
	root   string
	logger *logrus.Entry
}

// NewFileStore creates a store rooted at root, creating both lifecycle
// directories.
func NewFileStore(root string, logger *logrus.Entry) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("store root is not configured")
	}
	for _, dir := range []Dir{DirActive, DirCompleted} {
		if err := os.MkdirAll(filepath.Join(root, string(dir)), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	return &FileStore{root: root, logger: logger}, nil
}

// Root returns the store's root directory.
func (fs *FileStore) Root() string {
	return fs.root
}

// DirPath returns the filesystem path of a lifecycle directory.
func (fs *FileStore) DirPath(dir Dir) string {
	return filepath.Join(fs.root, string(dir))
}

func (fs *FileStore) recordPath(id string, dir Dir) string {
	return filepath.Join(fs.DirPath(dir), recordName(id))
}

func (fs *FileStore) Load(ctx context.Context, dir Dir) ([]*session.Session, error) {
	entries, err := os.ReadDir(fs.DirPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s directory: %w", dir, err)
	}

	var sessions []*session.Session
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(fs.DirPath(dir), name)
		data, err := os.ReadFile(path)
		if err != nil {
			// moved away between listing and reading
			if !os.IsNotExist(err) {
				fs.logger.WithError(err).WithField("path", path).Warn("Failed to read session record")
			}
			continue
		}
		s, err := session.Decode(data)
		if err != nil {
			fs.logger.WithError(err).WithField("path", path).Warn("Skipping malformed session record")
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (fs *FileStore) Get(ctx context.Context, id string, dir Dir) (*session.Session, error) {
	data, err := os.ReadFile(fs.recordPath(id, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s in %s: %w", id, dir, ErrNotFound)
		}
		return nil, err
	}
	return session.Decode(data)
}

func (fs *FileStore) Write(ctx context.Context, s *session.Session, dir Dir) error {
	data, err := session.Encode(s)
	if err != nil {
		return err
	}
	return atomicWriteFile(fs.recordPath(s.SessionID, dir), data, 0644)
}

func (fs *FileStore) Create(ctx context.Context, s *session.Session, dir Dir) error {
	data, err := session.Encode(s)
	if err != nil {
		return err
	}
	if err := createExclusive(fs.recordPath(s.SessionID, dir), data); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("session %s in %s: %w", s.SessionID, dir, ErrAlreadyExists)
		}
		return err
	}
	return nil
}

func (fs *FileStore) Move(ctx context.Context, id string, from, to Dir) error {
	src := fs.recordPath(id, from)
	dst := fs.recordPath(id, to)
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("session %s in %s: %w", id, to, ErrAlreadyExists)
	}
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("session %s in %s: %w", id, from, ErrNotFound)
		}
		return fmt.Errorf("failed to move session %s: %w", id, err)
	}
	return nil
}

func (fs *FileStore) Delete(ctx context.Context, id string, dir Dir) error {
	if err := os.Remove(fs.recordPath(id, dir)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("session %s in %s: %w", id, dir, ErrNotFound)
		}
		return err
	}
	return nil
}

func (fs *FileStore) lockPath(name string) string {
	return filepath.Join(fs.DirPath(DirActive), name)
}

func (fs *FileStore) CreateLockArtifact(ctx context.Context, name string, data []byte) error {
	if err := createExclusive(fs.lockPath(name), data); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("lock %s: %w", name, ErrAlreadyExists)
		}
		return err
	}
	return nil
}

func (fs *FileStore) ReadLockArtifact(ctx context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(fs.lockPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("lock %s: %w", name, ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

func (fs *FileStore) RemoveLockArtifact(ctx context.Context, name string) error {
	if err := os.Remove(fs.lockPath(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// createExclusive fails with an os.IsExist error when path is present.
func createExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// atomicWriteFile writes through a temp file in the same directory and
// renames it over path, so readers never observe a partial record.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
