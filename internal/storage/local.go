package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates the named file is not in the store.
var ErrNotFound = errors.New("stored file not found")

// LocalStore persists uploaded images on the local filesystem under a
// single flat directory. Files are written under generated names, so
// callers never control the on-disk path.
type LocalStore struct {
	dir string
}

// NewLocalStore creates the upload directory if needed and returns a
// store rooted there.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

// GenerateFilename builds a collision-resistant stored name from the
// upload timestamp, a random suffix, and the original extension.
func GenerateFilename(originalName string) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("image-%d-%s%s", time.Now().UnixMilli(), suffix, ext)
}

// Save streams the upload to disk under the given stored name and
// returns the byte count written.
func (s *LocalStore) Save(filename string, src io.Reader) (int64, error) {
	path, err := s.resolve(filename)
	if err != nil {
		return 0, err
	}
	dst, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating stored file: %w", err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("writing stored file: %w", err)
	}
	return n, nil
}

// Open returns a reader over a stored file.
func (s *LocalStore) Open(filename string) (io.ReadCloser, error) {
	path, err := s.resolve(filename)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Remove deletes a stored file. Removing an absent file is not an
// error.
func (s *LocalStore) Remove(filename string) error {
	path, err := s.resolve(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Path resolves a stored name to its on-disk location, verifying the
// file exists.
func (s *LocalStore) Path(filename string) (string, error) {
	path, err := s.resolve(filename)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", ErrNotFound
	} else if err != nil {
		return "", err
	}
	return path, nil
}

// resolve rejects names that would escape the upload directory.
func (s *LocalStore) resolve(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return "", fmt.Errorf("invalid stored filename %q", filename)
	}
	return filepath.Join(s.dir, filename), nil
}
