// Package local archives raw article pages under a directory on disk.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrPathTraversal is returned for object paths that escape the archive root.
var ErrPathTraversal = errors.New("path traversal detected")

// Config captures the parameters for the local archive.
type Config struct {
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore writes archive objects beneath a single root directory. Writes
// land in a temporary file first so readers never observe partial pages.
type BlobStore struct {
	baseDir string
	root    *os.Root
}

// New creates the base directory if needed and opens it as the archive root.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	baseDir, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	root, err := os.OpenRoot(baseDir)
	if err != nil {
		return nil, fmt.Errorf("open base directory: %w", err)
	}
	if err := root.WriteFile(".writable", nil, 0o600); err != nil {
		_ = root.Close()
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	_ = root.Remove(".writable")
	return &BlobStore{baseDir: baseDir, root: root}, nil
}

// Close releases the archive root.
func (s *BlobStore) Close() error {
	return s.root.Close()
}

// PutObject stores body at path and returns its file:// URI. An existing
// object at path is replaced.
func (s *BlobStore) PutObject(_ context.Context, path, _ string, body io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	rel := filepath.FromSlash(path)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("put %q: %w", path, ErrPathTraversal)
	}
	if dir := filepath.Dir(rel); dir != "." {
		if err := s.root.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("create parent directories: %w", err)
		}
	}

	tmp := filepath.Join(filepath.Dir(rel), "."+filepath.Base(rel)+"."+uuid.NewString()+".tmp")
	if err := s.writeFile(tmp, body); err != nil {
		_ = s.root.Remove(tmp)
		return "", err
	}
	if err := s.root.Rename(tmp, rel); err != nil {
		_ = s.root.Remove(tmp)
		return "", fmt.Errorf("commit object file: %w", err)
	}
	return "file://" + filepath.Join(s.baseDir, rel), nil
}

func (s *BlobStore) writeFile(name string, body io.Reader) error {
	f, err := s.root.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open object file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		return fmt.Errorf("write object file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close object file: %w", err)
	}
	return nil
}
