// Package artifact persists generated PDFs under stable paths derived from
// the document id.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when no artifact exists at a path.
var ErrNotFound = errors.New("artifact not found")

// Config locates the artifact root directory.
type Config struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// DefaultConfig stores artifacts under ./data/artifacts.
func DefaultConfig() Config {
	return Config{Root: "data/artifacts"}
}

// Store reads and writes artifacts by relative path.
type Store interface {
	Write(ctx context.Context, rel string, data []byte) error
	Read(ctx context.Context, rel string) ([]byte, error)
	Open(ctx context.Context, rel string) (io.ReadCloser, error)
	RemoveDocument(ctx context.Context, documentID string) error
}

// UnsignedPath is where the rendered, not yet signed PDF of a document lives.
func UnsignedPath(documentID string) string {
	return path.Join("documents", documentID, "unsigned.pdf")
}

// SignedPath is where the sealed PDF of a completed document lives.
func SignedPath(documentID string) string {
	return path.Join("documents", documentID, "signed.pdf")
}

// FSStore keeps artifacts on the local filesystem.
type FSStore struct {
	root string
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("artifact root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FSStore{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *FSStore) Root() string { return s.root }

// Write replaces the artifact at rel atomically: readers see either the old
// or the new bytes, never a partial file.
func (s *FSStore) Write(ctx context.Context, rel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.resolve(rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("publish artifact: %w", err)
	}
	return nil
}

// Read returns the bytes stored at rel.
func (s *FSStore) Read(ctx context.Context, rel string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return b, nil
}

// Open streams the artifact at rel.
func (s *FSStore) Open(ctx context.Context, rel string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

// RemoveDocument deletes every artifact of documentID.
func (s *FSStore) RemoveDocument(_ context.Context, documentID string) error {
	full, err := s.resolve(path.Join("documents", documentID))
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("remove artifacts: %w", err)
	}
	return nil
}

// resolve maps rel onto the root and refuses anything that escapes it.
func (s *FSStore) resolve(rel string) (string, error) {
	if rel == "" || path.IsAbs(rel) || strings.Contains(rel, "\\") {
		return "", fmt.Errorf("invalid artifact path %q", rel)
	}
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || clean != rel {
		return "", fmt.Errorf("invalid artifact path %q", rel)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}
