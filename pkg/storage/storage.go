// Package storage manages per-user storage areas.
//
// Each registered username owns one directory directly below the storage root.
// Files uploaded by that user land in the directory, and the whole directory is
// removed when the user's session ends. Downloads may name any regular file
// below the root; paths are cleaned so they can never escape it.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

var (
	ErrNotFound    = errors.New("storage: file not found")
	ErrInvalidName = errors.New("storage: invalid name")
	ErrForeign     = errors.New("storage: path exists and was not created by this server")
)

// Storage is a set of user directories on an afero file system. Only areas
// created through this Storage are ever deleted; anything already present
// below the root is left alone.
type Storage struct {
	fs   afero.Fs
	root string // for display only; fs is already rooted

	mu    sync.Mutex
	owned map[string]bool
}

// New wraps fs, which is treated as the storage root.
func New(fs afero.Fs) *Storage {
	return &Storage{fs: fs, root: "/", owned: make(map[string]bool)}
}

// NewOS returns a storage rooted at dir on the local disk, creating dir if needed.
func NewOS(dir string) (*Storage, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &Storage{
		fs:    afero.NewBasePathFs(afero.NewOsFs(), abs),
		root:  abs,
		owned: make(map[string]bool),
	}, nil
}

// Root returns the storage root for display.
func (s *Storage) Root() string { return s.root }

// Fs exposes the underlying file system.
func (s *Storage) Fs() afero.Fs { return s.fs }

// Create makes the storage area for username. An area this Storage created
// earlier is reused; any other existing path yields ErrForeign.
func (s *Storage) Create(username string) error {
	dir, err := userDir(username)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.owned[username] {
		exists, err := afero.Exists(s.fs, dir)
		if err != nil {
			return fmt.Errorf("storage: stat %s: %w", username, err)
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrForeign, username)
		}
	}
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: create %s: %w", username, err)
	}
	s.owned[username] = true
	return nil
}

// Foreign reports whether a path named username exists below the root
// without having been created by this Storage. A failed lookup is returned
// as an error so callers never adopt a path they could not inspect.
func (s *Storage) Foreign(username string) (bool, error) {
	dir, err := userDir(username)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owned[username] {
		return false, nil
	}
	exists, err := afero.Exists(s.fs, dir)
	if err != nil {
		return false, fmt.Errorf("storage: stat %s: %w", username, err)
	}
	return exists, nil
}

// Exists reports whether a storage area exists for username.
func (s *Storage) Exists(username string) bool {
	dir, err := userDir(username)
	if err != nil {
		return false
	}
	ok, err := afero.DirExists(s.fs, dir)
	return err == nil && ok
}

// Save writes data as username/filename and returns the storage-relative path.
func (s *Storage) Save(username, filename string, data []byte) (string, error) {
	dir, err := userDir(username)
	if err != nil {
		return "", err
	}
	if err := checkElem(filename); err != nil {
		return "", err
	}
	p := path.Join(dir, filename)
	if err := afero.WriteFile(s.fs, p, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: write %s: %w", p, err)
	}
	return strings.TrimPrefix(p, "/"), nil
}

// ReadFile returns the contents of the regular file at the storage-relative
// path p. Missing files, directories and unreadable paths yield ErrNotFound.
func (s *Storage) ReadFile(p string) ([]byte, error) {
	clean := Clean(p)
	if clean == "/" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	info, err := s.fs.Stat(clean)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("storage: stat %s: %w", p, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	data, err := afero.ReadFile(s.fs, clean)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", p, err)
	}
	return data, nil
}

// Teardown recursively deletes the storage area for username. Areas this
// Storage did not create are never touched, so Teardown may be called twice.
func (s *Storage) Teardown(username string) error {
	dir, err := userDir(username)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.owned[username] {
		return nil
	}
	if err := s.fs.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: remove %s: %w", username, err)
	}
	delete(s.owned, username)
	return nil
}

// Clean normalizes a client-supplied path to an absolute slash path inside the
// root. Backslashes are treated as separators and ".." cannot climb above "/".
func Clean(p string) string {
	return path.Clean("/" + strings.ReplaceAll(p, `\`, "/"))
}

func userDir(username string) (string, error) {
	if err := checkElem(username); err != nil {
		return "", err
	}
	return "/" + username, nil
}

func checkElem(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
