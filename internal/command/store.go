package command

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ErrNotFound is returned by Store.Load when no template file exists
// for the requested command name.
var ErrNotFound = errors.New("command: template not found")

// nameRe restricts command names to safe filename characters.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Store loads command prompt templates from a directory, one
// "<name>.md" file per command.
type Store struct {
	dir string
}

// NewStore creates a template store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("command: store: template directory is required")
	}
	return &Store{dir: dir}, nil
}

// Load returns the raw template text for a command, or ErrNotFound.
func (s *Store) Load(name string) (string, error) {
	if !nameRe.MatchString(name) {
		return "", fmt.Errorf("command: load %q: %w", name, ErrNotFound)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name+".md"))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("command: load %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("command: load %q: %w", name, err)
	}
	return string(data), nil
}
