package auth

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	tokenFileName = "token.json"
	appDirName    = "interactive"
)

// FileStore persists a serialized token for hosts that want to skip the
// short code flow on the next start. The session engine never uses it.
type FileStore struct {
	dir string // directory containing token.json
}

// NewFileStore creates a FileStore in dir. Pass an empty string to use the
// default XDG state path. The directory is created on the first Save.
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = defaultStateDir()
	}
	return &FileStore{dir: dir}
}

// Path returns the full path to the token file.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, tokenFileName)
}

// Load reads the stored token. ok is false when no token has been saved.
func (s *FileStore) Load() (tok Token, ok bool, err error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return Token{}, false, nil
		}
		return Token{}, false, fmt.Errorf("reading token: %w", err)
	}
	tok, err = ParseRefreshToken(string(data))
	if err != nil {
		return Token{}, false, err
	}
	return tok, true, nil
}

// Save writes the token using an atomic temp-file-then-rename pattern.
func (s *FileStore) Save(tok Token) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating token dir: %w", err)
	}

	data, err := tok.Serialize()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.WriteString(data + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("renaming token file: %w", err)
	}
	committed = true
	return nil
}

// Clear removes the stored token.
func (s *FileStore) Clear() error {
	if err := os.Remove(s.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing token: %w", err)
	}
	return nil
}

// defaultStateDir returns ~/.local/state/interactive, respecting
// XDG_STATE_HOME if set.
func defaultStateDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
