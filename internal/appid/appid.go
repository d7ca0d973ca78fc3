// Package appid persists the identifier this client installation presents to
// the desktop app in every envelope.
package appid

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidAppID = errors.New("appid: stored app id is not a uuid")

// LoadOrCreate returns the app id stored at path, creating it on first use.
func LoadOrCreate(path string) (string, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		id := strings.TrimSpace(string(raw))
		if _, perr := uuid.Parse(id); perr != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrInvalidAppID, path, perr)
		}
		return id, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("appid: read %s: %w", path, err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("appid: create dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("appid: write %s: %w", path, err)
	}
	return id, nil
}

// DefaultPath is $XDG_STATE_HOME/bioctl/app_id, else ~/.local/state/bioctl/app_id.
func DefaultPath() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "bioctl", "app_id")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "bioctl", "app_id")
	}
	return filepath.Join(home, ".local", "state", "bioctl", "app_id")
}
