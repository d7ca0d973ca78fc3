package appid

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/bioipc/internal/testutil/testlog"
	"github.com/google/uuid"
)

func TestLoadOrCreatePersists(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "state", "app_id")
	first, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("app id %q is not a uuid: %v", first, err)
	}
	second, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if first != second {
		t.Fatalf("app id changed: %q != %q", first, second)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("app id file mode got=%o want=600", perm)
	}
}

func TestLoadOrCreateRejectsGarbage(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "app_id")
	if err := os.WriteFile(path, []byte("not-a-uuid"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := LoadOrCreate(path); !errors.Is(err, ErrInvalidAppID) {
		t.Fatalf("expected ErrInvalidAppID, got %v", err)
	}
}

func TestDefaultPathHonoursXDG(t *testing.T) {
	testlog.Start(t)
	t.Setenv("XDG_STATE_HOME", "/xdg/state")
	if got := DefaultPath(); got != filepath.Join("/xdg/state", "bioctl", "app_id") {
		t.Fatalf("default path got=%q", got)
	}
}
