package appdir

import (
	"os"
	"path/filepath"
	"strings"
)

const AppDirName = ".ferry-sync"

// TempPrefix marks every temp directory this engine creates (drag
// staging, external-edit staging) so a startup sweep can find leftovers.
const TempPrefix = "ferry-sync-"

// Dir returns the per-user application data directory, creating it if
// needed.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, AppDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// Path joins elem onto the app data directory.
func Path(elem ...string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{dir}, elem...)...), nil
}

// MakeTemp creates a fresh uniquely-named temp directory carrying the
// engine prefix. Each caller gets its own directory; nothing is shared.
func MakeTemp() (string, error) {
	return os.MkdirTemp("", TempPrefix+"*")
}

// SweepTemp removes leftover engine temp directories from previous runs.
// Best-effort: errors on individual entries are ignored.
func SweepTemp() int {
	entries, err := os.ReadDir(os.TempDir())
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), TempPrefix) {
			continue
		}
		if os.RemoveAll(filepath.Join(os.TempDir(), e.Name())) == nil {
			removed++
		}
	}
	return removed
}
