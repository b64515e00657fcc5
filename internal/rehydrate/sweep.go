package rehydrate

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sweep removes staging files older than maxAge. Staged files are scoped to
// a single call, so anything old enough to trip this was leaked by a crash.
// Returns the number of files removed.
func Sweep(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "rehydrate-") && !strings.HasPrefix(name, "thumb-") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err == nil {
			removed++
		}
	}
	return removed, nil
}
