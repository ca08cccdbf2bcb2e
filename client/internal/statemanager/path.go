package statemanager

import (
	"os"
	"path/filepath"
	"runtime"
)

// GetDefaultStatePath returns the path to the state file based on the operating system
// It returns an empty string if the path cannot be determined.
func GetDefaultStatePath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("PROGRAMDATA"), "Shelf", "update-state.json")
	case "darwin", "linux":
		if dir, err := os.UserConfigDir(); err == nil {
			return filepath.Join(dir, "shelf", "update-state.json")
		}
		return "/var/lib/shelf/update-state.json"
	case "freebsd", "openbsd", "netbsd", "dragonfly":
		return "/var/db/shelf/update-state.json"
	}

	return ""
}
