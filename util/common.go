package util

import (
	"errors"
	"io/fs"
	"os"
)

// FileExists reports whether path exists. Stat errors other than a missing
// file count as existing so callers never overwrite what they cannot inspect.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}
