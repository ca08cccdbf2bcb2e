//go:build !unix && !windows

package statemanager

import "os"

// Platforms without file locks rely on the in-process mutex only.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
