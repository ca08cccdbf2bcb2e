package installer

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
)

// SessionHandle identifies an install session. It is a plain value so it can be
// persisted and re-attached after a restart.
type SessionHandle struct {
	ID string
}

func (h SessionHandle) validate() error {
	if h.ID == "" || filepath.Base(h.ID) != h.ID || h.ID == "." || h.ID == ".." {
		return fmt.Errorf("invalid session id %q", h.ID)
	}
	return nil
}

// CallbackTarget tells the platform where the asynchronous result belongs.
type CallbackTarget struct {
	Version string
}

// Platform is the OS mediated install transaction.
type Platform interface {
	CreateSession(ctx context.Context) (SessionHandle, error)
	OpenSession(handle SessionHandle) (io.WriteCloser, error)
	// Commit starts the installation and returns before it completes.
	Commit(ctx context.Context, handle SessionHandle, target CallbackTarget) error
	// Wait blocks until the session result is delivered or ctx is done.
	Wait(ctx context.Context, handle SessionHandle) (Result, error)
	// Result returns an already delivered result without blocking.
	Result(handle SessionHandle) (Result, bool, error)
	// Progressing reports visible evidence that the installation is advancing.
	Progressing(handle SessionHandle) bool
	// Abandon releases everything the session holds.
	Abandon(handle SessionHandle) error
}
