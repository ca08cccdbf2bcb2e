package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"

	shelferrors "github.com/shelfapp/shelf/client/errors"
	"github.com/shelfapp/shelf/client/internal/updatemanager/notifier"
	"github.com/shelfapp/shelf/client/internal/updatemanager/updatestate"
)

const (
	// DefaultWait bounds how long Install waits for a result after commit.
	DefaultWait = 5 * time.Second
	// DefaultPendingPoll is how often WaitFinal re-reads a result pending on the user.
	DefaultPendingPoll = time.Second
)

var (
	// ErrSessionCreation is reported when the platform refuses to open a session.
	ErrSessionCreation = errors.New("install session creation failed")
	// ErrInstallCancelled is reported when the caller cancels the post-commit wait.
	ErrInstallCancelled = errors.New("install wait cancelled")
)

// Opener surfaces a file to the user.
type Opener interface {
	Open(file string) error
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(file string) error

func (f OpenerFunc) Open(file string) error {
	return f(file)
}

// SystemOpener opens the file with the desktop's default handler.
var SystemOpener Opener = OpenerFunc(open.Start)

// OutcomeKind is how Install ended.
type OutcomeKind int

const (
	// Delivered means the result arrived within the wait and is in Outcome.Result.
	Delivered OutcomeKind = iota
	// Pending means the installation is visibly progressing; the result arrives later.
	Pending
	// ManualFallback means the package was handed to the user.
	ManualFallback
)

func (k OutcomeKind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Pending:
		return "pending"
	case ManualFallback:
		return "manual-fallback"
	default:
		return "unknown"
	}
}

// Outcome is what Install observed before returning.
type Outcome struct {
	Kind    OutcomeKind
	Session SessionHandle
	Result  Result
}

// Session drives one package through the platform install transaction.
type Session struct {
	platform Platform
	store    updatestate.Store
	notifier notifier.Notifier
	opener   Opener
	wait     time.Duration
	poll     time.Duration
}

// NewSession creates a Session with the default wait and the system opener.
func NewSession(platform Platform, store updatestate.Store, n notifier.Notifier) *Session {
	return &Session{
		platform: platform,
		store:    store,
		notifier: n,
		opener:   SystemOpener,
		wait:     DefaultWait,
		poll:     DefaultPendingPoll,
	}
}

// WithOpener replaces how the manual fallback surfaces the package.
func (s *Session) WithOpener(o Opener) *Session {
	s.opener = o
	return s
}

// WithPendingPoll sets how often WaitFinal re-reads a pending result.
func (s *Session) WithPendingPoll(d time.Duration) *Session {
	s.poll = d
	return s
}

// WithWait sets the bounded post-commit wait.
func (s *Session) WithWait(d time.Duration) *Session {
	s.wait = d
	return s
}

// Install stages file in a new session, commits it and waits up to the bounded
// interval for the result. notifyOnInstall is persisted before the commit so a
// result delivered to another process still knows whether to announce success.
func (s *Session) Install(ctx context.Context, file, version string, notifyOnInstall bool) (Outcome, error) {
	if err := s.store.PutBool(updatestate.KeyNotifyOnInstall, notifyOnInstall); err != nil {
		return Outcome{}, shelferrors.Classify(shelferrors.UserRetryable, fmt.Errorf("persist notify flag: %w", err))
	}

	handle, err := s.platform.CreateSession(ctx)
	if err != nil {
		log.Errorf("failed to create install session: %v", err)
		s.fallback(file)
		return Outcome{Kind: ManualFallback}, shelferrors.Classify(shelferrors.ManualFallback, fmt.Errorf("%w: %v", ErrSessionCreation, err))
	}

	if err := s.store.PutString(updatestate.KeyInstallFile, file); err != nil {
		s.release(handle)
		return Outcome{}, shelferrors.Classify(shelferrors.UserRetryable, fmt.Errorf("persist install file: %w", err))
	}
	if err := s.store.PutString(updatestate.KeyInstallSession, handle.ID); err != nil {
		s.release(handle)
		return Outcome{}, shelferrors.Classify(shelferrors.UserRetryable, fmt.Errorf("persist install session: %w", err))
	}

	if err := s.write(handle, file); err != nil {
		s.abort(handle)
		return Outcome{}, shelferrors.Classify(shelferrors.UserRetryable, err)
	}

	if err := s.platform.Commit(ctx, handle, CallbackTarget{Version: version}); err != nil {
		s.abort(handle)
		return Outcome{}, shelferrors.Classify(shelferrors.UserRetryable, fmt.Errorf("commit install session: %w", err))
	}
	log.Infof("committed install session %s for %s", handle.ID, version)

	return s.await(ctx, handle, file)
}

func (s *Session) write(handle SessionHandle, file string) error {
	in, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open package: %w", err)
	}
	defer func() {
		if err := in.Close(); err != nil {
			log.Warnf("failed to close package file: %v", err)
		}
	}()

	out, err := s.platform.OpenSession(handle)
	if err != nil {
		return fmt.Errorf("open install session: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("write install session: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close install session: %w", err)
	}
	return nil
}

// await is a single-shot bounded wait; expiry leads to at most one fallback.
func (s *Session) await(ctx context.Context, handle SessionHandle, file string) (Outcome, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.wait)
	defer cancel()

	result, err := s.platform.Wait(waitCtx, handle)
	if err == nil {
		return Outcome{Kind: Delivered, Session: handle, Result: result}, nil
	}

	if ctx.Err() != nil {
		log.Infof("stopped waiting for install session %s", handle.ID)
		return Outcome{Kind: Pending, Session: handle}, shelferrors.Classify(shelferrors.SilentCancel, fmt.Errorf("%w: %w", ErrInstallCancelled, context.Cause(ctx)))
	}

	if !errors.Is(err, context.DeadlineExceeded) {
		log.Warnf("waiting for install session %s failed: %v", handle.ID, err)
	}

	if s.platform.Progressing(handle) {
		log.Infof("install session %s still in progress, result will be delivered later", handle.ID)
		return Outcome{Kind: Pending, Session: handle}, nil
	}

	log.Warnf("no result for install session %s within %v", handle.ID, s.wait)
	if s.Fallback(handle, file) {
		s.release(handle)
	}
	return Outcome{Kind: ManualFallback, Session: handle}, nil
}

// WaitResult blocks until the result of handle is delivered or ctx is done.
func (s *Session) WaitResult(ctx context.Context, handle SessionHandle) (Result, error) {
	return s.platform.Wait(ctx, handle)
}

// WaitFinal blocks until handle has a result that is not pending on the user,
// or ctx is done.
func (s *Session) WaitFinal(ctx context.Context, handle SessionHandle) (Result, error) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		result, err := s.platform.Wait(ctx, handle)
		if err != nil || result.Status != StatusPendingUserAction {
			return result, err
		}
		select {
		case <-ctx.Done():
			return Result{}, context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

// Reattach returns the result of a session created by an earlier process.
func (s *Session) Reattach(handle SessionHandle) (Result, bool, error) {
	return s.platform.Result(handle)
}

// Progressing reports whether the platform shows the session advancing.
func (s *Session) Progressing(handle SessionHandle) bool {
	return s.platform.Progressing(handle)
}

// Fallback hands file to the user if handle is still the pending session. The
// pending marker is cleared in the same step, so concurrent or repeated callers
// trigger the fallback only once. It reports whether it fired.
func (s *Session) Fallback(handle SessionHandle, file string) bool {
	cleared, err := updatestate.ClearIfEquals(s.store, updatestate.KeyInstallSession, handle.ID)
	if err != nil {
		log.Errorf("failed to clear install session %s: %v", handle.ID, err)
		return false
	}
	if !cleared {
		log.Debugf("install session %s already resolved, skipping fallback", handle.ID)
		return false
	}

	s.fallback(file)
	return true
}

func (s *Session) fallback(file string) {
	log.Infof("falling back to manual install of %s", file)
	if err := s.opener.Open(file); err != nil {
		log.Warnf("failed to open %s: %v", file, err)
	}
	s.notifier.OnManualInstall(file)
}

// Release drops the platform resources of a finished session and forgets its
// package.
func (s *Session) Release(handle SessionHandle) {
	s.release(handle)
}

func (s *Session) release(handle SessionHandle) {
	if err := s.platform.Abandon(handle); err != nil {
		log.Warnf("failed to release install session %s: %v", handle.ID, err)
	}
	if err := s.store.Remove(updatestate.KeyInstallFile); err != nil {
		log.Warnf("failed to clear install file: %v", err)
	}
}

func (s *Session) abort(handle SessionHandle) {
	if _, err := updatestate.ClearIfEquals(s.store, updatestate.KeyInstallSession, handle.ID); err != nil {
		log.Warnf("failed to clear install session %s: %v", handle.ID, err)
	}
	s.release(handle)
}
