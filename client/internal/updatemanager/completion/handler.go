// Package completion reconciles asynchronous install results against the
// persisted update state. The process receiving a result may not be the one
// that committed the session, so everything is read from the store.
package completion

import (
	"context"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	shelferrors "github.com/shelfapp/shelf/client/errors"
	"github.com/shelfapp/shelf/client/internal/updatemanager/installer"
	"github.com/shelfapp/shelf/client/internal/updatemanager/notifier"
	"github.com/shelfapp/shelf/client/internal/updatemanager/updatestate"
)

// Outcome is what a delivered result resolved to.
type Outcome int

const (
	// Pending means the installer is waiting on the user; a final result follows.
	Pending Outcome = iota
	Succeeded
	Failed
	// Cancelled means the user dismissed the installer. Nothing is surfaced.
	Cancelled
	// Duplicate means the session was already handled and nothing was done.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Event is one delivery of a session result. Version is the release the
// session installs, empty when unknown.
type Event struct {
	SessionID string
	Version   string
	Result    installer.Result
}

// Handler holds no state of its own; concurrent and repeated deliveries are
// resolved through the store.
type Handler struct {
	store    updatestate.Store
	notifier notifier.Notifier
}

func NewHandler(store updatestate.Store, n notifier.Notifier) *Handler {
	return &Handler{
		store:    store,
		notifier: n,
	}
}

// OnResult processes ev. A final result is handled at most once per session.
func (h *Handler) OnResult(_ context.Context, ev Event) (Outcome, error) {
	logger := log.WithField("session", ev.SessionID)

	if ev.Result.Status == installer.StatusPendingUserAction {
		logger.Infof("installer requires user confirmation")
		h.notifier.OnUserActionRequired(ev.Result.ConfirmationHandle)
		return Pending, nil
	}

	first, err := h.claim(ev.SessionID)
	if err != nil {
		return Failed, shelferrors.Classify(shelferrors.SilentRetry, err)
	}
	if !first {
		logger.Debugf("result already handled, skipping")
		return Duplicate, nil
	}

	file, _ := h.store.GetString(updatestate.KeyInstallFile)
	notify := h.store.GetBool(updatestate.KeyNotifyOnInstall)

	var outcome Outcome
	switch {
	case ev.Result.Status == installer.StatusSuccess:
		logger.Infof("update %s installed", ev.Version)
		if notify {
			h.notifier.OnInstallFinished()
		}
		outcome = Succeeded
	case ev.Result.Code == installer.CodeAborted:
		logger.Infof("installation cancelled by the user")
		h.notifier.OnCancelled()
		outcome = Cancelled
	default:
		logger.Errorf("installation failed: %s: %s", ev.Result.Code, ev.Result.Error)
		h.notifier.OnInstallError(file)
		outcome = Failed
	}

	if err := h.clear(ev); err != nil {
		logger.Errorf("failed to clear update state: %v", err)
		return outcome, shelferrors.Classify(shelferrors.SilentRetry, err)
	}
	return outcome, nil
}

// claim marks sessionID as handled and reports whether this call did so.
func (h *Handler) claim(sessionID string) (bool, error) {
	var first bool
	err := h.store.UpdateString(updatestate.KeyHandledSession, func(current *string) *string {
		if current != nil && *current == sessionID {
			return current
		}
		first = true
		return &sessionID
	})
	return first, err
}

// clear removes the bookkeeping of ev's session. Keys that already belong to
// a newer job are left alone.
func (h *Handler) clear(ev Event) error {
	var merr *multierror.Error

	cleared, err := updatestate.ClearIfEquals(h.store, updatestate.KeyInstallSession, ev.SessionID)
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	if cleared {
		if err := h.store.Remove(updatestate.KeyInstallFile, updatestate.KeyNotifyOnInstall); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	if ev.Version != "" {
		cleared, err := updatestate.ClearIfEquals(h.store, updatestate.KeyDownloadingVersion, ev.Version)
		if err != nil {
			merr = multierror.Append(merr, err)
		}
		if cleared {
			if err := h.store.Remove(updatestate.KeyDownloadingURL); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
	}

	return shelferrors.FormatErrorOrNil(merr)
}
