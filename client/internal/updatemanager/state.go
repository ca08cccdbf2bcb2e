package updatemanager

import (
	"fmt"

	"github.com/shelfapp/shelf/client/internal/updatemanager/updatestate"
)

// StateKind is a step of the update job state machine.
type StateKind int

const (
	Idle StateKind = iota
	Checking
	Downloading
	Installing
	Succeeded
	Failed
	Cancelled
	ManualInstallFallback
)

func (k StateKind) String() string {
	switch k {
	case Idle:
		return "idle"
	case Checking:
		return "checking"
	case Downloading:
		return "downloading"
	case Installing:
		return "installing"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case ManualInstallFallback:
		return "manual-install-fallback"
	default:
		return "unknown"
	}
}

// State is the in-memory view of the current or last job.
type State struct {
	Kind    StateKind
	Version string
	// Percent is set while Downloading.
	Percent int
	// Reason is set for Failed.
	Reason string
}

// Terminal reports whether no further transition follows.
func (s State) Terminal() bool {
	switch s.Kind {
	case Succeeded, Failed, Cancelled, ManualInstallFallback:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	switch s.Kind {
	case Downloading:
		return fmt.Sprintf("%s %s (%d%%)", s.Kind, s.Version, s.Percent)
	case Failed:
		return fmt.Sprintf("%s %s: %s", s.Kind, s.Version, s.Reason)
	case Idle, Checking:
		return s.Kind.String()
	default:
		return fmt.Sprintf("%s %s", s.Kind, s.Version)
	}
}

// PersistedStatus is the part of the update state that outlives the process.
type PersistedStatus struct {
	DownloadingVersion string
	DownloadURL        string
	JobOwner           string
	InstallSession     string
	InstallFile        string
	NotifyOnInstall    bool
}

// ReadPersistedStatus loads the persisted update bookkeeping from store.
func ReadPersistedStatus(store updatestate.Store) PersistedStatus {
	var s PersistedStatus
	s.DownloadingVersion, _ = store.GetString(updatestate.KeyDownloadingVersion)
	s.DownloadURL, _ = store.GetString(updatestate.KeyDownloadingURL)
	s.JobOwner, _ = store.GetString(updatestate.KeyJobOwner)
	s.InstallSession, _ = store.GetString(updatestate.KeyInstallSession)
	s.InstallFile, _ = store.GetString(updatestate.KeyInstallFile)
	s.NotifyOnInstall = store.GetBool(updatestate.KeyNotifyOnInstall)
	return s
}
