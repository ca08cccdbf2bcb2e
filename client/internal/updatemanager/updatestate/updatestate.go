// Package updatestate names the persisted keys of the update pipeline. These
// keys are the only update state that outlives a process.
package updatestate

const (
	// KeyDownloadingVersion is set while a download or install of that version is in flight.
	KeyDownloadingVersion = "update.downloading_version"
	// KeyJobOwner is the pid of the process running the job of KeyDownloadingVersion.
	KeyJobOwner = "update.job_owner"
	// KeyDownloadingURL is the package URL of KeyDownloadingVersion, used to resume after a restart.
	KeyDownloadingURL = "update.downloading_url"
	// KeyNotifyOnInstall asks the completion handler to announce a successful install.
	KeyNotifyOnInstall = "update.notify_on_install"
	// KeyInstallSession is the id of the committed install session awaiting its result.
	KeyInstallSession = "update.install_session"
	// KeyInstallFile is the downloaded package offered for a manual install.
	KeyInstallFile = "update.install_file"
	// KeyHandledSession is the last session whose result was processed.
	KeyHandledSession = "update.handled_session"
)

// Store is the durable key/value store shared by every update component.
type Store interface {
	GetString(key string) (string, bool)
	PutString(key, value string) error
	GetBool(key string) bool
	PutBool(key string, value bool) error
	Remove(keys ...string) error
	UpdateString(key string, fn func(current *string) *string) error
}

// ClearIfEquals removes key only when it still holds value, so a finished job
// never clears the marker of the job that replaced it. It reports whether the
// key was removed.
func ClearIfEquals(store Store, key, value string) (bool, error) {
	var cleared bool
	err := store.UpdateString(key, func(current *string) *string {
		if current != nil && *current == value {
			cleared = true
			return nil
		}
		return current
	})
	if err != nil {
		return false, err
	}
	return cleared, nil
}
