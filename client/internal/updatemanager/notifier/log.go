package notifier

import (
	log "github.com/sirupsen/logrus"
)

// Log is the headless Notifier used by the CLI and the daemon.
type Log struct{}

func (Log) OnDownloadStarted(version string) {
	log.Infof("downloading update %s", version)
}

func (Log) OnProgressChanged(percent int) {
	log.Infof("download progress: %d%%", percent)
}

func (Log) OnDownloadFinished(file string) {
	log.Infof("update downloaded to %s", file)
}

func (Log) OnDownloadError(url, version string) {
	log.Errorf("failed to download update %s from %s, run the update again to retry", version, url)
}

func (Log) OnInstalling() {
	log.Infof("installing update")
}

func (Log) OnInstallFinished() {
	log.Infof("update installed")
}

func (Log) OnInstallError(file string) {
	log.Errorf("failed to install update %s, run the update again to retry", file)
}

func (Log) OnManualInstall(file string) {
	log.Warnf("could not confirm the installation, install %s manually", file)
}

func (Log) OnUserActionRequired(handle string) {
	log.Warnf("installer is waiting for confirmation: %s", handle)
}

func (Log) OnCancelled() {
	log.Infof("update cancelled")
}
