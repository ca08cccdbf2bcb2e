package cmd

import (
	"github.com/spf13/cobra"

	"github.com/shelfapp/shelf/client/internal/updatemanager/notifier"
)

// printNotifier reports update progress on the command output.
type printNotifier struct {
	cmd *cobra.Command
}

var _ notifier.Notifier = printNotifier{}

func (p printNotifier) OnDownloadStarted(version string) {
	p.cmd.Printf("Downloading %s\n", version)
}

func (p printNotifier) OnProgressChanged(percent int) {
	p.cmd.Printf("\r%3d%%", percent)
	if percent == 100 {
		p.cmd.Println()
	}
}

func (p printNotifier) OnDownloadFinished(file string) {
	p.cmd.Printf("Downloaded %s\n", file)
}

func (p printNotifier) OnDownloadError(url, version string) {
	p.cmd.PrintErrf("Download of %s from %s failed, try again later\n", version, url)
}

func (p printNotifier) OnInstalling() {
	p.cmd.Println("Installing")
}

func (p printNotifier) OnInstallFinished() {
	p.cmd.Println("Update installed")
}

func (p printNotifier) OnInstallError(file string) {
	p.cmd.PrintErrf("Install failed, the package is kept at %s\n", file)
}

func (p printNotifier) OnManualInstall(file string) {
	p.cmd.Printf("Opened %s, finish the install manually\n", file)
}

func (p printNotifier) OnUserActionRequired(handle string) {
	p.cmd.Printf("Install session %s is waiting for confirmation\n", handle)
}

func (p printNotifier) OnCancelled() {
	p.cmd.Println("Update cancelled")
}
