// Package notifier defines the user-facing surface of the update pipeline.
package notifier

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

const queueSize = 64

// Notifier renders update progress and outcomes to the user.
type Notifier interface {
	OnDownloadStarted(version string)
	OnProgressChanged(percent int)
	OnDownloadFinished(file string)
	OnDownloadError(url, version string)
	OnInstalling()
	OnInstallFinished()
	OnInstallError(file string)
	// OnManualInstall hands the package to the user when the automatic outcome is unknown.
	OnManualInstall(file string)
	// OnUserActionRequired forwards an installer confirmation prompt.
	OnUserActionRequired(handle string)
	// OnCancelled dismisses any visible progress without reporting an error.
	OnCancelled()
}

// Async delivers calls to the wrapped Notifier on a dedicated goroutine, in
// order, so a slow renderer never stalls the transfer.
type Async struct {
	target Notifier
	calls  chan func()

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsync starts the delivery goroutine.
func NewAsync(target Notifier) *Async {
	a := &Async{
		target: target,
		calls:  make(chan func(), queueSize),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for call := range a.calls {
		call()
	}
}

func (a *Async) post(call func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Debugf("notifier closed, dropping call")
		}
	}()
	a.calls <- call
}

// Close drains pending calls and stops the delivery goroutine.
func (a *Async) Close() {
	a.closeOnce.Do(func() {
		close(a.calls)
	})
	<-a.done
}

func (a *Async) OnDownloadStarted(version string) {
	a.post(func() { a.target.OnDownloadStarted(version) })
}

func (a *Async) OnProgressChanged(percent int) {
	a.post(func() { a.target.OnProgressChanged(percent) })
}

func (a *Async) OnDownloadFinished(file string) {
	a.post(func() { a.target.OnDownloadFinished(file) })
}

func (a *Async) OnDownloadError(url, version string) {
	a.post(func() { a.target.OnDownloadError(url, version) })
}

func (a *Async) OnInstalling() {
	a.post(a.target.OnInstalling)
}

func (a *Async) OnInstallFinished() {
	a.post(a.target.OnInstallFinished)
}

func (a *Async) OnInstallError(file string) {
	a.post(func() { a.target.OnInstallError(file) })
}

func (a *Async) OnManualInstall(file string) {
	a.post(func() { a.target.OnManualInstall(file) })
}

func (a *Async) OnUserActionRequired(handle string) {
	a.post(func() { a.target.OnUserActionRequired(handle) })
}

func (a *Async) OnCancelled() {
	a.post(a.target.OnCancelled)
}
