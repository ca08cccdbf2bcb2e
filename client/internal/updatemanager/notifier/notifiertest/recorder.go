// Package notifiertest provides a Notifier that records calls for tests.
package notifiertest

import (
	"fmt"
	"sync"
)

// Recorder records every notification as a short string such as
// "progress:40" or "manual:/tmp/pkg".
type Recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *Recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

// Events returns a copy of the recorded notifications.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// Count returns how many recorded notifications equal event.
func (r *Recorder) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

// Progress returns the recorded progress percentages in order.
func (r *Recorder) Progress() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, e := range r.events {
		var p int
		if _, err := fmt.Sscanf(e, "progress:%d", &p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func (r *Recorder) OnDownloadStarted(version string)    { r.add("started:%s", version) }
func (r *Recorder) OnProgressChanged(percent int)       { r.add("progress:%d", percent) }
func (r *Recorder) OnDownloadFinished(file string)      { r.add("downloaded:%s", file) }
func (r *Recorder) OnDownloadError(url, version string) { r.add("download-error:%s", version) }
func (r *Recorder) OnInstalling()                       { r.add("installing") }
func (r *Recorder) OnInstallFinished()                  { r.add("installed") }
func (r *Recorder) OnInstallError(file string)          { r.add("install-error:%s", file) }
func (r *Recorder) OnManualInstall(file string)         { r.add("manual:%s", file) }
func (r *Recorder) OnUserActionRequired(handle string)  { r.add("user-action:%s", handle) }
func (r *Recorder) OnCancelled()                        { r.add("cancelled") }
