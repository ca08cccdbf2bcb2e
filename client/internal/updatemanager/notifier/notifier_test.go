package notifier

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type slowRecorder struct {
	mu     sync.Mutex
	events []int
}

func (r *slowRecorder) OnProgressChanged(percent int) {
	time.Sleep(time.Millisecond)
	r.mu.Lock()
	r.events = append(r.events, percent)
	r.mu.Unlock()
}

func (r *slowRecorder) OnDownloadStarted(string) {}
func (r *slowRecorder) OnDownloadFinished(string) {}
func (r *slowRecorder) OnDownloadError(string, string) {}
func (r *slowRecorder) OnInstalling() {}
func (r *slowRecorder) OnInstallFinished() {}
func (r *slowRecorder) OnInstallError(string) {}
func (r *slowRecorder) OnManualInstall(string) {}
func (r *slowRecorder) OnUserActionRequired(string) {}
func (r *slowRecorder) OnCancelled() {}

func TestAsync_PreservesOrderAndDrainsOnClose(t *testing.T) {
	rec := &slowRecorder{}
	a := NewAsync(rec)

	for i := 0; i <= 10; i++ {
		a.OnProgressChanged(i * 10)
	}

	a.Close()
	assert.Equal(t, []int{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, rec.events)

	// calls after close are dropped, not panicking
	a.OnProgressChanged(100)
	a.Close()
}
