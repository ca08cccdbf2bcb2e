package installer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/shelfapp/shelf/util"
)

const (
	resultFile = "result.json"
)

// Result is the asynchronous outcome of a committed session.
type Result struct {
	Status             Status      `json:"status"`
	Code               FailureCode `json:"code,omitempty"`
	ConfirmationHandle string      `json:"confirmationHandle,omitempty"`
	Error              string      `json:"error,omitempty"`
	ExecutedAt         time.Time   `json:"executedAt"`
}

func (r Result) String() string {
	switch r.Status {
	case StatusFailure:
		return fmt.Sprintf("%s(%s)", r.Status, r.Code)
	case StatusPendingUserAction:
		return fmt.Sprintf("%s(%s)", r.Status, r.ConfirmationHandle)
	default:
		return string(r.Status)
	}
}

// ResultHandler reads and writes the result file of one session directory.
type ResultHandler struct {
	resultFile string
}

// NewResultHandler creates a handler for the result file in sessionDir.
func NewResultHandler(sessionDir string) *ResultHandler {
	return &ResultHandler{
		resultFile: filepath.Join(sessionDir, resultFile),
	}
}

// Watch blocks until a result is written or ctx is done. The file is left in
// place so the result can still be read after a restart.
func (rh *ResultHandler) Watch(ctx context.Context) (Result, error) {
	log.Debugf("start watching result: %s", rh.resultFile)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Result{}, fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			log.Warnf("failed to close watcher: %v", err)
		}
	}()

	// watch the directory, the file does not exist yet
	if err := watcher.Add(filepath.Dir(rh.resultFile)); err != nil {
		return Result{}, fmt.Errorf("failed to watch directory: %w", err)
	}

	// the installer may have finished before the watch was set up
	if result, ok, err := rh.Read(); err != nil || ok {
		return result, err
	}

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return Result{}, errors.New("watcher closed unexpectedly")
			}

			if event.Name != rh.resultFile || !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			result, ok, err := rh.Read()
			if err != nil {
				log.Debugf("error while reading result: %v", err)
				return result, err
			}
			if ok {
				log.Infof("installer result: %s", result)
				return result, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return Result{}, errors.New("watcher closed unexpectedly")
			}
			return Result{}, fmt.Errorf("watcher error: %w", err)
		}
	}
}

// Write atomically stores result.
func (rh *ResultHandler) Write(result Result) error {
	log.Infof("write out installer result to: %s", rh.resultFile)

	if result.ExecutedAt.IsZero() {
		result.ExecutedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return util.WriteJsonWithRestrictedPermission(ctx, rh.resultFile, result)
}

// Read returns the stored result. ok is false when no result was written yet.
func (rh *ResultHandler) Read() (Result, bool, error) {
	data, err := os.ReadFile(rh.resultFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{}, false, nil
		}
		return Result{}, false, err
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, false, fmt.Errorf("invalid result format: %w", err)
	}

	return result, true, nil
}
