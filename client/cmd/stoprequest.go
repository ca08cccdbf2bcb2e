package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/shelfapp/shelf/util"
)

const stopRequestFile = "stop.request"

// stopRequestPath is the file a stop command drops for the daemon, next to the state file.
func stopRequestPath(statePath string) string {
	return filepath.Join(filepath.Dir(statePath), stopRequestFile)
}

// watchStopRequest calls onStop each time a stop request appears and removes
// the request afterwards. It returns when ctx is done.
func watchStopRequest(ctx context.Context, path string, onStop func()) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			log.Warnf("failed to close watcher: %v", err)
		}
	}()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	// a request dropped while the daemon was down
	if util.FileExists(path) {
		consumeStopRequest(path, onStop)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed unexpectedly")
			}
			if event.Name != path || !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if util.FileExists(path) {
				consumeStopRequest(path, onStop)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed unexpectedly")
			}
			return fmt.Errorf("watcher error: %w", err)
		}
	}
}

func consumeStopRequest(path string, onStop func()) {
	log.Infof("stop requested")
	onStop()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("failed to remove stop request %s: %v", path, err)
	}
}

// requestStop drops a stop request and waits up to timeout for a daemon to
// consume it. It reports whether the request was consumed; an unconsumed
// request is withdrawn.
func requestStop(ctx context.Context, path string, timeout time.Duration) (bool, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			log.Warnf("failed to close watcher: %v", err)
		}
	}()

	if err := util.WriteBytesWithRestrictedPermission(ctx, path, []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
		return false, fmt.Errorf("write stop request: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return false, fmt.Errorf("failed to watch directory: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if !util.FileExists(path) {
			return true, nil
		}

		select {
		case <-ctx.Done():
			withdrawStopRequest(path)
			return false, ctx.Err()
		case <-timer.C:
			withdrawStopRequest(path)
			return false, nil
		case <-watcher.Events:
		case err := <-watcher.Errors:
			withdrawStopRequest(path)
			return false, fmt.Errorf("watcher error: %w", err)
		}
	}
}

func withdrawStopRequest(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("failed to remove stop request %s: %v", path, err)
	}
}
