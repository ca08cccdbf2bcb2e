package installer

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
)

const packagePlaceholder = "{package}"

// Apply runs the installer command for the package staged in sessionDir and
// writes the session result. It is executed by the detached apply process.
func Apply(ctx context.Context, sessionDir string, command []string) error {
	rh := NewResultHandler(sessionDir)

	if len(command) == 0 {
		return rh.Write(Result{Status: StatusFailure, Code: CodeInvalid, Error: "no installer command"})
	}

	args := expandCommand(command, filepath.Join(sessionDir, packageFile))
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	logWriter := log.StandardLogger().Writer()
	defer logWriter.Close()
	cmd.Stdout = logWriter
	cmd.Stderr = logWriter

	log.Infof("running installer: %s", cmd.String())
	runErr := cmd.Run()

	result := resultFromRun(ctx, runErr)
	log.Infof("installer finished: %s", result)
	return rh.Write(result)
}

func expandCommand(command []string, pkg string) []string {
	args := make([]string, 0, len(command)+1)
	var replaced bool
	for _, arg := range command {
		if strings.Contains(arg, packagePlaceholder) {
			arg = strings.ReplaceAll(arg, packagePlaceholder, pkg)
			replaced = true
		}
		args = append(args, arg)
	}
	if !replaced {
		args = append(args, pkg)
	}
	return args
}

func resultFromRun(ctx context.Context, err error) Result {
	if err == nil {
		return Result{Status: StatusSuccess}
	}

	if ctx.Err() != nil {
		return Result{Status: StatusFailure, Code: CodeAborted, Error: ctx.Err().Error()}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status, code := resultFromSignal(ws.Signal())
			return Result{Status: status, Code: code, Error: err.Error()}
		}
		status, code := resultFromExitCode(exitErr.ExitCode())
		return Result{Status: status, Code: code, Error: err.Error()}
	}

	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		return Result{Status: StatusFailure, Code: CodeIncompatible, Error: err.Error()}
	case errors.Is(err, syscall.ENOSPC):
		return Result{Status: StatusFailure, Code: CodeStorage, Error: err.Error()}
	default:
		return Result{Status: StatusFailure, Code: CodeGeneric, Error: err.Error()}
	}
}
