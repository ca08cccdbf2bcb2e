package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/xid"
	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"
)

const (
	packageFile = "package"
	pidFile     = "apply.pid"
	versionFile = "version"

	// ApplyCommand is the hidden subcommand Commit spawns.
	ApplyCommand = "apply"
)

// ExecPlatform keeps sessions as directories and installs by spawning a
// detached "apply" process which runs the configured installer command.
type ExecPlatform struct {
	baseDir    string
	command    []string
	executable func() (string, error)
}

// NewExecPlatform creates sessions under baseDir. command is the installer
// invocation; "{package}" is replaced by the package path, or the path is
// appended when the placeholder is absent.
func NewExecPlatform(baseDir string, command []string) *ExecPlatform {
	return &ExecPlatform{
		baseDir:    baseDir,
		command:    command,
		executable: os.Executable,
	}
}

func (p *ExecPlatform) sessionDir(handle SessionHandle) string {
	return filepath.Join(p.baseDir, handle.ID)
}

func (p *ExecPlatform) CreateSession(_ context.Context) (SessionHandle, error) {
	if len(p.command) == 0 {
		return SessionHandle{}, errors.New("no installer command configured")
	}

	handle := SessionHandle{ID: xid.New().String()}
	if err := os.MkdirAll(p.sessionDir(handle), 0o700); err != nil {
		return SessionHandle{}, fmt.Errorf("create session dir: %w", err)
	}

	log.Debugf("created install session %s", handle.ID)
	return handle, nil
}

func (p *ExecPlatform) OpenSession(handle SessionHandle) (io.WriteCloser, error) {
	if err := handle.validate(); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(p.sessionDir(handle), packageFile), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o700)
}

func (p *ExecPlatform) Commit(_ context.Context, handle SessionHandle, target CallbackTarget) error {
	if err := handle.validate(); err != nil {
		return err
	}

	dir := p.sessionDir(handle)
	if err := os.WriteFile(filepath.Join(dir, versionFile), []byte(target.Version), 0o600); err != nil {
		return fmt.Errorf("write session version: %w", err)
	}

	self, err := p.executable()
	if err != nil {
		return fmt.Errorf("locate updater binary: %w", err)
	}

	args := append([]string{ApplyCommand, "--session-dir", dir, "--"}, p.command...)
	// not bound to a context: the apply process must outlive this one
	cmd := exec.Command(self, args...)
	setApplyProcAttr(cmd)

	log.Infof("starting apply process: %s", cmd.String())
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start apply process: %w", err)
	}

	pid := cmd.Process.Pid
	log.Infof("apply process started with PID %d", pid)

	if err := os.WriteFile(filepath.Join(dir, pidFile), []byte(strconv.Itoa(pid)), 0o600); err != nil {
		log.Warnf("failed to record apply pid: %v", err)
	}

	// Release the process so the OS can fully detach it
	if err := cmd.Process.Release(); err != nil {
		log.Warnf("failed to release apply process: %v", err)
	}

	return nil
}

func (p *ExecPlatform) Wait(ctx context.Context, handle SessionHandle) (Result, error) {
	if err := handle.validate(); err != nil {
		return Result{}, err
	}
	return NewResultHandler(p.sessionDir(handle)).Watch(ctx)
}

func (p *ExecPlatform) Result(handle SessionHandle) (Result, bool, error) {
	if err := handle.validate(); err != nil {
		return Result{}, false, err
	}
	return NewResultHandler(p.sessionDir(handle)).Read()
}

// Progressing reports whether the apply process of the session is still alive.
func (p *ExecPlatform) Progressing(handle SessionHandle) bool {
	if handle.validate() != nil {
		return false
	}

	data, err := os.ReadFile(filepath.Join(p.sessionDir(handle), pidFile))
	if err != nil {
		return false
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return false
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}

	running, err := proc.IsRunning()
	if err != nil || !running {
		return false
	}

	statuses, err := proc.Status()
	if err != nil {
		return true
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

func (p *ExecPlatform) Abandon(handle SessionHandle) error {
	if err := handle.validate(); err != nil {
		return err
	}
	if err := os.RemoveAll(p.sessionDir(handle)); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	log.Debugf("removed install session %s", handle.ID)
	return nil
}
