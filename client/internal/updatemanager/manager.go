// Package updatemanager runs the self-update job: release check, download,
// install session and result reconciliation, with at most one job in flight.
package updatemanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"

	shelferrors "github.com/shelfapp/shelf/client/errors"
	"github.com/shelfapp/shelf/client/internal/scheduler"
	"github.com/shelfapp/shelf/client/internal/updatemanager/completion"
	"github.com/shelfapp/shelf/client/internal/updatemanager/downloader"
	"github.com/shelfapp/shelf/client/internal/updatemanager/installer"
	"github.com/shelfapp/shelf/client/internal/updatemanager/notifier"
	"github.com/shelfapp/shelf/client/internal/updatemanager/release"
	"github.com/shelfapp/shelf/client/internal/updatemanager/updatestate"
)

// JobName is the scheduler slot of the update job.
const JobName = "shelf-update"

var (
	// ErrVersionMismatch is returned when the feed no longer offers the requested version.
	ErrVersionMismatch = errors.New("requested version is not the latest release")
	// ErrNoDownloadURL is returned when neither the request nor the feed has a package URL.
	ErrNoDownloadURL = errors.New("no download URL")
	// ErrOwnedElsewhere is returned when another live process runs an update job
	// for a different version on the same state file.
	ErrOwnedElsewhere = errors.New("update job running in another process")
)

// Request starts an update to one version.
type Request struct {
	Version string
	// DownloadURL is resolved from the release feed when empty.
	DownloadURL     string
	NotifyOnInstall bool
	// WaitUntilIdle defers the job until the device is idle.
	WaitUntilIdle bool
}

// PackageVerifier checks a downloaded package before it is installed.
type PackageVerifier interface {
	Verify(ctx context.Context, packageURL, file string) error
}

// Options are the collaborators of a Manager.
type Options struct {
	Store      updatestate.Store
	Scheduler  *scheduler.Scheduler
	Checker    *release.Checker
	Downloader *downloader.Downloader
	Platform   installer.Platform
	Notifier   notifier.Notifier
	Metrics    *Metrics
	// Verifier is optional; without it packages are installed unchecked.
	Verifier    PackageVerifier
	DownloadDir string
	// InstallWait bounds the post-commit wait, installer.DefaultWait when zero.
	InstallWait time.Duration
	// PendingPoll is how often a result pending on the user is re-read,
	// installer.DefaultPendingPoll when zero.
	PendingPoll time.Duration
	// Opener surfaces the package on the manual-install path, the system opener when nil.
	Opener installer.Opener
}

// Manager is the update job orchestrator.
type Manager struct {
	store       updatestate.Store
	scheduler   *scheduler.Scheduler
	checker     *release.Checker
	downloader  *downloader.Downloader
	verifier    PackageVerifier
	session     *installer.Session
	completion  *completion.Handler
	notifier    *notifier.Async
	metrics     *Metrics
	downloadDir string
	pid         int

	// startMu serializes the read-modify-write of the downloading version
	// between concurrent Start and Stop calls.
	startMu sync.Mutex

	stateMu   sync.Mutex
	state     State
	activeJob string
}

// NewManager wires the pipeline. Notifications are delivered in order on a
// dedicated goroutine; Close drains them.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Scheduler == nil || opts.Downloader == nil || opts.Platform == nil {
		return nil, errors.New("update manager: missing store, scheduler, downloader or platform")
	}

	target := opts.Notifier
	if target == nil {
		target = notifier.Log{}
	}
	n := notifier.NewAsync(target)

	metrics := opts.Metrics
	if metrics == nil {
		var err error
		if metrics, err = NewMetrics(nil); err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
	}

	session := installer.NewSession(opts.Platform, opts.Store, n)
	if opts.InstallWait > 0 {
		session.WithWait(opts.InstallWait)
	}
	if opts.PendingPoll > 0 {
		session.WithPendingPoll(opts.PendingPoll)
	}
	if opts.Opener != nil {
		session.WithOpener(opts.Opener)
	}

	downloadDir := opts.DownloadDir
	if downloadDir == "" {
		downloadDir = os.TempDir()
	}

	return &Manager{
		store:       opts.Store,
		scheduler:   opts.Scheduler,
		checker:     opts.Checker,
		downloader:  opts.Downloader,
		verifier:    opts.Verifier,
		session:     session,
		completion:  completion.NewHandler(opts.Store, n),
		notifier:    n,
		metrics:     metrics,
		downloadDir: downloadDir,
		pid:         os.Getpid(),
	}, nil
}

// Start runs an update to req.Version. A request for the version already in
// flight is a no-op; any other version replaces the running job. A live job of
// another process on the same state file takes precedence. The version is
// persisted before any network I/O.
func (m *Manager) Start(ctx context.Context, req Request) error {
	if req.Version == "" {
		return errors.New("update version is required")
	}

	m.startMu.Lock()
	defer m.startMu.Unlock()

	current, _ := m.store.GetString(updatestate.KeyDownloadingVersion)
	if pid, ok := m.RunningElsewhere(); ok {
		if current == req.Version {
			log.Infof("update to %s already in progress in process %d", req.Version, pid)
			return nil
		}
		return shelferrors.Classify(shelferrors.UserRetryable, fmt.Errorf("%w: pid %d is updating to %s", ErrOwnedElsewhere, pid, current))
	}
	if current == req.Version && m.IsRunning() {
		log.Infof("update to %s already in progress", req.Version)
		return nil
	}

	if err := m.store.PutString(updatestate.KeyDownloadingVersion, req.Version); err != nil {
		return shelferrors.Classify(shelferrors.UserRetryable, fmt.Errorf("persist downloading version: %w", err))
	}
	if err := m.claimJob(); err != nil {
		return shelferrors.Classify(shelferrors.UserRetryable, err)
	}
	if req.DownloadURL != "" {
		if err := m.store.PutString(updatestate.KeyDownloadingURL, req.DownloadURL); err != nil {
			return shelferrors.Classify(shelferrors.UserRetryable, fmt.Errorf("persist download URL: %w", err))
		}
	} else if err := m.store.Remove(updatestate.KeyDownloadingURL); err != nil {
		return shelferrors.Classify(shelferrors.UserRetryable, fmt.Errorf("clear download URL: %w", err))
	}
	if err := m.store.PutBool(updatestate.KeyNotifyOnInstall, req.NotifyOnInstall); err != nil {
		return shelferrors.Classify(shelferrors.UserRetryable, fmt.Errorf("persist notify flag: %w", err))
	}

	jobID := uuid.NewString()
	m.setActive(jobID, req.Version)

	constraints := scheduler.Constraints{
		NetworkAvailable: true,
		DeviceIdle:       req.WaitUntilIdle,
	}
	log.WithFields(log.Fields{"version": req.Version, "job": jobID}).Infof("scheduling update, constraints: %s", constraints)

	return m.scheduler.Enqueue(ctx, JobName, scheduler.Replace, constraints, func(ctx context.Context) {
		m.run(ctx, jobID, req)
	})
}

// Stop cancels the running or deferred job and clears the downloading
// version. Nothing is reported as an error.
func (m *Manager) Stop() error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.scheduler.Cancel(JobName) {
		log.Infof("update job stopped")
		m.stateMu.Lock()
		m.state = State{Kind: Cancelled, Version: m.state.Version}
		m.stateMu.Unlock()
	}

	if err := m.store.Remove(updatestate.KeyDownloadingVersion, updatestate.KeyDownloadingURL, updatestate.KeyJobOwner); err != nil {
		return fmt.Errorf("clear update state: %w", err)
	}
	return nil
}

// IsRunning reports whether an update job occupies the slot.
func (m *Manager) IsRunning() bool {
	return m.scheduler.IsRunning(JobName)
}

// Done returns a channel closed when the current job has finished.
func (m *Manager) Done() <-chan struct{} {
	return m.scheduler.Done(JobName)
}

// State returns the state of the current or last job.
func (m *Manager) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// Close drains pending notifications. The Manager must not be used afterwards.
func (m *Manager) Close() {
	m.notifier.Close()
}

// CheckForUpdate queries the release feed and starts an update for a new
// release. Check failures are logged and left for the next trigger.
func (m *Manager) CheckForUpdate(ctx context.Context, waitUntilIdle bool) (release.Result, error) {
	if m.checker == nil {
		return release.Result{}, errors.New("no release feed configured")
	}

	m.setIdleState(State{Kind: Checking})

	res := m.checker.Check(ctx)
	m.metrics.CountCheck(ctx, res.Status.String())

	switch res.Status {
	case release.NewUpdate:
		err := m.Start(ctx, Request{
			Version:       res.Release.Version,
			DownloadURL:   res.Release.DownloadURL,
			WaitUntilIdle: waitUntilIdle,
		})
		return res, err
	case release.CantCheck:
		m.setIdleState(State{Kind: Idle})
		return res, shelferrors.Classify(shelferrors.SilentRetry, res.Reason)
	default:
		m.setIdleState(State{Kind: Idle})
		return res, nil
	}
}

// Resume picks up update state left by an earlier process: a committed
// session is reconciled, an interrupted download is scheduled again.
func (m *Manager) Resume(ctx context.Context) error {
	if pid, ok := m.RunningElsewhere(); ok {
		log.Infof("update job is owned by process %d, not resuming", pid)
		return nil
	}

	if id, ok := m.store.GetString(updatestate.KeyInstallSession); ok {
		return m.reconcile(ctx, installer.SessionHandle{ID: id})
	}

	version, ok := m.store.GetString(updatestate.KeyDownloadingVersion)
	if !ok || m.IsRunning() {
		return nil
	}

	url, _ := m.store.GetString(updatestate.KeyDownloadingURL)
	log.Infof("resuming interrupted update to %s", version)
	return m.Start(ctx, Request{
		Version:         version,
		DownloadURL:     url,
		NotifyOnInstall: m.store.GetBool(updatestate.KeyNotifyOnInstall),
	})
}

func (m *Manager) reconcile(ctx context.Context, handle installer.SessionHandle) error {
	version, _ := m.store.GetString(updatestate.KeyDownloadingVersion)
	file, _ := m.store.GetString(updatestate.KeyInstallFile)
	logger := log.WithFields(log.Fields{"version": version, "session": handle.ID})

	result, ok, err := m.session.Reattach(handle)
	if err != nil {
		logger.Warnf("failed to read install result: %v", err)
	}
	if ok && result.Status != installer.StatusPendingUserAction {
		m.deliver(ctx, "", handle, version, result)
		return nil
	}

	if ok || m.session.Progressing(handle) {
		logger.Infof("install session still in progress, waiting for its result")
		stored := ok
		jobID := uuid.NewString()
		m.setActive(jobID, version)
		if err := m.claimJob(); err != nil {
			logger.Warnf("failed to persist job owner: %v", err)
		}
		err := m.scheduler.Enqueue(ctx, JobName, scheduler.Keep, scheduler.Constraints{}, func(ctx context.Context) {
			if !stored {
				var err error
				if result, err = m.session.WaitResult(ctx, handle); err != nil {
					logger.Infof("stopped waiting for install result: %v", err)
					return
				}
			}
			state, err := m.settle(ctx, jobID, handle, version, result)
			if err != nil {
				logger.Infof("stopped waiting for install result: %v", err)
				return
			}
			m.setState(jobID, state)
			m.finish(jobID, version)
		})
		if errors.Is(err, scheduler.ErrSlotOccupied) {
			return nil
		}
		return err
	}

	logger.Warnf("install session ended without a result")
	if m.session.Fallback(handle, file) {
		m.setState("", State{Kind: ManualInstallFallback, Version: version})
		m.metrics.CountInstall(ctx, "manual-fallback")
	}
	m.session.Release(handle)
	m.clearVersion(version)
	return nil
}

func (m *Manager) run(ctx context.Context, jobID string, req Request) {
	logger := log.WithFields(log.Fields{"version": req.Version, "job": jobID})
	logger.Infof("update job started")

	state, err := m.execute(ctx, jobID, req, logger)

	if errors.Is(context.Cause(ctx), scheduler.ErrReplaced) {
		logger.Infof("update job superseded by a newer version")
		return
	}

	// only an explicit Stop ends the job for good, the persisted state is
	// picked up by Resume after a shutdown
	if shelferrors.ClassOf(err) == shelferrors.SilentCancel && !errors.Is(context.Cause(ctx), scheduler.ErrCancelled) {
		logger.Infof("update job interrupted: %v", context.Cause(ctx))
		m.setState(jobID, State{Kind: Idle})
		return
	}

	switch shelferrors.ClassOf(err) {
	case shelferrors.SilentCancel:
		logger.Infof("update job cancelled")
		m.notifier.OnCancelled()
		state = State{Kind: Cancelled, Version: req.Version}
	case shelferrors.ManualFallback:
		logger.Warnf("update handed to the user for manual install: %v", err)
	case shelferrors.SilentRetry:
		if err != nil {
			logger.Warnf("update job ended, will retry later: %v", err)
		}
	default:
		if err != nil {
			logger.Errorf("update job failed: %v", err)
		}
	}

	m.setState(jobID, state)
	if state.Terminal() {
		m.finish(jobID, req.Version)
	}
	logger.Infof("update job finished: %s", state)
}

// execute walks the job through its states. The returned error carries the
// class deciding how the job ends.
func (m *Manager) execute(ctx context.Context, jobID string, req Request, logger *log.Entry) (State, error) {
	url, err := m.resolveURL(ctx, jobID, req)
	if err != nil {
		if shelferrors.ClassOf(err) == shelferrors.UserRetryable {
			m.notifier.OnDownloadError(req.DownloadURL, req.Version)
		}
		return State{Kind: Failed, Version: req.Version, Reason: err.Error()}, err
	}

	m.setState(jobID, State{Kind: Downloading, Version: req.Version})
	m.notifier.OnDownloadStarted(req.Version)

	file, err := m.downloader.Download(ctx, url, m.downloadDir, func(percent int) {
		if ctx.Err() != nil {
			return
		}
		m.setState(jobID, State{Kind: Downloading, Version: req.Version, Percent: percent})
		m.notifier.OnProgressChanged(percent)
	})
	if err != nil {
		if errors.Is(err, downloader.ErrCancelled) {
			m.metrics.CountDownload(ctx, "cancelled")
			return State{}, shelferrors.Classify(shelferrors.SilentCancel, err)
		}
		m.metrics.CountDownload(ctx, "error")
		m.notifier.OnDownloadError(url, req.Version)
		return State{Kind: Failed, Version: req.Version, Reason: err.Error()}, shelferrors.Classify(shelferrors.UserRetryable, err)
	}

	if m.verifier != nil {
		if err := m.verifier.Verify(ctx, url, file); err != nil {
			if rmErr := os.Remove(file); rmErr != nil {
				logger.Warnf("failed to remove unverified package: %v", rmErr)
			}
			if ctx.Err() != nil {
				return State{}, shelferrors.Classify(shelferrors.SilentCancel, context.Cause(ctx))
			}
			m.metrics.CountDownload(ctx, "unverified")
			m.notifier.OnDownloadError(url, req.Version)
			return State{Kind: Failed, Version: req.Version, Reason: err.Error()}, shelferrors.Classify(shelferrors.UserRetryable, fmt.Errorf("verify package: %w", err))
		}
		logger.Infof("update package signature verified")
	}

	m.metrics.CountDownload(ctx, "success")
	if fi, err := os.Stat(file); err == nil {
		m.metrics.RecordDownloadSize(ctx, fi.Size())
	}
	logger.Infof("update package downloaded to %s", file)
	m.notifier.OnDownloadFinished(file)

	m.setState(jobID, State{Kind: Installing, Version: req.Version})
	m.notifier.OnInstalling()

	notify := req.NotifyOnInstall || m.store.GetBool(updatestate.KeyNotifyOnInstall)
	out, err := m.session.Install(ctx, file, req.Version, notify)
	if err != nil {
		switch shelferrors.ClassOf(err) {
		case shelferrors.SilentCancel:
			return State{}, err
		case shelferrors.ManualFallback:
			m.metrics.CountInstall(ctx, "manual-fallback")
			return State{Kind: ManualInstallFallback, Version: req.Version}, err
		default:
			m.metrics.CountInstall(ctx, "error")
			m.notifier.OnInstallError(file)
			return State{Kind: Failed, Version: req.Version, Reason: err.Error()}, err
		}
	}

	switch out.Kind {
	case installer.ManualFallback:
		m.metrics.CountInstall(ctx, "manual-fallback")
		return State{Kind: ManualInstallFallback, Version: req.Version}, nil
	case installer.Pending:
		result, err := m.session.WaitResult(ctx, out.Session)
		if err != nil {
			return State{}, shelferrors.Classify(shelferrors.SilentCancel, fmt.Errorf("wait for install result: %w", err))
		}
		return m.settle(ctx, jobID, out.Session, req.Version, result)
	default:
		return m.settle(ctx, jobID, out.Session, req.Version, out.Result)
	}
}

// settle delivers result. A result pending on the user keeps the job waiting
// on the same session until the final one arrives.
func (m *Manager) settle(ctx context.Context, jobID string, handle installer.SessionHandle, version string, result installer.Result) (State, error) {
	state := m.deliver(ctx, jobID, handle, version, result)
	if result.Status != installer.StatusPendingUserAction {
		return state, nil
	}
	m.setState(jobID, state)

	final, err := m.session.WaitFinal(ctx, handle)
	if err != nil {
		return State{}, shelferrors.Classify(shelferrors.SilentCancel, fmt.Errorf("wait for final install result: %w", err))
	}
	return m.deliver(ctx, jobID, handle, version, final), nil
}

// resolveURL returns the package URL of req, asking the release feed when the
// request carries none.
func (m *Manager) resolveURL(ctx context.Context, jobID string, req Request) (string, error) {
	if req.DownloadURL != "" {
		return req.DownloadURL, nil
	}
	if m.checker == nil {
		return "", shelferrors.Classify(shelferrors.UserRetryable, ErrNoDownloadURL)
	}

	m.setState(jobID, State{Kind: Checking, Version: req.Version})
	res := m.checker.Check(ctx)
	m.metrics.CountCheck(ctx, res.Status.String())

	switch {
	case res.Status == release.CantCheck:
		if ctx.Err() != nil {
			return "", shelferrors.Classify(shelferrors.SilentCancel, context.Cause(ctx))
		}
		return "", shelferrors.Classify(shelferrors.SilentRetry, res.Reason)
	case res.Status != release.NewUpdate || res.Release.Version != req.Version:
		return "", shelferrors.Classify(shelferrors.UserRetryable, fmt.Errorf("%w: %s", ErrVersionMismatch, req.Version))
	case res.Release.DownloadURL == "":
		return "", shelferrors.Classify(shelferrors.UserRetryable, ErrNoDownloadURL)
	}

	if err := m.store.PutString(updatestate.KeyDownloadingURL, res.Release.DownloadURL); err != nil {
		log.Warnf("failed to persist download URL: %v", err)
	}
	return res.Release.DownloadURL, nil
}

// deliver hands a session result to the completion handler and maps its
// outcome to a job state.
func (m *Manager) deliver(ctx context.Context, jobID string, handle installer.SessionHandle, version string, result installer.Result) State {
	outcome, err := m.completion.OnResult(ctx, completion.Event{
		SessionID: handle.ID,
		Version:   version,
		Result:    result,
	})
	if err != nil {
		log.Errorf("failed to process install result: %v", err)
	}
	m.metrics.CountInstall(ctx, outcome.String())

	var state State
	switch outcome {
	case completion.Succeeded:
		state = State{Kind: Succeeded, Version: version}
	case completion.Cancelled:
		state = State{Kind: Cancelled, Version: version}
	case completion.Failed:
		state = State{Kind: Failed, Version: version, Reason: result.String()}
	case completion.Pending:
		return State{Kind: Installing, Version: version}
	default:
		return m.State()
	}

	m.session.Release(handle)
	if jobID == "" {
		m.setState("", state)
	}
	return state
}

func (m *Manager) clearVersion(version string) {
	if version == "" {
		return
	}
	cleared, err := updatestate.ClearIfEquals(m.store, updatestate.KeyDownloadingVersion, version)
	if err != nil {
		log.Errorf("failed to clear downloading version: %v", err)
		return
	}
	if !cleared {
		return
	}
	if err := m.store.Remove(updatestate.KeyDownloadingURL, updatestate.KeyJobOwner); err != nil {
		log.Errorf("failed to clear download URL and job owner: %v", err)
	}
}

func (m *Manager) claimJob() error {
	if err := m.store.PutString(updatestate.KeyJobOwner, strconv.Itoa(m.pid)); err != nil {
		return fmt.Errorf("persist job owner: %w", err)
	}
	return nil
}

// RunningElsewhere returns the pid of another live process that owns the
// persisted job. A stale owner left by a dead process does not count.
func (m *Manager) RunningElsewhere() (int, bool) {
	raw, ok := m.store.GetString(updatestate.KeyJobOwner)
	if !ok {
		return 0, false
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid == m.pid {
		return 0, false
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		log.Debugf("failed to look up process %d: %v", pid, err)
		return 0, false
	}
	return pid, alive
}

// finish clears the persisted version of a job that ended for good. A job
// that is no longer the active one leaves it to its successor.
func (m *Manager) finish(jobID, version string) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if !m.isActive(jobID) {
		log.Debugf("update job %s superseded, keeping persisted version", jobID)
		return
	}
	m.clearVersion(version)
}

func (m *Manager) isActive(jobID string) bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return jobID == m.activeJob
}

func (m *Manager) setActive(jobID, version string) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.activeJob = jobID
	m.state = State{Kind: Idle, Version: version}
}

// setState records state for jobID. Updates from a superseded job are
// dropped; an empty jobID always applies.
func (m *Manager) setState(jobID string, state State) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if jobID != "" && jobID != m.activeJob {
		return
	}
	m.state = state
}

// setIdleState applies state only while no job is active.
func (m *Manager) setIdleState(state State) {
	if m.IsRunning() {
		return
	}
	m.setState("", state)
}
