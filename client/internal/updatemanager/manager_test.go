package updatemanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/shelfapp/shelf/client/internal/scheduler"
	"github.com/shelfapp/shelf/client/internal/statemanager"
	"github.com/shelfapp/shelf/client/internal/updatemanager/downloader"
	"github.com/shelfapp/shelf/client/internal/updatemanager/installer"
	"github.com/shelfapp/shelf/client/internal/updatemanager/notifier/notifiertest"
	"github.com/shelfapp/shelf/client/internal/updatemanager/release"
	"github.com/shelfapp/shelf/client/internal/updatemanager/updatestate"
)

type fakePlatform struct {
	mu        sync.Mutex
	result    *installer.Result
	progress  bool
	sessions  int
	abandoned []string
}

type discardCloser struct{ io.Writer }

func (discardCloser) Close() error { return nil }

func (f *fakePlatform) CreateSession(context.Context) (installer.SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	return installer.SessionHandle{ID: fmt.Sprintf("s%d", f.sessions)}, nil
}

func (f *fakePlatform) OpenSession(installer.SessionHandle) (io.WriteCloser, error) {
	return discardCloser{io.Discard}, nil
}

func (f *fakePlatform) Commit(context.Context, installer.SessionHandle, installer.CallbackTarget) error {
	return nil
}

func (f *fakePlatform) Wait(ctx context.Context, h installer.SessionHandle) (installer.Result, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r, ok, _ := f.Result(h); ok {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return installer.Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *fakePlatform) Result(installer.SessionHandle) (installer.Result, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.result == nil {
		return installer.Result{}, false, nil
	}
	return *f.result, true, nil
}

func (f *fakePlatform) setResult(r installer.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = &r
}

func (f *fakePlatform) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

func (f *fakePlatform) Progressing(installer.SessionHandle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progress
}

func (f *fakePlatform) Abandon(h installer.SessionHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, h.ID)
	return nil
}

type countingOpener struct {
	calls atomic.Int32
}

func (o *countingOpener) Open(string) error {
	o.calls.Add(1)
	return nil
}

// packageServer serves /<version>.pkg. Versions in blocked hold the response
// body until the request is cancelled or release is closed.
type packageServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests map[string]int
	blocked  map[string]bool
	missing  map[string]bool
	release  chan struct{}
}

func newPackageServer(t *testing.T) *packageServer {
	ps := &packageServer{
		requests: make(map[string]int),
		blocked:  make(map[string]bool),
		missing:  make(map[string]bool),
		release:  make(chan struct{}),
	}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		version := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".pkg")

		ps.mu.Lock()
		ps.requests[version]++
		blocked := ps.blocked[version]
		missing := ps.missing[version]
		ps.mu.Unlock()

		if missing {
			http.NotFound(w, r)
			return
		}

		body := strings.Repeat("x", 64*1024)
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.WriteHeader(http.StatusOK)

		half := len(body) / 2
		_, _ = io.WriteString(w, body[:half])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		if blocked {
			select {
			case <-r.Context().Done():
				return
			case <-ps.release:
			}
		}
		_, _ = io.WriteString(w, body[half:])
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *packageServer) block(version string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.blocked[version] = true
}

func (ps *packageServer) notFound(version string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.missing[version] = true
}

func (ps *packageServer) url(version string) string {
	return ps.URL + "/" + version + ".pkg"
}

func (ps *packageServer) count(version string) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.requests[version]
}

type testEnv struct {
	manager  *Manager
	store    *statemanager.Manager
	platform *fakePlatform
	recorder *notifiertest.Recorder
	opener   *countingOpener
	server   *packageServer
	dir      string
}

func newTestEnv(t *testing.T, platform *fakePlatform, checker *release.Checker) *testEnv {
	t.Helper()

	dir := t.TempDir()
	store := statemanager.New(filepath.Join(dir, "state.json"))
	require.NoError(t, store.Load())

	return newTestEnvWithStore(t, dir, store, platform, checker)
}

func newTestEnvWithStore(t *testing.T, dir string, store *statemanager.Manager, platform *fakePlatform, checker *release.Checker) *testEnv {
	t.Helper()

	metrics, err := NewMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	sched := scheduler.New(nil).WithPollInterval(10 * time.Millisecond)
	t.Cleanup(sched.Shutdown)

	rec := &notifiertest.Recorder{}
	opener := &countingOpener{}

	m, err := NewManager(Options{
		Store:       store,
		Scheduler:   sched,
		Checker:     checker,
		Downloader:  downloader.New().WithProgressInterval(time.Millisecond),
		Platform:    platform,
		Notifier:    rec,
		Metrics:     metrics,
		DownloadDir: filepath.Join(dir, "downloads"),
		InstallWait: 50 * time.Millisecond,
		PendingPoll: 10 * time.Millisecond,
		Opener:      opener,
	})
	require.NoError(t, err)

	return &testEnv{
		manager:  m,
		store:    store,
		platform: platform,
		recorder: rec,
		opener:   opener,
		server:   newPackageServer(t),
		dir:      dir,
	}
}

func success() *fakePlatform {
	return &fakePlatform{result: &installer.Result{Status: installer.StatusSuccess}}
}

func waitJob(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("update job did not finish")
	}
}

func (e *testEnv) downloadingVersion() (string, bool) {
	return e.store.GetString(updatestate.KeyDownloadingVersion)
}

func TestManager_Success(t *testing.T) {
	env := newTestEnv(t, success(), nil)

	require.NoError(t, env.manager.Start(context.Background(), Request{
		Version:         "1.2.0",
		DownloadURL:     env.server.url("1.2.0"),
		NotifyOnInstall: true,
	}))
	waitJob(t, env.manager)
	env.manager.Close()

	assert.Equal(t, Succeeded, env.manager.State().Kind)
	assert.Equal(t, 1, env.recorder.Count("installed"))
	assert.Equal(t, 1, env.recorder.Count("started:1.2.0"))
	assert.Zero(t, env.opener.calls.Load())

	_, ok := env.downloadingVersion()
	assert.False(t, ok)
	status := ReadPersistedStatus(env.store)
	assert.Empty(t, status.InstallSession)
	assert.Empty(t, status.DownloadURL)
}

func TestManager_IdempotentStart(t *testing.T) {
	env := newTestEnv(t, success(), nil)
	env.server.block("1.2.0")

	req := Request{Version: "1.2.0", DownloadURL: env.server.url("1.2.0")}
	require.NoError(t, env.manager.Start(context.Background(), req))
	require.Eventually(t, func() bool { return env.server.count("1.2.0") == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.manager.Start(context.Background(), req))
	assert.True(t, env.manager.IsRunning())

	close(env.server.release)
	waitJob(t, env.manager)
	env.manager.Close()

	assert.Equal(t, 1, env.server.count("1.2.0"))
	assert.Equal(t, 1, env.recorder.Count("started:1.2.0"))
	assert.Equal(t, Succeeded, env.manager.State().Kind)
}

func TestManager_ConcurrentStartSameVersion(t *testing.T) {
	env := newTestEnv(t, success(), nil)
	env.server.block("1.2.0")

	req := Request{Version: "1.2.0", DownloadURL: env.server.url("1.2.0")}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.manager.Start(context.Background(), req))
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return env.server.count("1.2.0") == 1 }, 5*time.Second, 10*time.Millisecond)
	close(env.server.release)
	waitJob(t, env.manager)
	env.manager.Close()

	assert.Equal(t, 1, env.server.count("1.2.0"))
}

func TestManager_ReplaceOnNewVersion(t *testing.T) {
	env := newTestEnv(t, success(), nil)
	env.server.block("1.2.0")

	require.NoError(t, env.manager.Start(context.Background(), Request{
		Version:         "1.2.0",
		DownloadURL:     env.server.url("1.2.0"),
		NotifyOnInstall: true,
	}))
	require.Eventually(t, func() bool { return env.server.count("1.2.0") == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.manager.Start(context.Background(), Request{
		Version:         "1.3.0",
		DownloadURL:     env.server.url("1.3.0"),
		NotifyOnInstall: true,
	}))
	v, ok := env.downloadingVersion()
	require.True(t, ok)
	assert.Equal(t, "1.3.0", v)

	waitJob(t, env.manager)
	env.manager.Close()

	state := env.manager.State()
	assert.Equal(t, Succeeded, state.Kind)
	assert.Equal(t, "1.3.0", state.Version)

	// one terminal event, for the new version only
	assert.Equal(t, 1, env.recorder.Count("installed"))
	assert.Zero(t, env.recorder.Count("cancelled"))
	assert.Zero(t, env.recorder.Count("download-error:1.2.0"))
	assert.Equal(t, 1, env.server.count("1.3.0"))
}

func TestManager_DownloadErrorClearsState(t *testing.T) {
	env := newTestEnv(t, success(), nil)
	env.server.notFound("1.2.0")

	require.NoError(t, env.manager.Start(context.Background(), Request{
		Version:     "1.2.0",
		DownloadURL: env.server.url("1.2.0"),
	}))
	waitJob(t, env.manager)
	env.manager.Close()

	_, ok := env.downloadingVersion()
	assert.False(t, ok)
	assert.Equal(t, Failed, env.manager.State().Kind)
	assert.Equal(t, 1, env.recorder.Count("download-error:1.2.0"))
	assert.Zero(t, env.platform.sessions)
}

func TestManager_StopIsSilent(t *testing.T) {
	env := newTestEnv(t, success(), nil)
	env.server.block("1.2.0")

	require.NoError(t, env.manager.Start(context.Background(), Request{
		Version:     "1.2.0",
		DownloadURL: env.server.url("1.2.0"),
	}))
	require.Eventually(t, func() bool { return env.server.count("1.2.0") == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.manager.Stop())
	waitJob(t, env.manager)
	env.manager.Close()

	_, ok := env.downloadingVersion()
	assert.False(t, ok)
	assert.False(t, env.manager.IsRunning())
	assert.Equal(t, Cancelled, env.manager.State().Kind)

	for _, e := range env.recorder.Events() {
		assert.NotContains(t, e, "error", "unexpected error notification")
	}
	assert.Equal(t, 1, env.recorder.Count("cancelled"))
	assert.NoFileExists(t, filepath.Join(env.dir, "downloads", "1.2.0.pkg.part"))
}

func TestManager_InterruptedJobKeepsState(t *testing.T) {
	env := newTestEnv(t, success(), nil)
	env.server.block("1.2.0")

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, env.manager.Start(ctx, Request{
		Version:     "1.2.0",
		DownloadURL: env.server.url("1.2.0"),
	}))
	require.Eventually(t, func() bool { return env.server.count("1.2.0") == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	waitJob(t, env.manager)
	env.manager.Close()

	version, ok := env.downloadingVersion()
	assert.True(t, ok)
	assert.Equal(t, "1.2.0", version)
	assert.Equal(t, Idle, env.manager.State().Kind)
	assert.Zero(t, env.recorder.Count("cancelled"))
}

func TestManager_StopThenStartSameVersion(t *testing.T) {
	env := newTestEnv(t, success(), nil)
	env.server.block("1.2.0")

	req := Request{Version: "1.2.0", DownloadURL: env.server.url("1.2.0")}
	require.NoError(t, env.manager.Start(context.Background(), req))
	require.Eventually(t, func() bool { return env.server.count("1.2.0") == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.manager.Stop())
	require.NoError(t, env.manager.Start(context.Background(), req))
	require.Eventually(t, func() bool { return env.server.count("1.2.0") == 2 }, 5*time.Second, 10*time.Millisecond)

	// the stopped job has exited by now and must not have cleared the new one
	version, ok := env.downloadingVersion()
	assert.True(t, ok)
	assert.Equal(t, "1.2.0", version)
	assert.True(t, env.manager.IsRunning())

	require.NoError(t, env.manager.Start(context.Background(), req))
	assert.Equal(t, 2, env.server.count("1.2.0"))

	close(env.server.release)
	waitJob(t, env.manager)
	env.manager.Close()

	assert.Equal(t, Succeeded, env.manager.State().Kind)
	_, ok = env.downloadingVersion()
	assert.False(t, ok)
}

func TestManager_JobOwnedByAnotherProcess(t *testing.T) {
	daemon := newTestEnv(t, success(), nil)
	daemon.server.block("1.2.0")

	req := Request{Version: "1.2.0", DownloadURL: daemon.server.url("1.2.0")}
	require.NoError(t, daemon.manager.Start(context.Background(), req))
	require.Eventually(t, func() bool { return daemon.server.count("1.2.0") == 1 }, 5*time.Second, 10*time.Millisecond)

	// a second process on the same state file; this test process stands in for
	// the daemon, which stays alive throughout
	shared := statemanager.New(filepath.Join(daemon.dir, "state.json"))
	require.NoError(t, shared.Load())
	cli := newTestEnvWithStore(t, t.TempDir(), shared, success(), nil)
	cli.manager.pid = daemon.manager.pid + 1

	require.NoError(t, cli.manager.Start(context.Background(), req))
	assert.False(t, cli.manager.IsRunning())
	pid, ok := cli.manager.RunningElsewhere()
	assert.True(t, ok)
	assert.Equal(t, daemon.manager.pid, pid)
	_, ok = daemon.manager.RunningElsewhere()
	assert.False(t, ok)

	err := cli.manager.Start(context.Background(), Request{Version: "1.3.0", DownloadURL: daemon.server.url("1.3.0")})
	assert.ErrorIs(t, err, ErrOwnedElsewhere)

	require.NoError(t, cli.manager.Resume(context.Background()))
	assert.False(t, cli.manager.IsRunning())

	close(daemon.server.release)
	waitJob(t, daemon.manager)
	daemon.manager.Close()
	cli.manager.Close()

	assert.Equal(t, 1, daemon.server.count("1.2.0"))
	assert.Zero(t, daemon.server.count("1.3.0"))
	assert.Equal(t, Succeeded, daemon.manager.State().Kind)

	status := ReadPersistedStatus(shared)
	assert.Empty(t, status.DownloadingVersion)
	assert.Empty(t, status.JobOwner)
}

func TestManager_StopWithoutJob(t *testing.T) {
	env := newTestEnv(t, success(), nil)
	require.NoError(t, env.store.PutString(updatestate.KeyDownloadingVersion, "1.2.0"))

	require.NoError(t, env.manager.Stop())
	env.manager.Close()

	_, ok := env.downloadingVersion()
	assert.False(t, ok)
	assert.Empty(t, env.recorder.Events())
}

func TestManager_ProgressMonotonic(t *testing.T) {
	env := newTestEnv(t, success(), nil)

	require.NoError(t, env.manager.Start(context.Background(), Request{
		Version:     "1.2.0",
		DownloadURL: env.server.url("1.2.0"),
	}))
	waitJob(t, env.manager)
	env.manager.Close()

	progress := env.recorder.Progress()
	require.NotEmpty(t, progress)
	for i, p := range progress {
		assert.GreaterOrEqual(t, p, 0)
		assert.LessOrEqual(t, p, 100)
		if i > 0 {
			assert.GreaterOrEqual(t, p, progress[i-1])
		}
	}
}

func TestManager_TimeoutFallbackFiresOnce(t *testing.T) {
	env := newTestEnv(t, &fakePlatform{}, nil)

	require.NoError(t, env.manager.Start(context.Background(), Request{
		Version:     "1.2.0",
		DownloadURL: env.server.url("1.2.0"),
	}))
	waitJob(t, env.manager)

	assert.Equal(t, ManualInstallFallback, env.manager.State().Kind)
	assert.EqualValues(t, 1, env.opener.calls.Load())

	// a later resume finds nothing left to fall back on
	require.NoError(t, env.manager.Resume(context.Background()))
	env.manager.Close()

	assert.EqualValues(t, 1, env.opener.calls.Load())
	assert.Equal(t, 1, env.recorder.Count("manual:"+filepath.Join(env.dir, "downloads", "1.2.0.pkg")))
	_, ok := env.downloadingVersion()
	assert.False(t, ok)

	assert.Equal(t, []string{"s1"}, env.platform.abandoned)
	status := ReadPersistedStatus(env.store)
	assert.Empty(t, status.InstallFile)
	assert.Empty(t, status.InstallSession)
}

func TestManager_PendingUserActionKeepsWaiting(t *testing.T) {
	platform := &fakePlatform{result: &installer.Result{Status: installer.StatusPendingUserAction, ConfirmationHandle: "confirm-1"}}
	env := newTestEnv(t, platform, nil)

	req := Request{Version: "1.2.0", DownloadURL: env.server.url("1.2.0"), NotifyOnInstall: true}
	require.NoError(t, env.manager.Start(context.Background(), req))
	require.Eventually(t, func() bool { return env.recorder.Count("user-action:confirm-1") == 1 }, 5*time.Second, 10*time.Millisecond)

	assert.True(t, env.manager.IsRunning())
	assert.Equal(t, Installing, env.manager.State().Kind)

	// a repeated request while the prompt is up starts nothing new
	require.NoError(t, env.manager.Start(context.Background(), req))
	assert.Equal(t, 1, env.server.count("1.2.0"))
	assert.Equal(t, 1, platform.sessionCount())

	platform.setResult(installer.Result{Status: installer.StatusSuccess})
	waitJob(t, env.manager)
	env.manager.Close()

	assert.Equal(t, Succeeded, env.manager.State().Kind)
	assert.Equal(t, 1, env.recorder.Count("installed"))
	assert.Equal(t, 1, env.recorder.Count("user-action:confirm-1"))
	_, ok := env.downloadingVersion()
	assert.False(t, ok)
}

func TestManager_ResumeWaitsOnPendingUserAction(t *testing.T) {
	platform := &fakePlatform{result: &installer.Result{Status: installer.StatusPendingUserAction}}
	env := newTestEnv(t, platform, nil)
	require.NoError(t, env.store.PutString(updatestate.KeyDownloadingVersion, "1.2.0"))
	require.NoError(t, env.store.PutString(updatestate.KeyInstallSession, "s9"))

	require.NoError(t, env.manager.Resume(context.Background()))
	assert.True(t, env.manager.IsRunning())

	platform.setResult(installer.Result{Status: installer.StatusSuccess})
	waitJob(t, env.manager)
	env.manager.Close()

	assert.Equal(t, Succeeded, env.manager.State().Kind)
	_, ok := env.downloadingVersion()
	assert.False(t, ok)
}

func TestManager_InstallFailure(t *testing.T) {
	platform := &fakePlatform{result: &installer.Result{Status: installer.StatusFailure, Code: installer.CodeBlocked}}
	env := newTestEnv(t, platform, nil)

	require.NoError(t, env.manager.Start(context.Background(), Request{
		Version:     "1.2.0",
		DownloadURL: env.server.url("1.2.0"),
	}))
	waitJob(t, env.manager)
	env.manager.Close()

	assert.Equal(t, Failed, env.manager.State().Kind)
	assert.Equal(t, 1, env.recorder.Count("install-error:"+filepath.Join(env.dir, "downloads", "1.2.0.pkg")))
	_, ok := env.downloadingVersion()
	assert.False(t, ok)
}

func TestManager_InstallAbortedIsSilent(t *testing.T) {
	platform := &fakePlatform{result: &installer.Result{Status: installer.StatusFailure, Code: installer.CodeAborted}}
	env := newTestEnv(t, platform, nil)

	require.NoError(t, env.manager.Start(context.Background(), Request{
		Version:     "1.2.0",
		DownloadURL: env.server.url("1.2.0"),
	}))
	waitJob(t, env.manager)
	env.manager.Close()

	assert.Equal(t, Cancelled, env.manager.State().Kind)
	for _, e := range env.recorder.Events() {
		assert.NotContains(t, e, "error")
	}
}

func TestManager_ResumeReconcilesStoredResult(t *testing.T) {
	env := newTestEnv(t, success(), nil)
	require.NoError(t, env.store.PutString(updatestate.KeyDownloadingVersion, "1.2.0"))
	require.NoError(t, env.store.PutString(updatestate.KeyInstallSession, "s9"))
	require.NoError(t, env.store.PutBool(updatestate.KeyNotifyOnInstall, true))

	require.NoError(t, env.manager.Resume(context.Background()))
	env.manager.Close()

	assert.Equal(t, Succeeded, env.manager.State().Kind)
	assert.Equal(t, 1, env.recorder.Count("installed"))
	_, ok := env.downloadingVersion()
	assert.False(t, ok)
	assert.Equal(t, []string{"s9"}, env.platform.abandoned)
}

func TestManager_ResumeWaitsForProgressingSession(t *testing.T) {
	platform := &fakePlatform{progress: true}
	env := newTestEnv(t, platform, nil)
	require.NoError(t, env.store.PutString(updatestate.KeyDownloadingVersion, "1.2.0"))
	require.NoError(t, env.store.PutString(updatestate.KeyInstallSession, "s9"))

	require.NoError(t, env.manager.Resume(context.Background()))
	assert.True(t, env.manager.IsRunning())

	platform.mu.Lock()
	platform.result = &installer.Result{Status: installer.StatusSuccess}
	platform.mu.Unlock()

	waitJob(t, env.manager)
	env.manager.Close()

	assert.Equal(t, Succeeded, env.manager.State().Kind)
	assert.Zero(t, env.opener.calls.Load())
	_, ok := env.downloadingVersion()
	assert.False(t, ok)
}

func TestManager_ResumeRestartsDownload(t *testing.T) {
	env := newTestEnv(t, success(), nil)
	require.NoError(t, env.store.PutString(updatestate.KeyDownloadingVersion, "1.2.0"))
	require.NoError(t, env.store.PutString(updatestate.KeyDownloadingURL, env.server.url("1.2.0")))

	require.NoError(t, env.manager.Resume(context.Background()))
	waitJob(t, env.manager)
	env.manager.Close()

	assert.Equal(t, 1, env.server.count("1.2.0"))
	assert.Equal(t, Succeeded, env.manager.State().Kind)
}

func newFeed(t *testing.T, tag string, assets ...release.Asset) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		for i, a := range assets {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, `{"name":%q,"browser_download_url":%q}`, a.Name, a.URL)
		}
		fmt.Fprintf(w, `{"tag_name":%q,"html_url":"https://example.com/r","body":"notes","assets":[%s]}`, tag, b.String())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestManager_CheckForUpdateStartsJob(t *testing.T) {
	dir := t.TempDir()
	store := statemanager.New(filepath.Join(dir, "state.json"))
	require.NoError(t, store.Load())

	pkgs := newPackageServer(t)
	feed := newFeed(t, "1.2.0",
		release.Asset{Name: "shelf-arm64", URL: pkgs.url("1.2.0")},
		release.Asset{Name: "shelf-amd64", URL: pkgs.url("1.2.0")},
	)
	checker := release.NewChecker(feed.URL, "1.1.0", "amd64").WithRetryDelay(time.Millisecond)
	env := newTestEnvWithStore(t, dir, store, success(), checker)

	res, err := env.manager.CheckForUpdate(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, release.NewUpdate, res.Status)

	waitJob(t, env.manager)
	env.manager.Close()

	assert.Equal(t, 1, pkgs.count("1.2.0"))
	assert.Equal(t, Succeeded, env.manager.State().Kind)
}

func TestManager_CheckForUpdateNoUpdate(t *testing.T) {
	feed := newFeed(t, "1.1.0", release.Asset{Name: "shelf-amd64", URL: "https://example.com/x"})
	checker := release.NewChecker(feed.URL, "1.1.0", "amd64")
	env := newTestEnv(t, success(), checker)

	res, err := env.manager.CheckForUpdate(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, release.NoUpdate, res.Status)
	assert.False(t, env.manager.IsRunning())
	assert.Equal(t, Idle, env.manager.State().Kind)
	env.manager.Close()
}

func TestManager_StartResolvesURLFromFeed(t *testing.T) {
	dir := t.TempDir()
	store := statemanager.New(filepath.Join(dir, "state.json"))
	require.NoError(t, store.Load())

	pkgs := newPackageServer(t)
	feed := newFeed(t, "1.2.0", release.Asset{Name: "shelf-amd64", URL: pkgs.url("1.2.0")})
	checker := release.NewChecker(feed.URL, "1.1.0", "amd64")
	env := newTestEnvWithStore(t, dir, store, success(), checker)

	require.NoError(t, env.manager.Start(context.Background(), Request{Version: "1.2.0"}))
	waitJob(t, env.manager)
	env.manager.Close()

	assert.Equal(t, Succeeded, env.manager.State().Kind)
	assert.Equal(t, 1, pkgs.count("1.2.0"))
}

func TestManager_StartVersionNotInFeed(t *testing.T) {
	feed := newFeed(t, "1.3.0", release.Asset{Name: "shelf-amd64", URL: "https://example.com/x"})
	checker := release.NewChecker(feed.URL, "1.1.0", "amd64")
	env := newTestEnv(t, success(), checker)

	require.NoError(t, env.manager.Start(context.Background(), Request{Version: "1.2.0"}))
	waitJob(t, env.manager)
	env.manager.Close()

	state := env.manager.State()
	assert.Equal(t, Failed, state.Kind)
	assert.Contains(t, state.Reason, ErrVersionMismatch.Error())
	assert.Equal(t, 1, env.recorder.Count("download-error:1.2.0"))
	_, ok := env.downloadingVersion()
	assert.False(t, ok)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "downloading 1.2.0 (40%)", State{Kind: Downloading, Version: "1.2.0", Percent: 40}.String())
	assert.Equal(t, "idle", State{Kind: Idle}.String())
	assert.True(t, State{Kind: ManualInstallFallback}.Terminal())
	assert.False(t, State{Kind: Installing}.Terminal())
}

type rejectingVerifier struct {
	calls atomic.Int32
}

func (v *rejectingVerifier) Verify(context.Context, string, string) error {
	v.calls.Add(1)
	return errors.New("bad signature")
}

func TestManager_UnverifiedPackageIsNotInstalled(t *testing.T) {
	platform := success()
	dir := t.TempDir()
	store := statemanager.New(filepath.Join(dir, "state.json"))
	require.NoError(t, store.Load())

	sched := scheduler.New(nil)
	t.Cleanup(sched.Shutdown)
	verifier := &rejectingVerifier{}
	rec := &notifiertest.Recorder{}
	pkgs := newPackageServer(t)

	m, err := NewManager(Options{
		Store:       store,
		Scheduler:   sched,
		Downloader:  downloader.New(),
		Platform:    platform,
		Notifier:    rec,
		Verifier:    verifier,
		DownloadDir: filepath.Join(dir, "downloads"),
	})
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background(), Request{Version: "1.2.0", DownloadURL: pkgs.url("1.2.0")}))
	waitJob(t, m)
	m.Close()

	assert.EqualValues(t, 1, verifier.calls.Load())
	assert.Equal(t, Failed, m.State().Kind)
	assert.Equal(t, 1, rec.Count("download-error:1.2.0"))
	assert.Zero(t, platform.sessions)
	assert.NoFileExists(t, filepath.Join(dir, "downloads", "1.2.0.pkg"))
	_, ok := store.GetString(updatestate.KeyDownloadingVersion)
	assert.False(t, ok)
}
