package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/shelfapp/shelf/client/internal/config"
	"github.com/shelfapp/shelf/client/internal/scheduler"
	"github.com/shelfapp/shelf/client/internal/statemanager"
	"github.com/shelfapp/shelf/client/internal/updatemanager"
	"github.com/shelfapp/shelf/client/internal/updatemanager/downloader"
	"github.com/shelfapp/shelf/client/internal/updatemanager/installer"
	"github.com/shelfapp/shelf/client/internal/updatemanager/notifier"
	"github.com/shelfapp/shelf/client/internal/updatemanager/release"
	"github.com/shelfapp/shelf/client/internal/updatemanager/signature"
	"github.com/shelfapp/shelf/version"
)

const meterName = "github.com/shelfapp/shelf/updater"

type pipeline struct {
	store     *statemanager.Manager
	scheduler *scheduler.Scheduler
	checker   *release.Checker
	manager   *updatemanager.Manager
}

func newPipeline(cfg *config.Config, n notifier.Notifier) (*pipeline, error) {
	store := statemanager.New(cfg.StatePath)
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("load update state: %w", err)
	}

	sched := scheduler.New(scheduler.SystemConditions{IdleCPUPercent: cfg.IdleCPUPercent})

	checker := release.NewChecker(cfg.FeedURL, version.AppVersion(), cfg.PlatformTag).
		WithCache(cfg.ReleaseCacheTTL.Duration)

	dl := downloader.New()
	if cfg.ProgressInterval.Duration > 0 {
		dl.WithProgressInterval(cfg.ProgressInterval.Duration)
	}

	var verifier updatemanager.PackageVerifier
	if cfg.ReleaseKeysFile != "" {
		v, err := signature.LoadVerifier(cfg.ReleaseKeysFile, dl)
		if err != nil {
			return nil, err
		}
		verifier = v
	} else {
		log.Debugf("no release keys configured, packages are not verified")
	}

	metrics, err := updatemanager.NewMetrics(otel.Meter(meterName))
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	manager, err := updatemanager.NewManager(updatemanager.Options{
		Store:       store,
		Scheduler:   sched,
		Checker:     checker,
		Downloader:  dl,
		Platform:    installer.NewExecPlatform(cfg.SessionDir, cfg.InstallerCommand),
		Notifier:    n,
		Metrics:     metrics,
		Verifier:    verifier,
		DownloadDir: cfg.DownloadDir,
		InstallWait: cfg.InstallWait.Duration,
	})
	if err != nil {
		return nil, err
	}

	return &pipeline{
		store:     store,
		scheduler: sched,
		checker:   checker,
		manager:   manager,
	}, nil
}

// close cancels running jobs and drains notifications.
func (p *pipeline) close() {
	p.scheduler.Shutdown()
	p.manager.Close()
}
