package cmd

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shelfapp/shelf/client/internal/config"
	"github.com/shelfapp/shelf/client/internal/scheduler"
	"github.com/shelfapp/shelf/client/internal/updatemanager/notifier"
	"github.com/shelfapp/shelf/version"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "resumes pending updates and checks for new releases periodically",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		SetupCloseHandler(ctx, cancel)

		return runDaemon(ctx, cfg)
	},
}

// runDaemon resumes pending work and runs the periodic release check until ctx is done.
func runDaemon(ctx context.Context, cfg *config.Config) error {
	p, err := newPipeline(cfg, notifier.Log{})
	if err != nil {
		return err
	}
	defer p.close()

	log.Infof("update daemon %s started, checking every %s", version.AppVersion(), cfg.CheckInterval.Duration)

	if err := p.manager.Resume(ctx); err != nil {
		log.Warnf("failed to resume pending update: %v", err)
	}

	go func() {
		err := watchStopRequest(ctx, stopRequestPath(cfg.StatePath), func() {
			if err := p.manager.Stop(); err != nil {
				log.Warnf("failed to stop update: %v", err)
			}
		})
		if err != nil {
			log.Errorf("stop requests are not watched: %v", err)
		}
	}()

	scheduler.RunPeriodic(ctx, cfg.CheckInterval.Duration, func(ctx context.Context) {
		if p.manager.IsRunning() {
			log.Debugf("update job running, skipping release check")
			return
		}
		if _, err := p.manager.CheckForUpdate(ctx, cfg.RequireIdle); err != nil {
			log.Debugf("release check: %v", err)
		}
	})

	log.Infof("update daemon stopped")
	return nil
}
