package cmd

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shelfapp/shelf/client/internal/updatemanager"
	"github.com/shelfapp/shelf/client/internal/updatemanager/release"
	"github.com/shelfapp/shelf/version"
)

var (
	updateVersion  string
	updateURL      string
	updateNotify   bool
	updateWaitIdle bool
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "downloads and installs a new version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		SetupCloseHandler(ctx, cancel)

		p, err := newPipeline(cfg, printNotifier{cmd: cmd})
		if err != nil {
			return err
		}
		defer p.close()

		go func() {
			err := watchStopRequest(ctx, stopRequestPath(cfg.StatePath), func() {
				if err := p.manager.Stop(); err != nil {
					log.Warnf("failed to stop update: %v", err)
				}
			})
			if err != nil {
				log.Warnf("stop requests are not watched: %v", err)
			}
		}()

		req := updatemanager.Request{
			Version:         updateVersion,
			DownloadURL:     updateURL,
			NotifyOnInstall: updateNotify,
			WaitUntilIdle:   updateWaitIdle,
		}
		if req.Version == "" {
			res := p.checker.Check(ctx)
			switch res.Status {
			case release.NoUpdate:
				cmd.Printf("Version %s is up to date\n", version.AppVersion())
				return nil
			case release.CantCheck:
				return fmt.Errorf("check for update: %w", res.Reason)
			}
			req.Version = res.Release.Version
			if req.DownloadURL == "" {
				req.DownloadURL = res.Release.DownloadURL
			}
		}

		// the job outlives the signal context so Stop reports it as cancelled
		if err := p.manager.Start(cmd.Context(), req); err != nil {
			return fmt.Errorf("start update: %w", err)
		}
		if !p.manager.IsRunning() {
			if pid, ok := p.manager.RunningElsewhere(); ok {
				cmd.Printf("Update to %s is already running in process %d\n", req.Version, pid)
				return nil
			}
		}

		select {
		case <-p.manager.Done():
		case <-ctx.Done():
			log.Infof("interrupted, stopping update")
			if err := p.manager.Stop(); err != nil {
				return err
			}
			<-p.manager.Done()
		}

		state := p.manager.State()
		cmd.Printf("Update %s\n", state)
		if state.Kind == updatemanager.Failed {
			return fmt.Errorf("update to %s failed: %s", state.Version, state.Reason)
		}
		return nil
	},
}
