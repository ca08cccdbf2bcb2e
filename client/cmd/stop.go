package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/shelfapp/shelf/client/internal/updatemanager/notifier"
)

const stopTimeout = 3 * time.Second

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "stops a running or scheduled update",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		consumed, err := requestStop(cmd.Context(), stopRequestPath(cfg.StatePath), stopTimeout)
		if err != nil {
			return err
		}
		if consumed {
			cmd.Println("Update stopped")
			return nil
		}

		// no daemon picked the request up, clear the persisted job ourselves
		p, err := newPipeline(cfg, notifier.Log{})
		if err != nil {
			return err
		}
		defer p.close()

		if err := p.manager.Stop(); err != nil {
			return err
		}
		cmd.Println("Update stopped")
		return nil
	},
}
