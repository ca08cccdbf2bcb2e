package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/shelfapp/shelf/client/internal/updatemanager/installer"
)

var applySessionDir string

var applyCmd = &cobra.Command{
	Use:    installer.ApplyCommand + " --session-dir DIR -- COMMAND [ARGS...]",
	Short:  "runs the installer of a committed session",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if applySessionDir == "" {
			return errors.New("--session-dir is required")
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		SetupCloseHandler(ctx, cancel)

		return installer.Apply(ctx, applySessionDir, args)
	},
}
