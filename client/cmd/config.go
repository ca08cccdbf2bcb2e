package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shelfapp/shelf/client/internal/config"
	"github.com/shelfapp/shelf/util"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "manages the updater config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "writes the default config unless the file exists",
	RunE: func(cmd *cobra.Command, args []string) error {
		if util.FileExists(configPath) {
			cmd.Printf("Config %s already exists\n", configPath)
			return nil
		}

		if err := config.WriteOutConfig(cmd.Context(), configPath, config.Default()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		cmd.Printf("Config written to %s\n", configPath)
		return nil
	},
}
