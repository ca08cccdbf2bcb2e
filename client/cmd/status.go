package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shelfapp/shelf/client/internal/statemanager"
	"github.com/shelfapp/shelf/client/internal/updatemanager"
	"github.com/shelfapp/shelf/version"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "prints the persisted update status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		store := statemanager.New(cfg.StatePath)
		if err := store.Load(); err != nil {
			return fmt.Errorf("load update state: %w", err)
		}
		status := updatemanager.ReadPersistedStatus(store)

		if statusJSON {
			data, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal status: %w", err)
			}
			cmd.Println(string(data))
			return nil
		}

		cmd.Print(formatStatus(version.AppVersion(), status))
		return nil
	},
}

func formatStatus(running string, s updatemanager.PersistedStatus) string {
	out := fmt.Sprintf("Running version: %s\n", running)
	if s.DownloadingVersion == "" && s.InstallSession == "" {
		return out + "Update: none in progress\n"
	}
	if s.DownloadingVersion != "" {
		out += fmt.Sprintf("Update: %s\n", s.DownloadingVersion)
	}
	if s.DownloadURL != "" {
		out += fmt.Sprintf("Package: %s\n", s.DownloadURL)
	}
	if s.JobOwner != "" {
		out += fmt.Sprintf("Owner pid: %s\n", s.JobOwner)
	}
	if s.InstallSession != "" {
		out += fmt.Sprintf("Install session: %s\n", s.InstallSession)
	}
	if s.InstallFile != "" {
		out += fmt.Sprintf("Install file: %s\n", s.InstallFile)
	}
	out += fmt.Sprintf("Notify on install: %t\n", s.NotifyOnInstall)
	return out
}
