package cmd

import (
	"github.com/spf13/cobra"

	"github.com/shelfapp/shelf/client/internal/updatemanager/release"
	"github.com/shelfapp/shelf/version"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "checks the release feed for a new version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		checker := release.NewChecker(cfg.FeedURL, version.AppVersion(), cfg.PlatformTag)
		res := checker.Check(cmd.Context())
		switch res.Status {
		case release.NewUpdate:
			cmd.Printf("New version available: %s\n", res.Release.Version)
			cmd.Printf("Package: %s\n", res.Release.DownloadURL)
			if res.Release.ReleaseNotesURL != "" {
				cmd.Printf("Release notes: %s\n", res.Release.ReleaseNotesURL)
			}
		case release.NoUpdate:
			cmd.Printf("Version %s is up to date\n", version.AppVersion())
		default:
			return res.Reason
		}
		return nil
	},
}
