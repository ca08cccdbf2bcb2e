package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shelfapp/shelf/client/internal/config"
	"github.com/shelfapp/shelf/formatter"
	"github.com/shelfapp/shelf/util"
)

var (
	configPath        string
	defaultConfigPath string
	logLevel          string
	logFormat         string
	defaultLogFile    string
	logFile           string
	rootCmd           = &cobra.Command{
		Use:          "shelf-updater",
		Short:        "Keeps the Shelf application up to date",
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultConfigPath = config.DefaultConfigPath()
	defaultLogFile = "/var/log/shelf/updater.log"
	if runtime.GOOS == "windows" {
		defaultLogFile = filepath.Join(os.Getenv("PROGRAMDATA"), "Shelf", "updater.log")
	}

	rootCmd.PersistentPreRunE = initCommand

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Updater config file location")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "sets the updater log level")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", formatter.FormatText, "sets the log format, text or json")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", defaultLogFile, "sets the updater log path. If console is specified the log will be output to stdout")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(releaseCmd)

	configCmd.AddCommand(configInitCmd)
	releaseCmd.AddCommand(keygenCmd, signCmd)

	updateCmd.Flags().StringVar(&updateVersion, "version", "", "Version to install, the latest release when empty")
	updateCmd.Flags().StringVar(&updateURL, "url", "", "Package URL, resolved from the release feed when empty")
	updateCmd.Flags().BoolVar(&updateNotify, "notify", false, "Notify once the new version is installed")
	updateCmd.Flags().BoolVar(&updateWaitIdle, "wait-idle", false, "Defer the update until the device is idle")

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the status as JSON")

	applyCmd.Flags().StringVar(&applySessionDir, "session-dir", "", "Install session directory")

	keygenCmd.Flags().StringVar(&keygenOutDir, "out", ".", "Directory for the generated key pair")
	keygenCmd.Flags().DurationVar(&keygenExpiration, "expiration", 0, "Key lifetime, no expiry when zero")
	signCmd.Flags().StringVar(&signKeyFile, "key", "", "Private release key file")
}

func initCommand(cmd *cobra.Command, _ []string) error {
	util.SetFlagsFromEnvVars(rootCmd)
	cmd.SetOut(cmd.OutOrStdout())
	return util.InitLog(logLevel, logFile, logFormat)
}

// SetupCloseHandler handles SIGTERM signal and exits with success
func SetupCloseHandler(ctx context.Context, cancel context.CancelFunc) {
	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(termCh)
		select {
		case <-ctx.Done():
		case <-termCh:
			log.Info("shutdown signal received")
		}
		cancel()
	}()
}

func readConfig() (*config.Config, error) {
	return config.ReadConfig(configPath)
}
