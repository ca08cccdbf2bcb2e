package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/kardianos/service"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serviceName    string
	serviceEnvVars []string
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "manages the update daemon system service",
}

// program runs the update daemon under the service manager.
type program struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(service.Service) error {
	cfg, err := readConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	log.Info("starting update service")
	// Start should not block
	go func() {
		defer close(done)
		if err := runDaemon(ctx, cfg); err != nil {
			log.Errorf("update daemon: %v", err)
		}
	}()
	return nil
}

func (p *program) Stop(service.Service) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	log.Info("stopped update service")
	return nil
}

func init() {
	defaultServiceName := "shelf-updater"
	if runtime.GOOS == "windows" {
		defaultServiceName = "ShelfUpdater"
	}

	serviceCmd.PersistentFlags().StringVarP(&serviceName, "service", "s", defaultServiceName, "Updater system service name")
	installCmd.Flags().StringSliceVar(&serviceEnvVars, "service-env", nil,
		`Sets extra environment variables for the service. `+
			`You can specify a comma-separated list of KEY=VALUE pairs. `+
			`E.g. --service-env SHELF_LOG_LEVEL=debug`)

	serviceCmd.AddCommand(runCmd, startCmd, stopServiceCmd, restartCmd, installCmd, uninstallCmd)
	rootCmd.AddCommand(serviceCmd)
}

func newSVCConfig() (*service.Config, error) {
	cfg := &service.Config{
		Name:        serviceName,
		DisplayName: "Shelf Updater",
		Description: "Keeps the Shelf application up to date",
		Option:      make(service.KeyValue),
		EnvVars:     make(map[string]string),
	}

	if len(serviceEnvVars) > 0 {
		extraEnvs, err := parseServiceEnvVars(serviceEnvVars)
		if err != nil {
			return nil, fmt.Errorf("parse service environment variables: %w", err)
		}
		cfg.EnvVars = extraEnvs
	}

	return cfg, nil
}

func newSVC(prg *program, conf *service.Config) (service.Service, error) {
	return service.New(prg, conf)
}

func parseServiceEnvVars(envVars []string) (map[string]string, error) {
	envMap := make(map[string]string)

	for _, env := range envVars {
		if env == "" {
			continue
		}

		key, value, ok := strings.Cut(env, "=")
		if !ok {
			return nil, fmt.Errorf("invalid environment variable format: %s (expected KEY=VALUE)", env)
		}

		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("empty environment variable key in: %s", env)
		}
		envMap[key] = strings.TrimSpace(value)
	}

	return envMap, nil
}

func buildServiceArguments() []string {
	args := []string{
		"service",
		"run",
		"--service",
		serviceName,
		"--log-level",
		logLevel,
		"--log-format",
		logFormat,
		"--log-file",
		logFile,
	}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return args
}

func configurePlatformSpecificSettings(svcConfig *service.Config) {
	switch runtime.GOOS {
	case "linux":
		// Respected only by systemd systems
		svcConfig.Dependencies = []string{"After=network-online.target"}

		if logFile != "" && logFile != "console" {
			dir := filepath.Dir(logFile)
			if err := os.MkdirAll(dir, 0o750); err == nil {
				svcConfig.Option["LogOutput"] = true
				svcConfig.Option["LogDirectory"] = dir
			}
		}
	case "windows":
		svcConfig.Option["OnFailure"] = "restart"
	}
}

// serviceAction runs one service manager operation on the configured service.
func serviceAction(cmd *cobra.Command, action func(service.Service) error, done string) error {
	svcConfig, err := newSVCConfig()
	if err != nil {
		return err
	}

	s, err := newSVC(&program{}, svcConfig)
	if err != nil {
		return err
	}

	if err := action(s); err != nil {
		return err
	}
	cmd.Println(done)
	return nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "runs the update daemon under the service manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		svcConfig, err := newSVCConfig()
		if err != nil {
			return err
		}

		s, err := newSVC(&program{}, svcConfig)
		if err != nil {
			return err
		}
		return s.Run()
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "installs the update daemon as a system service",
	RunE: func(cmd *cobra.Command, args []string) error {
		svcConfig, err := newSVCConfig()
		if err != nil {
			return fmt.Errorf("create service config: %w", err)
		}
		svcConfig.Arguments = buildServiceArguments()
		configurePlatformSpecificSettings(svcConfig)

		s, err := newSVC(&program{}, svcConfig)
		if err != nil {
			return err
		}
		if err := s.Install(); err != nil {
			return fmt.Errorf("install service: %w", err)
		}

		cmd.Println("Updater service has been installed")
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "uninstalls the updater service from the system",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serviceAction(cmd, service.Service.Uninstall, "Updater service has been uninstalled")
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "starts the updater service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serviceAction(cmd, service.Service.Start, "Updater service has been started")
	},
}

var stopServiceCmd = &cobra.Command{
	Use:   "stop",
	Short: "stops the updater service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serviceAction(cmd, service.Service.Stop, "Updater service has been stopped")
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "restarts the updater service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serviceAction(cmd, service.Service.Restart, "Updater service has been restarted")
	},
}
