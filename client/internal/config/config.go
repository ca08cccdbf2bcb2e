// Package config holds the updater configuration file.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shelfapp/shelf/client/internal/scheduler"
	"github.com/shelfapp/shelf/client/internal/statemanager"
	"github.com/shelfapp/shelf/client/internal/updatemanager/installer"
	"github.com/shelfapp/shelf/client/internal/updatemanager/release"
	"github.com/shelfapp/shelf/util"
)

const (
	// DefaultFeedURL is the latest release endpoint of the shelf repository.
	DefaultFeedURL = "https://api.github.com/repos/shelfapp/shelf/releases/latest"

	DefaultCheckInterval   = 48 * time.Hour
	DefaultReleaseCacheTTL = 10 * time.Minute
)

// Duration marshals as a Go duration string such as "48h".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		return err
	default:
		return errors.New("invalid duration")
	}
}

// Config is the updater configuration
type Config struct {
	FeedURL     string
	StatePath   string
	DownloadDir string
	SessionDir  string
	// PlatformTag selects the release asset, the architecture when empty.
	PlatformTag string
	// InstallerCommand runs a package; "{package}" is replaced by its path.
	InstallerCommand []string
	// ReleaseKeysFile is a PEM bundle of trusted release keys. Packages are
	// not verified when it is empty.
	ReleaseKeysFile  string
	CheckInterval    Duration
	InstallWait      Duration
	ProgressInterval Duration
	ReleaseCacheTTL  Duration
	RequireIdle      bool
	IdleCPUPercent   float64
}

// DefaultConfigDir is where the config, state and sessions live by default.
func DefaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("PROGRAMDATA"), "Shelf")
	case "darwin":
		return "/Library/Application Support/Shelf"
	default:
		return "/var/lib/shelf"
	}
}

// DefaultConfigPath is the config file in DefaultConfigDir.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "updater.json")
}

func defaultInstallerCommand() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{"msiexec", "/i", "{package}", "/qn", "/norestart"}
	case "darwin":
		return []string{"installer", "-pkg", "{package}", "-target", "/"}
	default:
		return []string{"dpkg", "-i", "{package}"}
	}
}

func defaultStatePath(dir string) string {
	if path := statemanager.GetDefaultStatePath(); path != "" {
		return path
	}
	return filepath.Join(dir, "update-state.json")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	dir := DefaultConfigDir()
	return &Config{
		FeedURL:          DefaultFeedURL,
		StatePath:        defaultStatePath(dir),
		DownloadDir:      filepath.Join(dir, "downloads"),
		SessionDir:       filepath.Join(dir, "sessions"),
		PlatformTag:      release.DefaultPlatformTag(),
		InstallerCommand: defaultInstallerCommand(),
		CheckInterval:    Duration{DefaultCheckInterval},
		InstallWait:      Duration{installer.DefaultWait},
		ProgressInterval: Duration{200 * time.Millisecond},
		ReleaseCacheTTL:  Duration{DefaultReleaseCacheTTL},
		RequireIdle:      true,
		IdleCPUPercent:   scheduler.DefaultIdleCPUPercent,
	}
}

// ReadConfig reads path over the defaults. A missing file yields the defaults.
func ReadConfig(path string) (*Config, error) {
	cfg := Default()
	if !util.FileExists(path) {
		log.Debugf("config file %s not found, using defaults", path)
		return cfg, nil
	}

	if err := util.ReadJson(path, cfg); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// WriteOutConfig stores cfg at path with owner-only permissions.
func WriteOutConfig(ctx context.Context, path string, cfg *Config) error {
	return util.WriteJsonWithRestrictedPermission(ctx, path, cfg)
}

// applyDefaults fills fields a partial file left empty.
func (c *Config) applyDefaults() {
	def := Default()
	if c.FeedURL == "" {
		c.FeedURL = def.FeedURL
	}
	if c.StatePath == "" {
		c.StatePath = def.StatePath
	}
	if c.DownloadDir == "" {
		c.DownloadDir = def.DownloadDir
	}
	if c.SessionDir == "" {
		c.SessionDir = def.SessionDir
	}
	if c.PlatformTag == "" {
		c.PlatformTag = def.PlatformTag
	}
	if len(c.InstallerCommand) == 0 {
		c.InstallerCommand = def.InstallerCommand
	}
	if c.CheckInterval.Duration <= 0 {
		c.CheckInterval = def.CheckInterval
	}
	if c.InstallWait.Duration <= 0 {
		c.InstallWait = def.InstallWait
	}
	if c.IdleCPUPercent <= 0 {
		c.IdleCPUPercent = def.IdleCPUPercent
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	if c.IdleCPUPercent > 100 {
		return fmt.Errorf("idle CPU percent %.1f above 100", c.IdleCPUPercent)
	}
	if c.ProgressInterval.Duration < 0 || c.ReleaseCacheTTL.Duration < 0 {
		return errors.New("negative interval")
	}
	return nil
}
