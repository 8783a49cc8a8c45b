// Package buildconfig merges the three places a run's settings come from:
// built-in defaults, the optional TOML config file and the command line.
package buildconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/seediso/seediso/internal/fault"
	"github.com/seediso/seediso/internal/release"
)

type mirrorsConfig struct {
	Daily   string `toml:"daily"`
	Release string `toml:"release"`
}

type overlayConfig struct {
	Exclude []string `toml:"exclude"`
}

// Config is the TOML file config. Every field is optional.
type Config struct {
	CacheDir    string        `toml:"cache_dir"`
	Keyserver   string        `toml:"keyserver"`
	Fingerprint string        `toml:"fingerprint"`
	Mirrors     mirrorsConfig `toml:"mirrors"`
	Overlay     overlayConfig `toml:"overlay"`
}

// DefaultPath returns the config file location used when --config is not
// given, ~/.config/seediso/seediso.toml on usual setups.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "seediso", "seediso.toml")
}

// Parse reads the TOML config at file and fills in defaults. A non-existing
// config isn't an error, the defaults apply in that case.
func Parse(file string) (*Config, error) {
	config := Config{
		Keyserver:   "https://keyserver.ubuntu.com",
		Fingerprint: "843938DF228D22F7B3742BC0D94AA3F0EFE21092",
		Mirrors: mirrorsConfig{
			Daily:   "https://cdimage.ubuntu.com",
			Release: "https://releases.ubuntu.com",
		},
	}

	_, err := toml.DecodeFile(file, &config)
	if err != nil {
		// Return error only when we failed to decode the file.
		if !os.IsNotExist(err) {
			return nil, fault.Errorf(fault.InputValidation, "config file %s: %w", file, err)
		}

		logrus.Info("Configuration file not found, using defaults")
	}

	if config.CacheDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			config.CacheDir = filepath.Join(dir, "seediso")
		}
	}
	config.CacheDir = expandHome(config.CacheDir)
	config.Fingerprint = strings.ToUpper(strings.ReplaceAll(config.Fingerprint, " ", ""))
	config.Mirrors.Daily = strings.TrimRight(config.Mirrors.Daily, "/")
	config.Mirrors.Release = strings.TrimRight(config.Mirrors.Release, "/")

	return &config, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// Options carries one run's worth of merged settings. The command line
// assembles it from flags and a parsed Config; everything downstream only
// ever sees this struct.
type Options struct {
	Codename      string
	UseReleaseISO bool
	// ReleaseType is the artifact flavor for the numbered-release channel.
	// Empty means the stock "live-server" flavor.
	ReleaseType      string
	SourcePath       string
	DestinationPath  string
	EmbedAnswerFiles bool
	UserDataPath     string
	MetaDataPath     string
	UseHWEKernel     bool
	SkipVerification bool
	DisableSelfCheck bool
	ExtraFilesDir    string

	CacheDir       string
	Keyserver      string
	Fingerprint    string
	DailyMirror    string
	ReleaseMirror  string
	OverlayExclude []string

	// RunDate stamps the default destination name and the volume label.
	RunDate time.Time
}

// DefaultDestination names the output image for runs that don't pass -d.
func DefaultDestination(date time.Time) string {
	return fmt.Sprintf("ubuntu-autoinstall-%s.iso", date.Format("20060102"))
}

// VolumeLabel is the ISO9660 volume identifier stamped on the output image.
func VolumeLabel(date time.Time) string {
	return fmt.Sprintf("ubuntu-autoinstall-%s", date.Format("20060102"))
}

// Validate checks the flag combination rules and resolves the codename.
// All violations are InputValidation faults.
func (o *Options) Validate(reg *release.Registry) (*release.Release, error) {
	rel := reg.Lookup(o.Codename)
	if rel == nil {
		return nil, fault.Errorf(fault.InputValidation, "unknown release codename %q, supported: %s",
			o.Codename, strings.Join(reg.List(), ", "))
	}

	if o.EmbedAnswerFiles && o.UserDataPath == "" {
		return nil, fault.New(fault.InputValidation, "all-in-one mode requires a user-data file (-u)")
	}
	if o.ReleaseType != "" && !o.UseReleaseISO {
		return nil, fault.New(fault.InputValidation, "--release-type only applies together with --use-release-iso")
	}

	for _, f := range []struct {
		path string
		flag string
	}{
		{o.UserDataPath, "user-data"},
		{o.MetaDataPath, "meta-data"},
		{o.SourcePath, "source"},
	} {
		if f.path == "" {
			continue
		}
		if fi, err := os.Stat(f.path); err != nil {
			return nil, fault.Errorf(fault.InputValidation, "%s: %w", f.flag, err)
		} else if fi.IsDir() {
			return nil, fault.Errorf(fault.InputValidation, "%s: %s is a directory", f.flag, f.path)
		}
	}

	if o.ExtraFilesDir != "" {
		fi, err := os.Stat(o.ExtraFilesDir)
		if err != nil {
			return nil, fault.Errorf(fault.InputValidation, "extra-files: %w", err)
		}
		if !fi.IsDir() {
			return nil, fault.Errorf(fault.InputValidation, "extra-files: %s is not a directory", o.ExtraFilesDir)
		}
	}

	if o.DestinationPath == "" {
		o.DestinationPath = DefaultDestination(o.RunDate)
	}

	return rel, nil
}

// Flavor is the effective release artifact flavor for the run.
func (o *Options) Flavor() string {
	if o.ReleaseType == "" {
		return "live-server"
	}
	return o.ReleaseType
}
