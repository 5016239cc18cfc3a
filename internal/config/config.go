// Package config loads installer settings from an optional TOML file and
// supplies defaults rooted in the user's home directory.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	toml "github.com/pelletier/go-toml/v2"
)

// DefaultDirName is the default deployment directory under the home dir.
const DefaultDirName = ".stackctl"

// SettingsFileName is the settings file looked up inside the data dir.
const SettingsFileName = "stackctl.toml"

// Settings controls where the installer keeps its state and how many
// snapshots it retains.
type Settings struct {
	DataDir         string `toml:"data_dir"`
	BackupDir       string `toml:"backup_dir"`
	RetainSnapshots int    `toml:"retain_snapshots"`
	LogLevel        string `toml:"log_level"`
}

// Default returns settings rooted at ~/.stackctl.
func Default() (Settings, error) {
	home, err := homedir.Dir()
	if err != nil {
		return Settings{}, fmt.Errorf("resolve home directory: %w", err)
	}
	dataDir := filepath.Join(home, DefaultDirName)
	return Settings{
		DataDir:         dataDir,
		BackupDir:       filepath.Join(dataDir, "backups"),
		RetainSnapshots: 10,
		LogLevel:        "info",
	}, nil
}

// Load returns the defaults overlaid with the settings file under
// dataDir, when one exists. Unknown keys are rejected. An explicit
// dataDir overrides the default root (and the derived backup dir, unless
// the file sets one).
func Load(dataDir string) (Settings, error) {
	settings, err := Default()
	if err != nil {
		return Settings{}, err
	}
	if dataDir != "" {
		settings.DataDir = dataDir
		settings.BackupDir = filepath.Join(dataDir, "backups")
	}
	path := filepath.Join(settings.DataDir, SettingsFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return settings, nil
		}
		return Settings{}, fmt.Errorf("read %s: %w", path, err)
	}
	return parse(data, path, settings)
}

func parse(data []byte, source string, base Settings) (Settings, error) {
	var file Settings
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&file); err != nil {
		return Settings{}, fmt.Errorf("invalid settings %s: %w", source, err)
	}
	if file.DataDir != "" {
		base.DataDir = file.DataDir
	}
	if file.BackupDir != "" {
		base.BackupDir = file.BackupDir
	}
	if file.RetainSnapshots > 0 {
		base.RetainSnapshots = file.RetainSnapshots
	}
	if file.LogLevel != "" {
		base.LogLevel = file.LogLevel
	}
	return base, nil
}
