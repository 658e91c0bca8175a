package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const LocalConfigFileName = "ferry-sync.yaml"

// LocalConfig is an optional per-project file declaring mirror watch
// roots and the profile they should ride on, so `ferry-sync watch` can
// start without flags from inside a project directory.
type LocalConfig struct {
	Profile string       `yaml:"profile"`
	Watches []WatchEntry `yaml:"watches"`
}

type WatchEntry struct {
	LocalPath  string `yaml:"localPath"`
	RemotePath string `yaml:"remotePath"`
}

func LocalConfigExists() bool {
	_, err := os.Stat(LocalConfigFileName)
	return err == nil
}

func LoadLocalConfig() (*LocalConfig, error) {
	data, err := os.ReadFile(LocalConfigFileName)
	if err != nil {
		return nil, err
	}
	var cfg LocalConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", LocalConfigFileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *LocalConfig) Validate() error {
	if c.Profile == "" {
		return fmt.Errorf("%s: profile is required", LocalConfigFileName)
	}
	for i, w := range c.Watches {
		if w.LocalPath == "" || w.RemotePath == "" {
			return fmt.Errorf("%s: watches[%d] needs both localPath and remotePath", LocalConfigFileName, i)
		}
		if !strings.HasPrefix(w.RemotePath, "/") {
			return fmt.Errorf("%s: watches[%d] remotePath must be absolute", LocalConfigFileName, i)
		}
	}
	return nil
}
