package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Defaults are the paths glr uses before a config file has been read.
type Defaults struct {
	ConfigPath string
	BaseDir    string
	DataDir    string
	LogDir     string
}

// GetDefaults resolves default paths from the environment:
//   - GLR_CONFIG_PATH: config file (default: $XDG_CONFIG_HOME/glr.toml or ~/.config/glr.toml)
//   - GLR_HOME: base directory holding data/ and logs/ (default: ~/.glr)
func GetDefaults() (Defaults, error) {
	var home string
	homeDir := func() (string, error) {
		if home != "" {
			return home, nil
		}
		h, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		home = h
		return home, nil
	}

	configPath := os.Getenv("GLR_CONFIG_PATH")
	if configPath == "" {
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			h, err := homeDir()
			if err != nil {
				return Defaults{}, err
			}
			configDir = filepath.Join(h, ".config")
		}
		configPath = filepath.Join(configDir, "glr.toml")
	}

	baseDir := os.Getenv("GLR_HOME")
	if baseDir == "" {
		h, err := homeDir()
		if err != nil {
			return Defaults{}, err
		}
		baseDir = filepath.Join(h, ".glr")
	}

	// Logs sit beside the data directory so archives never include them.
	return Defaults{
		ConfigPath: configPath,
		BaseDir:    baseDir,
		DataDir:    filepath.Join(baseDir, "data"),
		LogDir:     filepath.Join(baseDir, "logs"),
	}, nil
}
