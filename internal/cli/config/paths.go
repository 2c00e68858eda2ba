package config

import (
	"os"
	"path/filepath"
)

// DefaultConfigDir holds the config file, the site registry and local state.
// SITESH_HOME relocates all of it.
func DefaultConfigDir() string {
	if v := os.Getenv("SITESH_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".sitesh")
}

func DefaultConfigPath() string   { return stateFile("config") }
func DefaultRegistryPath() string { return stateFile("sites") }
func DefaultHistoryDir() string   { return stateFile("history") }

// DefaultRecoveryDir receives edits whose upload failed.
func DefaultRecoveryDir() string { return stateFile("recovered") }

func stateFile(name string) string {
	return filepath.Join(DefaultConfigDir(), name)
}
