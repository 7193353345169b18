// Package config loads runtime settings from a .env file and the process
// environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. A missing .env is not an error worth stopping for;
// callers can ignore it and rely on system env or defaults. Pass one or more
// paths to load specific files.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or
// fallback if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by
// key, or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value of the environment variable
// named by key (Go duration syntax, e.g. "15s"), or fallback.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// DataDir returns the directory for credentials, keys, and history. It
// honors BILITUI_DATA_DIR, then XDG_DATA_HOME, then ~/.local/share.
func DataDir() string {
	if dir := os.Getenv("BILITUI_DATA_DIR"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "bilitui")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "bilitui-data"
	}
	return filepath.Join(home, ".local", "share", "bilitui")
}
