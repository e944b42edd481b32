package config

import (
	"os"
	"path/filepath"
)

// Directory resolution, per directory kind:
//  1. KISSA_HOME (portable root) -> $KISSA_HOME/{config,data,cache}
//  2. KISSA_CONFIG_DIR / KISSA_DATA_DIR / KISSA_CACHE_DIR explicit override
//  3. XDG env vars -> $XDG_*_HOME/kissa
//  4. Platform defaults -> ~/.config/kissa, ~/.local/share/kissa, ~/.cache/kissa

func resolveDir(kind, explicitEnv, xdgEnv, fallback string) string {
	if home := os.Getenv("KISSA_HOME"); home != "" {
		return filepath.Join(home, kind)
	}
	if dir := os.Getenv(explicitEnv); dir != "" {
		return dir
	}
	if xdg := os.Getenv(xdgEnv); xdg != "" {
		return filepath.Join(xdg, "kissa")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, fallback, "kissa")
	}
	return ""
}

// ConfigDir returns the directory holding config.toml.
func ConfigDir() string {
	return resolveDir("config", "KISSA_CONFIG_DIR", "XDG_CONFIG_HOME", ".config")
}

// DataDir returns the directory holding the index database.
func DataDir() string {
	return resolveDir("data", "KISSA_DATA_DIR", "XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// CacheDir returns the cache directory.
func CacheDir() string {
	return resolveDir("cache", "KISSA_CACHE_DIR", "XDG_CACHE_HOME", ".cache")
}

// DefaultPath is the config file location.
func DefaultPath() string {
	dir := ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.toml")
}

// IndexPath is the index database location.
func IndexPath() string {
	dir := DataDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "index.db")
}

// EnsureDirs creates the config, data, and cache directories.
func EnsureDirs() error {
	for _, dir := range []string{ConfigDir(), DataDir(), CacheDir()} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
