package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	maxConfigSize = 1 << 20 // 1MB
	maxEnvVarLen  = 10000
	maxPathLen    = 4096
)

// configFormat returns "json" or "yaml" from the file extension.
func configFormat(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json", nil
	case ".yaml", ".yml":
		return "yaml", nil
	default:
		return "", fmt.Errorf("unsupported config file extension: %s", path)
	}
}

// safeReadFile reads a config file after checking its path and size.
func safeReadFile(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("empty config path")
	}
	if len(path) > maxPathLen {
		return nil, fmt.Errorf("path too long: %d > %d", len(path), maxPathLen)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path is a directory: %s", path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
	}

	return os.ReadFile(filepath.Clean(path))
}

// lookupEnv returns a bounded environment value and whether it was set.
func lookupEnv(key string) (string, bool) {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return "", false
	}
	if len(val) > maxEnvVarLen {
		return "", false
	}
	return val, true
}
