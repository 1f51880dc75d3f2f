package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// TokenEnvVars are checked in order; the first non-empty one wins.
var TokenEnvVars = []string{"TGLOAD_TOKEN", "TOKEN"}

// LoadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ApplyEnv overrides secrets from the environment.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	for _, k := range TokenEnvVars {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			cfg.Telegram.Token = v
			return
		}
	}
}
