package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that fill secrets left empty in the config file.
const (
	EnvDiscordToken = "DISCORD_TOKEN"
	EnvStorageDSN   = "STORAGE_DSN"
)

// LoadDotEnv loads .env files into the process environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv copies environment secrets into empty config fields.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Discord.Token) == "" {
		cfg.Discord.Token = strings.TrimSpace(os.Getenv(EnvDiscordToken))
	}
	if dsn := strings.TrimSpace(os.Getenv(EnvStorageDSN)); dsn != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			cfg.Storage.DSN = dsn
		}
	}
}
