package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadEnvFiles loads .env.local and .env from the working directory.
// Existing environment variables win.
func LoadEnvFiles() error {
	return loadEnvFiles(".env.local", ".env")
}

// LoadDotEnvForConfig loads the .env files that sit next to a config file.
func LoadDotEnvForConfig(configPath string) error {
	if configPath == "" {
		return nil
	}
	dir := filepath.Dir(configPath)
	return loadEnvFiles(filepath.Join(dir, ".env.local"), filepath.Join(dir, ".env"))
}

func loadEnvFiles(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}
