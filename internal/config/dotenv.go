package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads the first .env file found in the working directory or one of
// its two parents. Variables already set in the environment win.
func LoadDotEnv() (string, bool) {
	candidates := []string{".env"}
	if workDir, err := os.Getwd(); err == nil {
		parentDir := filepath.Dir(workDir)
		candidates = append(candidates,
			filepath.Join(workDir, ".env"),
			filepath.Join(parentDir, ".env"),
			filepath.Join(filepath.Dir(parentDir), ".env"),
		)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err == nil {
			abs, _ := filepath.Abs(path)
			return abs, true
		}
	}
	return "", false
}
