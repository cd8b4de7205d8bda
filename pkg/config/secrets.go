package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadSecretsFromFiles loads secrets from mounted Kubernetes Secret volumes.
// Looks for files in the format /secrets/<secret-name> and returns a map of
// secret names to their values.
func LoadSecretsFromFiles(secretsDir string) (map[string]string, error) {
	secrets := make(map[string]string)

	if _, err := os.Stat(secretsDir); os.IsNotExist(err) {
		return secrets, nil
	}

	files, err := os.ReadDir(secretsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets directory: %w", err)
	}

	for _, file := range files {
		if file.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(secretsDir, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read secret file %s: %w", file.Name(), err)
		}
		secrets[file.Name()] = strings.TrimSpace(string(content))
	}

	return secrets, nil
}

// InjectSecretsIntoConfig replaces ${FILE:<secret-name>} placeholders with secret values
func InjectSecretsIntoConfig(cfg *Config, secrets map[string]string) {
	cfg.Server.Auth.Secret = resolveSecret(cfg.Server.Auth.Secret, secrets)
	cfg.Redis.Password = resolveSecret(cfg.Redis.Password, secrets)
	cfg.CVEFeed.APIKey = resolveSecret(cfg.CVEFeed.APIKey, secrets)
}

// resolveSecret replaces ${FILE:<secret-name>} with the secret value.
// If not a file reference, returns the original value.
func resolveSecret(value string, secrets map[string]string) string {
	prefix := "${FILE:"
	suffix := "}"

	if strings.HasPrefix(value, prefix) && strings.HasSuffix(value, suffix) {
		secretName := strings.TrimSuffix(strings.TrimPrefix(value, prefix), suffix)
		if secretValue, ok := secrets[secretName]; ok {
			return secretValue
		}
	}

	return value
}
