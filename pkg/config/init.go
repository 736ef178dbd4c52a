package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// InitConfig writes a sample configuration file to the default location.
//
// Returns the path of the written file. Unless force is set, an existing
// file is left alone and an "already exists" error is returned.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a sample configuration file to path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

const configHeader = `# DittoDrive Configuration File
#
# Precedence: DITTODRIVE_* environment variables, then this file, then
# built-in defaults. Example: DITTODRIVE_LOGGING_LEVEL=DEBUG
#
# stores:         named backends (memory, filesystem, badger, s3, redis, postgres)
# default_store:  the store holding the drive root and Owner/Group/World
# services:       stores mounted at /<alias>
#
`

const servicesExample = `
# Mount another store as a service:
#
# stores:
#   archive:
#     type: s3
#     s3:
#       region: eu-west-1
#       bucket: my-archive
#       key_prefix: drive/
# services:
#   - alias: archive
#     store: archive
#     read_only: false
`

// generateYAMLWithComments renders cfg as YAML framed by explanatory
// comments.
func generateYAMLWithComments(cfg *Config) (string, error) {
	var body bytes.Buffer
	enc := yaml.NewEncoder(&body)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}

	return configHeader + body.String() + servicesExample, nil
}
