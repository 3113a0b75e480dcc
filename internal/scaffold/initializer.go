// Package scaffold writes a starter tandem.yml.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/tandem/internal/config"
)

// ConfigFile is the name of the generated configuration file.
const ConfigFile = "tandem.yml"

//go:embed templates/*
var templatesFS embed.FS

// Initialize writes tandem.yml into dir and checks that it loads.
// If force is true an existing tandem.yml is replaced.
func Initialize(dir string, force bool) (string, error) {
	path := filepath.Join(dir, ConfigFile)

	if !force {
		if err := CheckExisting(dir); err != nil {
			return "", err
		}
	}

	content, err := templatesFS.ReadFile("templates/tandem.yml.tmpl")
	if err != nil {
		return "", fmt.Errorf("failed to read tandem.yml template: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	if _, err := config.Load(path); err != nil {
		return "", fmt.Errorf("created %s does not load: %w", path, err)
	}
	return path, nil
}
