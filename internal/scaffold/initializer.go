package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/easel/internal/config"
	"github.com/dyluth/easel/internal/printer"
)

//go:embed templates/*
var templatesFS embed.FS

// EnvExamplePath is written next to easel.yml as a starting point for .env.
const EnvExamplePath = ".env.example"

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize writes a starter easel.yml and .env.example into dir.
// If force is true, existing files are overwritten.
func Initialize(dir string, force bool) error {
	if force {
		if err := handleForce(dir); err != nil {
			return err
		}
	}

	files, err := getTemplateFiles()
	if err != nil {
		return err
	}

	for _, file := range files {
		path := filepath.Join(dir, file.Path)
		if err := os.WriteFile(path, file.Content, file.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}

	return validateCreatedFiles(dir)
}

// handleForce removes files a previous init created
func handleForce(dir string) error {
	for _, name := range []string{config.DefaultPath, EnvExamplePath} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			printer.Warning("Removing existing %s...\n", name)
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove %s: %w", name, err)
			}
		}
	}
	return nil
}

func getTemplateFiles() ([]FileInfo, error) {
	cfg, err := templatesFS.ReadFile("templates/easel.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read easel.yml template: %w", err)
	}
	env, err := templatesFS.ReadFile("templates/env.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read .env template: %w", err)
	}

	return []FileInfo{
		{Path: config.DefaultPath, Content: cfg, Permissions: 0644},
		{Path: EnvExamplePath, Content: env, Permissions: 0644},
	}, nil
}

// validateCreatedFiles loads the written easel.yml through the same path the
// CLI uses, so a broken template fails here rather than on first use.
func validateCreatedFiles(dir string) error {
	if _, err := config.Load(filepath.Join(dir, config.DefaultPath)); err != nil {
		return fmt.Errorf("created %s is not valid: %w", config.DefaultPath, err)
	}
	return nil
}

// PrintSuccess prints the created files and next steps
func PrintSuccess() {
	printer.Success("Initialized easel configuration\n")
	printer.Info("\nCreated:\n")
	printer.Info("  ✓ %s\n", config.DefaultPath)
	printer.Info("  ✓ %s\n", EnvExamplePath)
	printer.Info("\nNext steps:\n")
	printer.Info("  1. Set session.user_id in %s, or export %s\n", config.DefaultPath, config.EnvUserID)
	printer.Info("  2. Grant yourself a role:  easel member grant <board> <user> --role owner\n")
	printer.Info("  3. Follow a board:         easel follow <board>\n")
}
