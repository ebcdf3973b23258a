package scaffold

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/easel/internal/config"
)

// CheckExisting returns an error if dir already holds files Initialize would write.
func CheckExisting(dir string) error {
	var existingFiles []string
	for _, name := range []string{config.DefaultPath, EnvExamplePath} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			existingFiles = append(existingFiles, name)
		}
	}

	if len(existingFiles) == 0 {
		return nil
	}

	errMsg := "already initialized\n\nFound existing"
	if len(existingFiles) == 1 {
		errMsg += fmt.Sprintf(": %s\n", existingFiles[0])
	} else {
		errMsg += " files:\n"
		for _, file := range existingFiles {
			errMsg += fmt.Sprintf("  - %s\n", file)
		}
	}
	errMsg += "\nUse 'easel init --force' to overwrite them"

	return fmt.Errorf("%s", errMsg)
}
