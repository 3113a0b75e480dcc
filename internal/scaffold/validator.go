package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
)

// ExistingError reports a tandem.yml that would be overwritten.
type ExistingError struct {
	Path string
}

func (e *ExistingError) Error() string {
	return fmt.Sprintf("%s already exists", e.Path)
}

// CheckExisting returns an *ExistingError if dir already holds tandem.yml.
func CheckExisting(dir string) error {
	path := filepath.Join(dir, ConfigFile)
	if _, err := os.Stat(path); err == nil {
		return &ExistingError{Path: path}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to check %s: %w", path, err)
	}
	return nil
}
