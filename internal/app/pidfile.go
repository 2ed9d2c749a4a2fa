package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrPidfileExists is returned when another instance appears to be running.
var ErrPidfileExists = errors.New("pidfile already exists")

// writePidfile creates path holding the current pid. It refuses to
// overwrite an existing file.
func writePidfile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if errMkdir := os.MkdirAll(filepath.Dir(path), 0755); errMkdir != nil {
		return fmt.Errorf("create pidfile dir: %w", errMkdir)
	}
	f, errOpen := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errOpen != nil {
		if errors.Is(errOpen, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrPidfileExists, path)
		}
		return fmt.Errorf("create pidfile: %w", errOpen)
	}
	_, errWrite := f.WriteString(strconv.Itoa(os.Getpid()))
	errClose := f.Close()
	if errWrite != nil {
		return fmt.Errorf("write pidfile: %w", errWrite)
	}
	if errClose != nil {
		return fmt.Errorf("close pidfile: %w", errClose)
	}
	return nil
}

func removePidfile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if errRemove := os.Remove(path); errRemove != nil && !errors.Is(errRemove, os.ErrNotExist) {
		return fmt.Errorf("remove pidfile: %w", errRemove)
	}
	return nil
}
