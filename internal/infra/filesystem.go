package infra

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

// EnsureDir expands a leading ~ in dir and creates it when missing.
func EnsureDir(dir string, path ...string) (string, error) {
	expanded, err := homedir.Expand(filepath.Join(append([]string{dir}, path...)...))
	if err != nil {
		return "", errors.WithMessage(err, "expand dir")
	}
	if err := os.MkdirAll(expanded, 0o750); err != nil {
		return "", errors.WithMessage(err, "create dir")
	}
	return expanded, nil
}
