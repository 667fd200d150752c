package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// File stores the credential in a file readable only by the owner.
type File struct {
	path string
}

// NewFile creates a file-backed store at path.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("tokenstore: file path is required")
	}
	return &File{path: path}, nil
}

func (f *File) Read(ctx context.Context) (string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading credential file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (f *File) Write(ctx context.Context, credential string) error {
	if credential == "" {
		err := os.Remove(f.path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing credential file: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating credential directory: %w", err)
	}
	if err := os.WriteFile(f.path, []byte(credential+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing credential file: %w", err)
	}
	return nil
}
