package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Local stores objects as files. Keys are file paths.
type Local struct{}

func NewLocal() *Local { return &Local{} }

func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(key)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

func (l *Local) Put(_ context.Context, key string, data []byte) error {
	return os.WriteFile(key, data, 0o644)
}

func (l *Local) List(_ context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			keys = append(keys, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (l *Local) MakeDir(_ context.Context, dir string) error {
	return os.MkdirAll(dir, 0o755)
}

func (l *Local) RemoveAll(_ context.Context, dir string) error {
	switch clean := filepath.Clean(dir); {
	case dir == "", clean == ".", clean == string(filepath.Separator):
		return fmt.Errorf("%w: %q", ErrRootRemoval, dir)
	}
	return os.RemoveAll(dir)
}
