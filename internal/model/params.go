package model

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/miradorstack/mirador-risk/internal/models"
)

// ParamsLoader fetches opaque trained-parameter blobs. Implementations return
// ModelNotReadyError when nothing has been trained for the strategy.
type ParamsLoader interface {
	LoadParams(ctx context.Context, strategy models.Strategy) ([]byte, error)
}

// FileParamsLoader reads <dir>/<strategy>.json.
type FileParamsLoader struct {
	Dir string
}

// NewFileParamsLoader returns a loader rooted at dir.
func NewFileParamsLoader(dir string) *FileParamsLoader {
	return &FileParamsLoader{Dir: dir}
}

// Path returns the blob location for a strategy.
func (l *FileParamsLoader) Path(strategy models.Strategy) string {
	return filepath.Join(l.Dir, string(strategy)+".json")
}

// LoadParams implements ParamsLoader.
func (l *FileParamsLoader) LoadParams(_ context.Context, strategy models.Strategy) ([]byte, error) {
	if l == nil || l.Dir == "" {
		return nil, &models.ModelNotReadyError{Strategy: strategy, Reason: "no parameter directory configured"}
	}
	data, err := os.ReadFile(l.Path(strategy))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &models.ModelNotReadyError{Strategy: strategy, Reason: "no trained parameters at " + l.Path(strategy)}
		}
		return nil, fmt.Errorf("read params: %w", err)
	}
	return data, nil
}

// SaveParams writes a blob atomically via a temporary file.
func (l *FileParamsLoader) SaveParams(strategy models.Strategy, blob []byte) error {
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return fmt.Errorf("create params dir: %w", err)
	}
	tmp, err := os.CreateTemp(l.Dir, string(strategy)+"-*.json")
	if err != nil {
		return fmt.Errorf("create temp params: %w", err)
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write params: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close params: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.Path(strategy)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish params: %w", err)
	}
	return nil
}

// StaticParamsLoader serves in-memory blobs.
type StaticParamsLoader map[models.Strategy][]byte

// LoadParams implements ParamsLoader.
func (s StaticParamsLoader) LoadParams(_ context.Context, strategy models.Strategy) ([]byte, error) {
	blob, ok := s[strategy]
	if !ok {
		return nil, &models.ModelNotReadyError{Strategy: strategy, Reason: "no parameters registered"}
	}
	return blob, nil
}
