package saga

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rbaliyan/event/v3/health"
)

// FileStore keeps one JSON file per saga in a directory.
//
// Files are named state_<id>.json. Saves write a temporary file and rename it
// over the previous one, so a crash never leaves a partial state behind.
//
// Example:
//
//	dir, _ := saga.DefaultFileDir()
//	store, err := saga.NewFileStore(dir)
type FileStore struct {
	dir string
}

// DefaultFileDir returns the per-user application data directory for saga state.
func DefaultFileDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache dir: %w", err)
	}
	return filepath.Join(base, "sagas"), nil
}

// NewFileStore creates a file store rooted at dir, creating dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory holding the state files.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid saga ID %q", id)
	}
	return filepath.Join(s.dir, "state_"+id+".json"), nil
}

// Load decodes the state stored for id into target.
func (s *FileStore) Load(ctx context.Context, id string, target State) (bool, error) {
	path, err := s.path(id)
	if err != nil {
		return false, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read state file: %w", err)
	}

	if err := decodeState(data, target); err != nil {
		return false, err
	}
	return true, nil
}

// Save writes state for id.
func (s *FileStore) Save(ctx context.Context, id string, state State) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".state_*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// Complete deletes the state file for id.
func (s *FileStore) Complete(ctx context.Context, id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}

// DeleteOlderThan removes state files not written for longer than age.
func (s *FileStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read state directory: %w", err)
	}

	cutoff := time.Now().Add(-age)
	var deleted int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "state_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		info, err := entry.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return deleted, fmt.Errorf("stat state file: %w", err)
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return deleted, fmt.Errorf("remove state file: %w", err)
		}
		deleted++
	}
	return deleted, nil
}

// Health checks that the state directory is writable.
func (s *FileStore) Health(ctx context.Context) *health.Result {
	start := time.Now()

	f, err := os.CreateTemp(s.dir, ".health_*")
	if err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("state directory not writable: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}
	f.Close()
	os.Remove(f.Name())

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"dir": s.dir,
		},
	}
}

// Compile-time checks
var (
	_ StatePersistence = (*FileStore)(nil)
	_ Pruner           = (*FileStore)(nil)
	_ health.Checker   = (*FileStore)(nil)
)
