package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/devloop/internal/logging"
)

// FileStore persists the lifecycle record as a JSON document at a fixed
// path. The original deployment kept the same document in an object
// bucket; the Store interface is the seam for swapping that back in.
type FileStore struct {
	path   string
	logger *logging.Logger
}

// NewFileStore creates a store writing to path. The parent directory is
// created on first write if needed.
func NewFileStore(path string, logger *logging.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state path cannot be empty")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &FileStore{path: path, logger: logger}, nil
}

// Read returns the current record, creating the default if absent.
func (s *FileStore) Read(ctx context.Context) (LifecycleState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.logger.Info(ctx, "state file absent, creating default record")
		def := DefaultState()
		if werr := s.Write(ctx, def); werr != nil {
			return LifecycleState{}, werr
		}
		return s.readBack()
	}
	if err != nil {
		return LifecycleState{}, fmt.Errorf("%w: reading %s: %v", ErrStorage, s.path, err)
	}

	var st LifecycleState
	if err := json.Unmarshal(data, &st); err != nil {
		return LifecycleState{}, fmt.Errorf("%w: decoding %s: %v", ErrStorage, s.path, err)
	}
	return st, nil
}

// readBack re-reads after default creation so repeated reads are identical.
func (s *FileStore) readBack() (LifecycleState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return LifecycleState{}, fmt.Errorf("%w: reading %s: %v", ErrStorage, s.path, err)
	}
	var st LifecycleState
	if err := json.Unmarshal(data, &st); err != nil {
		return LifecycleState{}, fmt.Errorf("%w: decoding %s: %v", ErrStorage, s.path, err)
	}
	return st, nil
}

// Write stamps LastUpdated and persists the full record. The write goes
// through a temp file and rename so a crash never leaves a torn document.
func (s *FileStore) Write(ctx context.Context, st LifecycleState) error {
	st.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding state: %v", ErrStorage, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrStorage, dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrStorage, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: writing state: %v", ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: closing temp file: %v", ErrStorage, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: replacing %s: %v", ErrStorage, s.path, err)
	}

	s.logger.Debug(ctx, "state written")
	return nil
}

// Update applies a partial mutation via read-merge-write.
func (s *FileStore) Update(ctx context.Context, u Update) (LifecycleState, error) {
	st, err := s.Read(ctx)
	if err != nil {
		return LifecycleState{}, err
	}
	if u.Status != nil {
		st.Status = *u.Status
	}
	if u.CurrentTaskID != nil {
		st.CurrentTaskID = *u.CurrentTaskID
	}
	if u.IterationCount != nil {
		st.IterationCount = *u.IterationCount
	}
	if err := s.Write(ctx, st); err != nil {
		return LifecycleState{}, err
	}
	return st, nil
}

// StopLoop halts automated action until an external restart.
func (s *FileStore) StopLoop(ctx context.Context) error {
	stopped := StatusStopped
	_, err := s.Update(ctx, Update{Status: &stopped})
	return err
}

// StartLoop restarts the loop and resets the iteration counter.
func (s *FileStore) StartLoop(ctx context.Context) error {
	started := StatusStarted
	zero := 0
	_, err := s.Update(ctx, Update{Status: &started, IterationCount: &zero})
	return err
}

// SetCurrentTask records the active agent session.
func (s *FileStore) SetCurrentTask(ctx context.Context, id string) error {
	_, err := s.Update(ctx, Update{CurrentTaskID: &id})
	return err
}

// IncrementIteration bumps the iteration counter and returns the new count.
func (s *FileStore) IncrementIteration(ctx context.Context) (int, error) {
	st, err := s.Read(ctx)
	if err != nil {
		return 0, err
	}
	next := st.IterationCount + 1
	if _, err := s.Update(ctx, Update{IterationCount: &next}); err != nil {
		return 0, err
	}
	return next, nil
}

// Reset restores the default record.
func (s *FileStore) Reset(ctx context.Context) error {
	return s.Write(ctx, DefaultState())
}

var _ Store = (*FileStore)(nil)
