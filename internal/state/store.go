package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
)

// Store persists run records under:
//
//	<stateDir>/runs/<run-id>/run.json
//	<stateDir>/runs/<run-id>/failure.json
//	<stateDir>/runs/<run-id>/tasks/<task>.json
//
// Every write is an atomic rename.
type Store struct {
	dir string
}

func NewStore(stateDir string) (*Store, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, errors.New("state dir is required")
	}
	return &Store{dir: stateDir}, nil
}

func (s *Store) runsRootDir() string { return filepath.Join(s.dir, "runs") }

func (s *Store) runDir(runID string) string { return filepath.Join(s.runsRootDir(), runID) }

func (s *Store) runPath(runID string) string { return filepath.Join(s.runDir(runID), "run.json") }

func (s *Store) failurePath(runID string) string {
	return filepath.Join(s.runDir(runID), "failure.json")
}

func (s *Store) tasksDir(runID string) string { return filepath.Join(s.runDir(runID), "tasks") }

func (s *Store) taskPath(runID, task string) string {
	return filepath.Join(s.tasksDir(runID), task+".json")
}

// ListRunIDs returns the run IDs on disk, sorted.
func (s *Store) ListRunIDs() ([]string, error) {
	entries, err := os.ReadDir(s.runsRootDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && strings.TrimSpace(e.Name()) != "" {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListRuns loads every run record, newest first. Unreadable records are
// skipped and reported through the returned error alongside the good ones.
func (s *Store) ListRuns() ([]Run, error) {
	ids, err := s.ListRunIDs()
	if err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(ids))
	var errs []error
	for _, id := range ids {
		run, err := s.LoadRun(id)
		if err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", id, err))
			continue
		}
		runs = append(runs, run)
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartTime.After(runs[j].StartTime) })
	return runs, errors.Join(errs...)
}

func (s *Store) SaveRun(run Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	if run.Tasks == nil {
		run.Tasks = []string{}
	}
	return writeJSON(s.runPath(run.RunID), run)
}

func (s *Store) LoadRun(runID string) (Run, error) {
	var run Run
	if strings.TrimSpace(runID) == "" {
		return Run{}, errors.New("runID is required")
	}
	if err := readJSONStrict(s.runPath(runID), &run); err != nil {
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run on disk: %w", err)
	}
	return run, nil
}

func (s *Store) SaveTask(runID string, rec TaskRecord) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid task record: %w", err)
	}
	return writeJSON(s.taskPath(runID, rec.Task), rec)
}

func (s *Store) LoadTask(runID, task string) (TaskRecord, error) {
	var rec TaskRecord
	if strings.TrimSpace(runID) == "" {
		return TaskRecord{}, errors.New("runID is required")
	}
	if err := readJSONStrict(s.taskPath(runID, task), &rec); err != nil {
		return TaskRecord{}, err
	}
	if err := rec.Validate(); err != nil {
		return TaskRecord{}, fmt.Errorf("invalid task record on disk: %w", err)
	}
	return rec, nil
}

// LoadTasks loads every task record of a run, in task-name order.
func (s *Store) LoadTasks(runID string) ([]TaskRecord, error) {
	entries, err := os.ReadDir(s.tasksDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []TaskRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := s.LoadTask(runID, strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) SaveFailure(runID string, failure Failure) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	if err := failure.Validate(); err != nil {
		return fmt.Errorf("invalid failure: %w", err)
	}
	return writeJSON(s.failurePath(runID), failure)
}

func (s *Store) LoadFailure(runID string) (Failure, error) {
	var failure Failure
	if strings.TrimSpace(runID) == "" {
		return Failure{}, errors.New("runID is required")
	}
	if err := readJSONStrict(s.failurePath(runID), &failure); err != nil {
		return Failure{}, err
	}
	if err := failure.Validate(); err != nil {
		return Failure{}, fmt.Errorf("invalid failure on disk: %w", err)
	}
	return failure, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSONStrict(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}
