package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"provcache/internal/core"
)

// Recorder writes the records of one run as it progresses.
type Recorder struct {
	Store *Store

	// Now defaults to time.Now.
	Now func() time.Time

	run Run
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{Store: store, Now: time.Now}
}

func (r *Recorder) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

// RunID returns the ID of the started run, or "" before StartRun.
func (r *Recorder) RunID() string { return r.run.RunID }

// StartRun assigns a run ID and persists the run as running.
func (r *Recorder) StartRun(graphHash string, tasks []string) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	r.run = Run{
		RunID:     uuid.NewString(),
		GraphHash: graphHash,
		StartTime: r.now(),
		Tasks:     append([]string(nil), tasks...),
		Status:    RunRunning,
	}
	if err := r.Store.SaveRun(r.run); err != nil {
		return Run{}, err
	}
	return r.run, nil
}

// RecordTask persists the outcome of one TaskRun. A failed task also
// writes failure.json; the first failure recorded wins.
func (r *Recorder) RecordTask(res core.Result) error {
	if r.run.RunID == "" {
		return errors.New("run not started")
	}
	if err := r.Store.SaveTask(r.run.RunID, TaskRecordFromResult(res)); err != nil {
		return err
	}
	if res.Success {
		return nil
	}
	if _, err := r.Store.LoadFailure(r.run.RunID); err == nil {
		return nil
	}
	return r.RecordFailure(&TaskFailureError{Result: res})
}

// RecordFailure classifies err and persists it as the run's failure.
func (r *Recorder) RecordFailure(err error) error {
	if r.run.RunID == "" {
		return errors.New("run not started")
	}
	f, ferr := FailureFromError(err)
	if ferr != nil {
		return ferr
	}
	return r.Store.SaveFailure(r.run.RunID, f)
}

// FinishRun marks the run as finished.
func (r *Recorder) FinishRun(success bool) (Run, error) {
	if r.run.RunID == "" {
		return Run{}, errors.New("run not started")
	}
	end := r.now()
	if end.Before(r.run.StartTime) {
		end = r.run.StartTime
	}
	r.run.EndTime = &end
	r.run.Status = RunFailed
	if success {
		r.run.Status = RunSucceeded
	}
	if err := r.Store.SaveRun(r.run); err != nil {
		return Run{}, fmt.Errorf("finish run %s: %w", r.run.RunID, err)
	}
	return r.run, nil
}
