package state

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"provcache/internal/core"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run is the persistent record of one CLI invocation of "provcache run".
type Run struct {
	RunID     string     `json:"run_id"`
	GraphHash string     `json:"graph_hash"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
	Tasks     []string   `json:"tasks"`
	Status    RunStatus  `json:"status"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Status {
	case RunRunning, RunSucceeded, RunFailed:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.EndTime != nil && r.EndTime.Before(r.StartTime) {
		errs = append(errs, errors.New("end_time is before start_time"))
	}
	return errors.Join(errs...)
}

// TaskRecord is the persisted outcome of one TaskRun within a Run.
type TaskRecord struct {
	Task           string             `json:"task"`
	Status         string             `json:"status"`
	Stage          string             `json:"stage,omitempty"`
	Step           string             `json:"step,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	DefinitionHash string             `json:"definition_hash"`
	DurationMillis int64              `json:"duration_ms"`
	Steps          []core.StepOutcome `json:"steps"`
	Artifacts      []string           `json:"artifacts"`
}

// TaskRecordFromResult converts a finished TaskRun.
func TaskRecordFromResult(res core.Result) TaskRecord {
	rec := TaskRecord{
		Task:           res.Task,
		Status:         "succeeded",
		Stage:          string(res.Stage),
		Step:           res.Step,
		Reason:         res.Reason,
		DefinitionHash: res.DefinitionHash,
		DurationMillis: res.Duration.Milliseconds(),
		Steps:          res.Steps,
		Artifacts:      res.Artifacts,
	}
	if !res.Success {
		rec.Status = "failed"
	}
	if rec.Steps == nil {
		rec.Steps = []core.StepOutcome{}
	}
	if rec.Artifacts == nil {
		rec.Artifacts = []string{}
	}
	return rec
}

func (t TaskRecord) Validate() error {
	var errs []error
	if strings.TrimSpace(t.Task) == "" {
		errs = append(errs, errors.New("task is required"))
	}
	switch t.Status {
	case "succeeded", "failed":
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", t.Status))
	}
	if t.Status == "failed" && t.Stage == "" {
		errs = append(errs, errors.New("stage is required for a failed task"))
	}
	return errors.Join(errs...)
}

// FailureClass separates "environment broken" from "code broken".
type FailureClass string

const (
	FailureClassProvision    FailureClass = "provision"
	FailureClassCache        FailureClass = "cache"
	FailureClassVerification FailureClass = "verification"
	FailureClassPayload      FailureClass = "payload"
	FailureClassTimeout      FailureClass = "timeout"
	FailureClassConfig       FailureClass = "config"
	FailureClassSystem       FailureClass = "system"
)

// Environmental reports whether the class points at the CI environment
// rather than the code under test.
func (c FailureClass) Environmental() bool {
	return c != FailureClassPayload
}

// Failure is the recorded reason a run failed.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	Task         *string      `json:"task,omitempty"`
	Step         *string      `json:"step,omitempty"`
	Key          string       `json:"key,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`

	// Output is the normalized tail of the failing action's output.
	Output string `json:"output,omitempty"`

	Environmental bool `json:"environmental"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassProvision, FailureClassCache, FailureClassVerification, FailureClassPayload,
		FailureClassTimeout, FailureClassConfig, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.Task != nil && strings.TrimSpace(*f.Task) == "" {
		errs = append(errs, errors.New("task must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	return errors.Join(errs...)
}
