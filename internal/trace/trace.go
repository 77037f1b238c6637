package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ExecutionTrace is the canonical record of the logical decisions made while
// running one or more TaskRuns: which steps hit or missed the cache, which
// entries were stored, and which stages failed.
//
// It must not contain timestamps, durations, or captured process output, so
// that two runs making the same decisions produce identical bytes.
//
// RunHash identifies the definitions that were run (see core.TaskRun.DefinitionHash).
// It is a plain string so this package does not depend on core.
type ExecutionTrace struct {
	RunHash string
	Events  []TraceEvent
}

// TraceEventKind is the stable discriminator for TraceEvent.
// The string values are part of the canonical bytes; do not rename.
type TraceEventKind string

const (
	EventStepCacheHit      TraceEventKind = "StepCacheHit"
	EventStepCacheMiss     TraceEventKind = "StepCacheMiss"
	EventStepStored        TraceEventKind = "StepStored"
	EventStepRepopulated   TraceEventKind = "StepRepopulated"
	EventStepVerified      TraceEventKind = "StepVerified"
	EventStepFailed        TraceEventKind = "StepFailed"
	EventPayloadExecuted   TraceEventKind = "PayloadExecuted"
	EventPayloadFailed     TraceEventKind = "PayloadFailed"
	EventVerifyPassed      TraceEventKind = "VerifyPassed"
	EventVerifyFailed      TraceEventKind = "VerifyFailed"
	EventArtifactsSurfaced TraceEventKind = "ArtifactsSurfaced"
)

// TraceEvent is a single logical decision.
type TraceEvent struct {
	Kind TraceEventKind

	// Task is the TaskRun name.
	Task string

	// Step is the provisioning step or action name. Empty for task-level events.
	Step string

	// Key is the fingerprint key, for provisioning events.
	Key string

	// Reason is a stable reason code, e.g. "ProvisionFailed" or "Timeout".
	Reason string

	// Artifacts lists surfaced artifact paths.
	Artifacts []string
}

// Validate checks basic invariants and returns a descriptive error.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.RunHash == "" {
		return errors.New("runHash is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Task == "" {
			return fmt.Errorf("events[%d].task is required", i)
		}
		if isStepEvent(e.Kind) && e.Step == "" {
			return fmt.Errorf("events[%d].step is required for kind %q", i, e.Kind)
		}
		for j, a := range e.Artifacts {
			if a == "" {
				return fmt.Errorf("events[%d].artifacts[%d] is empty", i, j)
			}
		}
	}
	return nil
}

func isStepEvent(kind TraceEventKind) bool {
	switch kind {
	case EventStepCacheHit, EventStepCacheMiss, EventStepStored, EventStepRepopulated,
		EventStepVerified, EventStepFailed, EventPayloadExecuted, EventPayloadFailed,
		EventVerifyPassed, EventVerifyFailed:
		return true
	default:
		return false
	}
}

// Canonicalize normalizes and sorts the trace into its canonical form.
//
// Ordering is independent of execution timing, so TaskRuns executed
// concurrently still produce one stable trace. Events are stably sorted by
// (task, step, kindOrder, key, reason, artifacts).
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		if len(t.Events[i].Artifacts) == 0 {
			t.Events[i].Artifacts = nil
			continue
		}
		art := make([]string, len(t.Events[i].Artifacts))
		copy(art, t.Events[i].Artifacts)
		sort.Strings(art)
		t.Events[i].Artifacts = art
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a := t.Events[i]
		b := t.Events[j]

		if a.Task != b.Task {
			return a.Task < b.Task
		}
		if a.Step != b.Step {
			return a.Step < b.Step
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return compareStringSlices(a.Artifacts, b.Artifacts)
	})
}

func kindOrder(k TraceEventKind) int {
	switch k {
	case EventStepCacheHit:
		return 10
	case EventStepCacheMiss:
		return 20
	case EventStepStored:
		return 30
	case EventStepRepopulated:
		return 40
	case EventStepVerified:
		return 50
	case EventStepFailed:
		return 60
	case EventPayloadExecuted:
		return 70
	case EventPayloadFailed:
		return 80
	case EventVerifyPassed:
		return 90
	case EventVerifyFailed:
		return 100
	case EventArtifactsSurfaced:
		return 110
	default:
		return 1000
	}
}

func compareStringSlices(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] == b[i] {
			continue
		}
		return a[i] < b[i]
	}
	return len(a) < len(b)
}

// CanonicalJSON returns the canonical JSON encoding of the trace.
// It canonicalizes a copy of the trace to avoid mutating the caller's slices.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	copyTrace := ExecutionTrace{RunHash: t.RunHash}
	copyTrace.Events = make([]TraceEvent, len(t.Events))
	copy(copyTrace.Events, t.Events)
	copyTrace.Canonicalize()
	if err := copyTrace.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&copyTrace)
}

// Hash returns the sha256 hex of the canonical JSON bytes.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// MarshalJSON fixes field order. It does not sort; use CanonicalJSON for
// canonical bytes.
func (t ExecutionTrace) MarshalJSON() ([]byte, error) {
	if t.RunHash == "" {
		return nil, errors.New("runHash is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"runHash":`)
	rh, _ := json.Marshal(t.RunHash)
	buf.Write(rh)

	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON ensures canonical field ordering and omission of empty optional fields.
func (e TraceEvent) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	writeField := func(name, value string, first bool) {
		if value == "" && !first {
			return
		}
		if !first {
			buf.WriteByte(',')
		}
		buf.WriteString(`"` + name + `":`)
		vb, _ := json.Marshal(value)
		buf.Write(vb)
	}

	writeField("kind", string(e.Kind), true)
	writeField("task", e.Task, false)
	writeField("step", e.Step, false)
	writeField("key", e.Key, false)
	writeField("reason", e.Reason, false)

	if len(e.Artifacts) > 0 {
		artifacts := make([]string, len(e.Artifacts))
		copy(artifacts, e.Artifacts)
		sort.Strings(artifacts)
		ab, _ := json.Marshal(artifacts)
		buf.WriteString(`,"artifacts":`)
		buf.Write(ab)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
