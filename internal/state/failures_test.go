package state

import (
	"errors"
	"fmt"
	"testing"

	"provcache/internal/core"
)

func TestFailureFromError_StageKinds(t *testing.T) {
	cases := []struct {
		kind          error
		class         FailureClass
		code          string
		environmental bool
	}{
		{core.ErrProvision, FailureClassProvision, "ProvisionFailed", true},
		{core.ErrRestore, FailureClassCache, "RestoreFailed", true},
		{core.ErrStore, FailureClassCache, "StoreFailed", true},
		{core.ErrVerification, FailureClassVerification, "VerificationFailed", true},
		{core.ErrTimeout, FailureClassTimeout, "Timeout", true},
		{core.ErrPayload, FailureClassPayload, "PayloadFailed", false},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			se := &core.StageError{Kind: tc.kind, Stage: core.StageProvision, Step: "bitcoind", Key: "abc", Output: []byte("out"), Err: errors.New("exit status 1")}
			f, err := FailureFromError(fmt.Errorf("wrapped: %w", se))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if f.FailureClass != tc.class || f.ErrorCode != tc.code || f.Environmental != tc.environmental {
				t.Fatalf("unexpected failure: %#v", f)
			}
			if f.Step == nil || *f.Step != "bitcoind" || f.Key != "abc" || f.Output != "out" {
				t.Fatalf("stage context lost: %#v", f)
			}
			if err := f.Validate(); err != nil {
				t.Fatalf("invalid failure: %v", err)
			}
		})
	}
}

func TestFailureFromError_ConfigAndSystem(t *testing.T) {
	f, err := FailureFromError(&ConfigFailureError{Message: "unknown task \"e2e\""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.FailureClass != FailureClassConfig || f.ErrorCode != "ConfigInvalid" || f.Task != nil {
		t.Fatalf("unexpected failure: %#v", f)
	}

	f, err = FailureFromError(&SystemFailureError{Code: "Panic", Message: "boom"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.FailureClass != FailureClassSystem || f.ErrorCode != "Panic" || !f.Environmental {
		t.Fatalf("unexpected failure: %#v", f)
	}
}

func TestFailureFromError_TaskFailure(t *testing.T) {
	se := &core.StageError{Kind: core.ErrPayload, Stage: core.StagePayload, Step: "e2e", Err: errors.New("exit status 1")}
	res := core.Result{Task: "cypress", Stage: core.StagePayload, Step: "e2e", Err: se, Reason: se.Error(), Output: []byte("1 failing")}

	f, err := FailureFromError(&TaskFailureError{Result: res})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Task == nil || *f.Task != "cypress" {
		t.Fatalf("expected task cypress, got %#v", f)
	}
	if f.FailureClass != FailureClassPayload || f.Environmental {
		t.Fatalf("unexpected class: %#v", f)
	}
	if f.Output != "1 failing" {
		t.Fatalf("unexpected output %q", f.Output)
	}
}

func TestFailureFromError_UnknownIsSystem(t *testing.T) {
	f, err := FailureFromError(errors.New("disk on fire"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.FailureClass != FailureClassSystem || f.ErrorCode != "UnknownError" || f.ErrorMessage != "disk on fire" {
		t.Fatalf("unexpected failure: %#v", f)
	}

	if _, err := FailureFromError(nil); err == nil {
		t.Fatal("expected error for nil")
	}
}
