package model

import "testing"

func TestTaskTransitions(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskProcessing, true},
		{TaskProcessing, TaskCompleted, true},
		{TaskProcessing, TaskError, true},
		{TaskPending, TaskStopped, true},
		{TaskProcessing, TaskStopped, true},
		{TaskPending, TaskCompleted, false},
		{TaskProcessing, TaskPending, false},
		{TaskCompleted, TaskError, false},
		{TaskError, TaskProcessing, false},
		{TaskStopped, TaskCompleted, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSetProgressNeverDecreases(t *testing.T) {
	task := &Task{}
	task.SetProgress(40)
	task.SetProgress(20)
	if task.Progress != 40 {
		t.Fatalf("progress = %d, want 40", task.Progress)
	}
	task.SetProgress(150)
	if task.Progress != 100 {
		t.Fatalf("progress = %d, want 100", task.Progress)
	}
}

func TestFixTransitions(t *testing.T) {
	if !FixPending.CanTransition(FixAnalyzing) {
		t.Error("pending -> analyzing should be allowed")
	}
	if !FixAnalyzing.CanTransition(FixSkipped) {
		t.Error("analyzing -> skipped should be allowed")
	}
	if FixFixing.CanTransition(FixPRCreated) {
		t.Error("fixing -> pr_created must pass through reviewing")
	}
	if FixFailed.CanTransition(FixFixing) {
		t.Error("failed is terminal")
	}
	if !FixPRCreated.CanTransition(FixMerged) {
		t.Error("pr_created -> merged should be allowed")
	}
}

func TestDeploymentRetryable(t *testing.T) {
	d := &Deployment{FixStatus: FixFailed}
	if !d.Retryable() {
		t.Error("failed deployment should be retryable")
	}
	d.Exhausted = true
	if d.Retryable() {
		t.Error("exhausted deployment must not be retryable")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello world", 8); got != "hello..." {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("  short  ", 10); got != "short" {
		t.Errorf("Truncate = %q", got)
	}
}
