package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/library-system/internal/reconcile"
)

type stubRunner struct {
	calls int
	err   error

	sawDeadline bool
}

func (r *stubRunner) Run(ctx context.Context, now time.Time) (reconcile.Stats, error) {
	r.calls++
	_, r.sawDeadline = ctx.Deadline()
	return reconcile.Stats{}, r.err
}

func TestNew_InvalidSpec(t *testing.T) {
	_, err := New(&stubRunner{}, "not a cron spec", time.Minute, zap.NewNop())
	if err == nil {
		t.Fatalf("expected error for invalid cron spec")
	}
}

func TestRunPass_AppliesTimeout(t *testing.T) {
	runner := &stubRunner{}
	s, err := New(runner, "0 18 * * *", time.Minute, zap.NewNop())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	s.runPass()

	if runner.calls != 1 {
		t.Fatalf("runner calls = %d, want 1", runner.calls)
	}
	if !runner.sawDeadline {
		t.Fatalf("pass context must carry a deadline")
	}
}

func TestRunPass_SurvivesRunnerError(t *testing.T) {
	runner := &stubRunner{err: errors.New("store unavailable")}
	s, err := New(runner, "0 18 * * *", time.Minute, zap.NewNop())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	s.runPass()
	s.runPass()

	if runner.calls != 2 {
		t.Fatalf("runner calls = %d, want 2 (failure must not stop the schedule)", runner.calls)
	}
}
