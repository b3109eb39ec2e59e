package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifyJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: fmt.Errorf("list candidates: %w", context.DeadlineExceeded), want: JobReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: JobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: JobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: JobReasonUniqueViolation},
		{name: "sqlite_unique", err: errors.New("UNIQUE constraint failed: receipts.number"), want: JobReasonUniqueViolation},
		{name: "db", err: &pgconn.PgError{Code: "08006"}, want: JobReasonDB},
		{name: "unknown", err: errors.New("boom"), want: JobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestJobMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewJobMetrics(registry, Config{ServiceName: "donorrecon", Environment: "test"})

	m.ObserveRun("reconcile_donations", "success", 2*time.Second)
	m.IncItemAction("donation", "activated")
	m.IncItemAction("donation", "activated")
	m.IncMatchAttempt("checkout_session", MatchOutcomeError)
	m.IncRecoveryStep(RecoveryStepEmail, false)
	m.SetDuplicateGroups(map[string]int{"high": 3})

	if got := testutil.ToFloat64(m.jobRuns.WithLabelValues("reconcile_donations", "success")); got != 1 {
		t.Fatalf("expected 1 run, got %v", got)
	}
	if got := testutil.ToFloat64(m.itemActions.WithLabelValues("donation", "activated")); got != 2 {
		t.Fatalf("expected 2 activations, got %v", got)
	}
	if got := testutil.ToFloat64(m.matchAttempts.WithLabelValues("checkout_session", MatchOutcomeError)); got != 1 {
		t.Fatalf("expected 1 failed attempt, got %v", got)
	}
	if got := testutil.ToFloat64(m.recoverySteps.WithLabelValues(RecoveryStepEmail, "failed")); got != 1 {
		t.Fatalf("expected 1 failed email step, got %v", got)
	}
	if got := testutil.ToFloat64(m.duplicateGroups.WithLabelValues("high")); got != 3 {
		t.Fatalf("expected 3 high groups, got %v", got)
	}
	if got := testutil.ToFloat64(m.duplicateGroups.WithLabelValues("low")); got != 0 {
		t.Fatalf("expected 0 low groups, got %v", got)
	}
}

func TestNilJobMetricsIsSafe(t *testing.T) {
	var m *JobMetrics
	m.ObserveRun("x", "failed", time.Second)
	m.IncJobError("x", errors.New("boom"))
	m.SetDuplicateGroups(nil)
}
