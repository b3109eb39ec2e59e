package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/donorrecon/pkg/db"
	"gorm.io/gorm"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonDB                   = "db"
	JobReasonUnknown              = "unknown"
)

const (
	MatchOutcomeFound    = "found"
	MatchOutcomeNotFound = "not_found"
	MatchOutcomeError    = "error"
	MatchOutcomeSkipped  = "skipped"
)

const (
	RecoveryStepRecord  = "record"
	RecoveryStepReceipt = "receipt"
	RecoveryStepEmail   = "email"
)

// JobMetrics captures reconciliation, recovery and duplicate-scan health signals.
type JobMetrics struct {
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobErrors       *prometheus.CounterVec
	deadlineReached *prometheus.CounterVec
	itemActions     *prometheus.CounterVec
	matchAttempts   *prometheus.CounterVec
	recoverySteps   *prometheus.CounterVec
	duplicateGroups *prometheus.GaugeVec
	probeFailures   *prometheus.CounterVec
}

var (
	jobMetricsOnce sync.Once
	jobMetrics     *JobMetrics
)

// JobsWithConfig returns the process-wide job metrics registered on the default registerer.
func JobsWithConfig(cfg Config) *JobMetrics {
	jobMetricsOnce.Do(func() {
		jobMetrics = NewJobMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return jobMetrics
}

// NewJobMetrics registers a fresh set of collectors; tests pass their own registry.
func NewJobMetrics(registerer prometheus.Registerer, cfg Config) *JobMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "donorrecon"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "donorrecon_job_runs_total",
		Help:        "Job runs by name and final status.",
		ConstLabels: constLabels,
	}, []string{"job", "status"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "donorrecon_job_duration_seconds",
		Help:        "Wall-clock duration of a job run.",
		Buckets:     []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "donorrecon_job_errors_total",
		Help:        "Job setup failures by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	deadlineReached := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "donorrecon_job_deadline_reached_total",
		Help:        "Runs that stopped scheduling items because the run budget was spent.",
		ConstLabels: constLabels,
	}, []string{"job"})
	itemActions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "donorrecon_reconcile_items_total",
		Help:        "Reconciled records by kind and action.",
		ConstLabels: constLabels,
	}, []string{"kind", "action"})
	matchAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "donorrecon_match_attempts_total",
		Help:        "Matching strategy attempts by outcome.",
		ConstLabels: constLabels,
	}, []string{"strategy", "outcome"})
	recoverySteps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "donorrecon_recovery_steps_total",
		Help:        "Recovery pipeline steps by outcome.",
		ConstLabels: constLabels,
	}, []string{"step", "outcome"})
	duplicateGroups := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "donorrecon_duplicate_groups",
		Help:        "Duplicate groups found by the most recent scan, by confidence.",
		ConstLabels: constLabels,
	}, []string{"confidence"})
	probeFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "donorrecon_health_probe_failures_total",
		Help:        "Failed dependency health probes.",
		ConstLabels: constLabels,
	}, []string{"probe"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobErrors,
		deadlineReached,
		itemActions,
		matchAttempts,
		recoverySteps,
		duplicateGroups,
		probeFailures,
	)

	return &JobMetrics{
		jobRuns:         jobRuns,
		jobDuration:     jobDuration,
		jobErrors:       jobErrors,
		deadlineReached: deadlineReached,
		itemActions:     itemActions,
		matchAttempts:   matchAttempts,
		recoverySteps:   recoverySteps,
		duplicateGroups: duplicateGroups,
		probeFailures:   probeFailures,
	}
}

func (m *JobMetrics) ObserveRun(job, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *JobMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *JobMetrics) IncDeadlineReached(job string) {
	if m == nil {
		return
	}
	m.deadlineReached.WithLabelValues(job).Inc()
}

func (m *JobMetrics) IncItemAction(kind, action string) {
	if m == nil {
		return
	}
	m.itemActions.WithLabelValues(kind, action).Inc()
}

func (m *JobMetrics) IncMatchAttempt(strategy, outcome string) {
	if m == nil {
		return
	}
	m.matchAttempts.WithLabelValues(strategy, outcome).Inc()
}

func (m *JobMetrics) IncRecoveryStep(step string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.recoverySteps.WithLabelValues(step, outcome).Inc()
}

// SetDuplicateGroups publishes the latest scan result per confidence level.
func (m *JobMetrics) SetDuplicateGroups(counts map[string]int) {
	if m == nil {
		return
	}
	for _, confidence := range []string{"high", "medium", "low"} {
		m.duplicateGroups.WithLabelValues(confidence).Set(float64(counts[confidence]))
	}
}

func (m *JobMetrics) IncProbeFailure(probe string) {
	if m == nil {
		return
	}
	m.probeFailures.WithLabelValues(probe).Inc()
}

// ClassifyJobReason maps run failures to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	if err == nil {
		return JobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return JobReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return JobReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return JobReasonSerializationFailure
	}
	if hasPGCode(err, "23505") || db.IsDuplicateKeyErr(err) {
		return JobReasonUniqueViolation
	}
	if isDBError(err) {
		return JobReasonDB
	}
	return JobReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrUnsupportedDriver) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
