package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/donorrecon/internal/clock"
	"github.com/smallbiznis/donorrecon/internal/config"
	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	joblogdomain "github.com/smallbiznis/donorrecon/internal/joblog/domain"
	joblogrepo "github.com/smallbiznis/donorrecon/internal/joblog/repository"
	joblogservice "github.com/smallbiznis/donorrecon/internal/joblog/service"
	"github.com/smallbiznis/donorrecon/internal/observability/metrics"
	"github.com/smallbiznis/donorrecon/internal/processor/processortest"
	"github.com/smallbiznis/donorrecon/internal/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type capturedAlerts struct {
	mu       sync.Mutex
	channels []string
	messages []string
	err      error
}

func (c *capturedAlerts) PostMessage(_ context.Context, channel, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.channels = append(c.channels, channel)
	c.messages = append(c.messages, message)
	return nil
}

type fixture struct {
	proc   *processortest.Fake
	clock  *clock.FakeClock
	alerts *capturedAlerts
	joblog joblogdomain.Service
	reg    *prometheus.Registry
	svc    *Service
}

func newFixture(t *testing.T, cfg config.ReconcileConfig) *fixture {
	t.Helper()
	db := storetest.Open(t)
	f := &fixture{
		proc:   processortest.New(),
		clock:  clock.NewFakeClock(time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)),
		alerts: &capturedAlerts{},
		reg:    prometheus.NewRegistry(),
	}
	f.joblog = joblogservice.NewService(joblogservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: storetest.Node(t),
		Repo:  joblogrepo.Provide(),
		Clock: f.clock,
	})
	f.svc = NewService(Params{
		DB:       db,
		Registry: processortest.NewRegistry(f.proc, donationdomain.ModeLive),
		JobLog:   f.joblog,
		Alert:    f.alerts,
		Config:   config.Config{Alert: config.AlertConfig{Channel: "#donor-ops"}},
		Holder:   config.NewStaticReconcileConfigHolder(cfg),
		Clock:    f.clock,
		Jobs:     metrics.NewJobMetrics(f.reg, metrics.Config{ServiceName: "donorrecon-test"}),
		Log:      zap.NewNop(),
	})
	return f
}

func TestCheckHealthy(t *testing.T) {
	f := newFixture(t, config.DefaultReconcileConfig())

	report, err := f.svc.CheckAndAlert(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	require.Len(t, report.Probes, 2)
	assert.Equal(t, ProbeStore, report.Probes[0].Name)
	assert.Equal(t, "processor.live", report.Probes[1].Name)
	assert.Empty(t, f.alerts.messages)
}

func TestCheckAndAlertHonoursCooldown(t *testing.T) {
	f := newFixture(t, config.DefaultReconcileConfig())
	f.proc.Errors["balance.get"] = errors.New("stripe: 503")

	report, err := f.svc.CheckAndAlert(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	assert.True(t, report.Alerted)
	require.Len(t, f.alerts.messages, 1)
	assert.Equal(t, "#donor-ops", f.alerts.channels[0])
	assert.Contains(t, f.alerts.messages[0], "processor.live: stripe: 503")

	run, err := f.joblog.Latest(context.Background(), joblogdomain.JobHealthAlert)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts.Errors)

	f.clock.Advance(3 * time.Hour)
	report, err = f.svc.CheckAndAlert(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Alerted)
	assert.Len(t, f.alerts.messages, 1)

	f.clock.Advance(time.Hour)
	report, err = f.svc.CheckAndAlert(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Alerted)
	assert.Len(t, f.alerts.messages, 2)

	assert.Equal(t, 1, testutil.CollectAndCount(f.reg, "donorrecon_health_probe_failures_total"))
}

func TestProbeTimeout(t *testing.T) {
	cfg := config.DefaultReconcileConfig()
	cfg.Alerts.ProbeTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)
	f.proc.BalanceDelay = time.Second

	report := f.svc.Check(context.Background())
	assert.False(t, report.Healthy)
	assert.True(t, report.Probes[0].OK)
	assert.False(t, report.Probes[1].OK)
	assert.NotEmpty(t, report.Probes[1].Error)
}

func TestAlertPostFailureIsRecorded(t *testing.T) {
	f := newFixture(t, config.DefaultReconcileConfig())
	f.proc.Errors["balance.get"] = errors.New("stripe: 503")
	f.alerts.err = errors.New("slack_webhook_failed_status_500")

	report, err := f.svc.CheckAndAlert(context.Background())
	assert.Error(t, err)
	assert.False(t, report.Alerted)

	run, err := f.joblog.Latest(context.Background(), joblogdomain.JobHealthAlert)
	require.NoError(t, err)
	assert.Equal(t, joblogdomain.RunStatusFailed, run.Status)
	require.Len(t, run.Errors, 2)
}

func TestFailedAlertPostDoesNotStartCooldown(t *testing.T) {
	f := newFixture(t, config.DefaultReconcileConfig())
	f.proc.Errors["balance.get"] = errors.New("stripe: 503")
	f.alerts.err = errors.New("slack_webhook_failed_status_500")

	_, err := f.svc.CheckAndAlert(context.Background())
	require.Error(t, err)

	f.alerts.err = nil
	f.clock.Advance(time.Minute)
	report, err := f.svc.CheckAndAlert(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Alerted)
	assert.Len(t, f.alerts.messages, 1)

	run, err := f.joblog.Latest(context.Background(), joblogdomain.JobHealthAlert)
	require.NoError(t, err)
	assert.Equal(t, "processor.live", run.Input[joblogdomain.InputAlertKey])
}

func TestFailureKeyIsOrderIndependent(t *testing.T) {
	a := Report{Probes: []ProbeResult{{Name: "processor.test"}, {Name: ProbeStore, OK: true}, {Name: "processor.live"}}}
	b := Report{Probes: []ProbeResult{{Name: "processor.live"}, {Name: "processor.test"}}}

	assert.Equal(t, "processor.live,processor.test", failureKey(a))
	assert.Equal(t, failureKey(a), failureKey(b))
	assert.NotEqual(t, failureKey(a), failureKey(Report{Probes: []ProbeResult{{Name: "processor.live"}}}))
}
