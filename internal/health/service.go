package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/donorrecon/internal/clock"
	"github.com/smallbiznis/donorrecon/internal/config"
	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	joblogdomain "github.com/smallbiznis/donorrecon/internal/joblog/domain"
	"github.com/smallbiznis/donorrecon/internal/observability/metrics"
	processordomain "github.com/smallbiznis/donorrecon/internal/processor/domain"
	"github.com/smallbiznis/donorrecon/internal/providers/slack"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	ProbeStore     = "store"
	probeProcessor = "processor"
)

// ProbeResult is the outcome of one dependency check.
type ProbeResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

type Report struct {
	Healthy   bool          `json:"healthy"`
	CheckedAt time.Time     `json:"checkedAt"`
	Probes    []ProbeResult `json:"probes"`
	Alerted   bool          `json:"alerted"`
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Registry processordomain.Registry
	JobLog   joblogdomain.Service
	Alert    slack.Provider `optional:"true"`
	Config   config.Config
	Holder   *config.ReconcileConfigHolder
	Clock    clock.Clock
	Jobs     *metrics.JobMetrics `optional:"true"`
	Metrics  *metrics.Metrics    `optional:"true"`
	Log      *zap.Logger
}

type Service struct {
	db       *gorm.DB
	registry processordomain.Registry
	joblog   joblogdomain.Service
	alert    slack.Provider
	channel  string
	holder   *config.ReconcileConfigHolder
	clock    clock.Clock
	jobs     *metrics.JobMetrics
	metrics  *metrics.Metrics
	log      *zap.Logger

	// alertMu serializes the cooldown read and the alert run it guards.
	alertMu sync.Mutex
}

func NewService(p Params) *Service {
	alert := p.Alert
	if alert == nil {
		alert = &slack.NoOpProvider{}
	}
	return &Service{
		db:       p.DB,
		registry: p.Registry,
		joblog:   p.JobLog,
		alert:    alert,
		channel:  p.Config.Alert.Channel,
		holder:   p.Holder,
		clock:    p.Clock,
		jobs:     p.Jobs,
		metrics:  p.Metrics,
		log:      p.Log.Named("health.service"),
	}
}

// Check probes the store and every configured processor mode, each under the
// configured probe timeout.
func (s *Service) Check(ctx context.Context) Report {
	timeout := s.holder.Get().Alerts.ProbeTimeout
	report := Report{Healthy: true, CheckedAt: s.clock.Now()}

	report.Probes = append(report.Probes, s.probe(ctx, ProbeStore, timeout, s.pingStore))
	for _, mode := range []donationdomain.Mode{donationdomain.ModeLive, donationdomain.ModeTest} {
		proc, err := s.registry.ForMode(mode)
		if errors.Is(err, processordomain.ErrModeNotConfigured) {
			continue
		}
		name := probeProcessor + "." + string(mode)
		if err != nil {
			report.Probes = append(report.Probes, ProbeResult{Name: name, Error: err.Error()})
			continue
		}
		report.Probes = append(report.Probes, s.probe(ctx, name, timeout, func(ctx context.Context) error {
			_, err := proc.Balance(ctx)
			return err
		}))
	}

	for _, p := range report.Probes {
		if !p.OK {
			report.Healthy = false
			s.jobs.IncProbeFailure(p.Name)
		}
	}
	return report
}

// CheckAndAlert runs Check and, when a probe failed and no alert for the same
// set of failed probes was delivered within the cooldown, posts one and
// records it as a health_alert run.
func (s *Service) CheckAndAlert(ctx context.Context) (Report, error) {
	report := s.Check(ctx)
	if report.Healthy {
		return report, nil
	}

	s.alertMu.Lock()
	defer s.alertMu.Unlock()

	key := failureKey(report)
	cooldown := s.holder.Get().Alerts.Cooldown
	due, err := s.joblog.ShouldAlert(ctx, joblogdomain.JobHealthAlert, key, cooldown)
	if err != nil {
		return report, fmt.Errorf("read alert cooldown: %w", err)
	}
	if !due {
		s.metrics.RecordAlert(ctx, "suppressed")
		s.log.Info("health.alert.suppressed", zap.String("failed", key), zap.Duration("cooldown", cooldown))
		return report, nil
	}

	failures := []joblogdomain.ItemError{}
	for _, p := range report.Probes {
		if !p.OK {
			failures = append(failures, joblogdomain.ItemError{RecordID: p.Name, Message: p.Error})
		}
	}

	runID, err := s.joblog.Start(ctx, joblogdomain.JobHealthAlert, "", map[string]any{
		"failed":                   len(failures),
		joblogdomain.InputAlertKey: key,
	})
	if err != nil {
		return report, fmt.Errorf("start alert run: %w", err)
	}

	postErr := s.alert.PostMessage(ctx, s.channel, alertText(report))
	summary := joblogdomain.Summary{
		Counts: joblogdomain.Counts{Checked: len(report.Probes), Errors: len(failures)},
		Errors: failures,
		Status: joblogdomain.RunStatusPartial,
	}
	if postErr != nil {
		summary.Status = joblogdomain.RunStatusFailed
		summary.Errors = append(summary.Errors, joblogdomain.ItemError{RecordID: "alert", Message: postErr.Error()})
		s.metrics.RecordAlert(ctx, "failed")
		s.log.Error("health.alert.failed", zap.Error(postErr))
	} else {
		report.Alerted = true
		s.metrics.RecordAlert(ctx, "sent")
		s.log.Warn("health.alert.sent", zap.Int("failed_probes", len(failures)))
	}
	if _, err := s.joblog.Finish(ctx, runID, summary); err != nil {
		s.log.Warn("health.joblog.finish_failed", zap.Error(err))
	}
	return report, postErr
}

// failureKey names the failed probes in sorted order.
func failureKey(report Report) string {
	names := []string{}
	for _, p := range report.Probes {
		if !p.OK {
			names = append(names, p.Name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func (s *Service) probe(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	errc := make(chan error, 1)
	go func() { errc <- fn(probeCtx) }()

	var err error
	select {
	case err = <-errc:
	case <-probeCtx.Done():
		err = fmt.Errorf("timed out after %s", timeout)
	}

	result := ProbeResult{Name: name, OK: err == nil, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		result.Error = err.Error()
		s.log.Warn("health.probe.failed", zap.String("probe", name), zap.Error(err))
	}
	return result
}

func (s *Service) pingStore(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func alertText(report Report) string {
	var b strings.Builder
	b.WriteString(":rotating_light: donorrecon health check failed")
	for _, p := range report.Probes {
		if p.OK {
			continue
		}
		fmt.Fprintf(&b, "\n- %s: %s", p.Name, p.Error)
	}
	return b.String()
}
