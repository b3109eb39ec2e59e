package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ReconcileConfig is the operator-tunable part of the engine, read from reconcile.yml.
type ReconcileConfig struct {
	Matching   MatchingConfig   `mapstructure:"matching"`
	Duplicates DuplicatesConfig `mapstructure:"duplicates"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Alerts     AlertPolicy      `mapstructure:"alerts"`
	RateLimit  RateLimitConfig  `mapstructure:"rateLimit"`
}

type MatchingConfig struct {
	// AmountTolerance is in major currency units.
	AmountTolerance float64       `mapstructure:"amountTolerance"`
	TimeWindow      time.Duration `mapstructure:"timeWindow"`
	MaxCustomers    int           `mapstructure:"maxCustomers"`
}

func (c MatchingConfig) Tolerance() decimal.Decimal {
	return decimal.NewFromFloat(c.AmountTolerance)
}

type DuplicatesConfig struct {
	HighWindow    time.Duration `mapstructure:"highWindow"`
	MediumWindow  time.Duration `mapstructure:"mediumWindow"`
	MinConfidence string        `mapstructure:"minConfidence"`
}

type BatchConfig struct {
	Size      int           `mapstructure:"size"`
	MaxSize   int           `mapstructure:"maxSize"`
	PageSize  int           `mapstructure:"pageSize"`
	RunBudget time.Duration `mapstructure:"runBudget"`
}

type AlertPolicy struct {
	Cooldown     time.Duration `mapstructure:"cooldown"`
	ProbeTimeout time.Duration `mapstructure:"probeTimeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requestsPerSecond"`
	Burst             int     `mapstructure:"burst"`
}

func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		Matching: MatchingConfig{
			AmountTolerance: 0.01,
			TimeWindow:      24 * time.Hour,
			MaxCustomers:    5,
		},
		Duplicates: DuplicatesConfig{
			HighWindow:    5 * time.Second,
			MediumWindow:  60 * time.Second,
			MinConfidence: "high",
		},
		Batch: BatchConfig{
			Size:      50,
			MaxSize:   200,
			PageSize:  25,
			RunBudget: 50 * time.Second,
		},
		Alerts: AlertPolicy{
			Cooldown:     4 * time.Hour,
			ProbeTimeout: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 2,
			Burst:             2,
		},
	}
}

func (c ReconcileConfig) withDefaults() ReconcileConfig {
	defaults := DefaultReconcileConfig()
	if c.Matching.AmountTolerance < 0 {
		c.Matching.AmountTolerance = defaults.Matching.AmountTolerance
	}
	if c.Matching.TimeWindow <= 0 {
		c.Matching.TimeWindow = defaults.Matching.TimeWindow
	}
	if c.Matching.MaxCustomers <= 0 {
		c.Matching.MaxCustomers = defaults.Matching.MaxCustomers
	}
	if c.Duplicates.HighWindow <= 0 {
		c.Duplicates.HighWindow = defaults.Duplicates.HighWindow
	}
	if c.Duplicates.MediumWindow <= 0 {
		c.Duplicates.MediumWindow = defaults.Duplicates.MediumWindow
	}
	if strings.TrimSpace(c.Duplicates.MinConfidence) == "" {
		c.Duplicates.MinConfidence = defaults.Duplicates.MinConfidence
	}
	c.Duplicates.MinConfidence = strings.ToLower(strings.TrimSpace(c.Duplicates.MinConfidence))
	if c.Batch.Size <= 0 {
		c.Batch.Size = defaults.Batch.Size
	}
	if c.Batch.MaxSize <= 0 {
		c.Batch.MaxSize = defaults.Batch.MaxSize
	}
	if c.Batch.PageSize <= 0 {
		c.Batch.PageSize = defaults.Batch.PageSize
	}
	if c.Batch.RunBudget <= 0 {
		c.Batch.RunBudget = defaults.Batch.RunBudget
	}
	if c.Alerts.Cooldown <= 0 {
		c.Alerts.Cooldown = defaults.Alerts.Cooldown
	}
	if c.Alerts.ProbeTimeout <= 0 {
		c.Alerts.ProbeTimeout = defaults.Alerts.ProbeTimeout
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = defaults.RateLimit.RequestsPerSecond
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaults.RateLimit.Burst
	}
	return c
}

// ValidateReconcileConfig rejects settings the engine cannot run with.
func ValidateReconcileConfig(cfg ReconcileConfig) error {
	if cfg.Duplicates.HighWindow >= cfg.Duplicates.MediumWindow {
		return errors.New("duplicates.highWindow must be shorter than duplicates.mediumWindow")
	}
	switch cfg.Duplicates.MinConfidence {
	case "high", "medium", "low":
	default:
		return fmt.Errorf("duplicates.minConfidence %q must be one of high, medium, low", cfg.Duplicates.MinConfidence)
	}
	if cfg.Batch.Size > cfg.Batch.MaxSize {
		return errors.New("batch.size cannot exceed batch.maxSize")
	}
	if cfg.Matching.AmountTolerance > 100 {
		return errors.New("matching.amountTolerance is unreasonably large")
	}
	return nil
}

// ReconcileConfigHolder serves the current tuning and swaps it when reconcile.yml changes.
type ReconcileConfigHolder struct {
	current atomic.Value // holds ReconcileConfig
	log     *zap.Logger
}

// NewStaticReconcileConfigHolder returns a holder that never reloads.
func NewStaticReconcileConfigHolder(cfg ReconcileConfig) *ReconcileConfigHolder {
	holder := &ReconcileConfigHolder{log: zap.NewNop()}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func NewReconcileConfigHolder(appCfg Config, log *zap.Logger) (*ReconcileConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.reconcile")

	v := viper.New()
	if appCfg.ReconcileConfigPath != "" {
		v.SetConfigFile(filepath.Clean(appCfg.ReconcileConfigPath))
	} else {
		v.SetConfigName("reconcile")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/donorrecon")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DONORRECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &ReconcileConfigHolder{log: log}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("config.reconcile.defaults", zap.String("reason", "reconcile.yml not found"))
		holder.current.Store(DefaultReconcileConfig())
		return holder, nil
	}

	cfg, err := decodeReconcileConfig(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(cfg)

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeReconcileConfig(v)
		if err != nil {
			log.Warn("config.reconcile.reload_rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("config.reconcile.reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

func decodeReconcileConfig(v *viper.Viper) (ReconcileConfig, error) {
	cfg := DefaultReconcileConfig()
	if err := v.UnmarshalKey("reconcile", &cfg); err != nil {
		return ReconcileConfig{}, err
	}
	cfg = cfg.withDefaults()
	if err := ValidateReconcileConfig(cfg); err != nil {
		return ReconcileConfig{}, err
	}
	return cfg, nil
}

func (h *ReconcileConfigHolder) Get() ReconcileConfig {
	if h == nil {
		return DefaultReconcileConfig()
	}
	return h.current.Load().(ReconcileConfig)
}
