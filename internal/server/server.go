package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/donorrecon/internal/authorization"
	"github.com/smallbiznis/donorrecon/internal/config"
	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	"github.com/smallbiznis/donorrecon/internal/health"
	joblogdomain "github.com/smallbiznis/donorrecon/internal/joblog/domain"
	"github.com/smallbiznis/donorrecon/internal/observability"
	obsmiddleware "github.com/smallbiznis/donorrecon/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/donorrecon/internal/observability/metrics"
	obstracing "github.com/smallbiznis/donorrecon/internal/observability/tracing"
	recondomain "github.com/smallbiznis/donorrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/donorrecon/internal/reconciliation/duplicate"
	reconservice "github.com/smallbiznis/donorrecon/internal/reconciliation/service"
	recoverydomain "github.com/smallbiznis/donorrecon/internal/recovery/domain"
	recoveryservice "github.com/smallbiznis/donorrecon/internal/recovery/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

// Reconciler runs and diagnoses reconciliation over one record kind.
type Reconciler interface {
	Run(ctx context.Context, req recondomain.Request) (*recondomain.Response, error)
	Diagnose(ctx context.Context, kind donationdomain.Kind, id snowflake.ID) (*reconservice.Diagnosis, error)
}

type Recoverer interface {
	RecoverMissing(ctx context.Context, req recoverydomain.Request) (*recoverydomain.Summary, error)
}

type Duplicates interface {
	Scan(ctx context.Context, mode donationdomain.Mode) (*duplicate.Report, error)
	Mark(ctx context.Context, req duplicate.MarkRequest) (*duplicate.MarkResult, error)
	Delete(ctx context.Context, kind donationdomain.Kind, id snowflake.ID) error
}

type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http.server.listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http.server.failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	authzSvc     authorization.Service
	reconciler   Reconciler
	recoverer    Recoverer
	duplicates   Duplicates
	jobLog       joblogdomain.Service
	health       HealthChecker
	maxUploadMiB int64
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	AuthzSvc   authorization.Service
	Reconciler *reconservice.Service
	Recoverer  *recoveryservice.Service
	Duplicates *duplicate.Service
	JobLog     joblogdomain.Service
	Health     *health.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("http.server"),
		authzSvc:     p.AuthzSvc,
		reconciler:   p.Reconciler,
		recoverer:    p.Recoverer,
		duplicates:   p.Duplicates,
		jobLog:       p.JobLog,
		health:       p.Health,
		maxUploadMiB: 20,
	}

	svc.registerHealthRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerHealthRoutes() {
	s.engine.GET("/health", s.Health)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(s.OperatorRequired())

	admin.POST("/reconcile/:kind", s.authorize(authorization.ObjectReconciliation, authorization.ActionRun), s.RunReconciliation)
	admin.POST("/recover", s.authorize(authorization.ObjectRecovery, authorization.ActionRun), s.RecoverMissing)

	admin.GET("/duplicates", s.authorize(authorization.ObjectDuplicates, authorization.ActionView), s.ScanDuplicates)
	admin.POST("/duplicates/mark", s.authorize(authorization.ObjectDuplicates, authorization.ActionMark), s.MarkDuplicates)

	admin.GET("/match/:kind/:id", s.authorize(authorization.ObjectRecords, authorization.ActionView), s.DiagnoseRecord)
	admin.DELETE("/records/:kind/:id", s.authorize(authorization.ObjectRecords, authorization.ActionDelete), s.DeleteRecord)

	admin.GET("/jobs/:name/latest", s.authorize(authorization.ObjectJobs, authorization.ActionView), s.LatestJobRun)
}

func (s *Server) Health(c *gin.Context) {
	report := s.health.Check(c.Request.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
