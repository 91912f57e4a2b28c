// Package server exposes the intake gateway endpoint and the staff review API over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"feedbackdesk/internal/abuse"
	"feedbackdesk/internal/cache"
	"feedbackdesk/internal/config"
	"feedbackdesk/internal/database"
	"feedbackdesk/internal/draft"
	"feedbackdesk/internal/intake"
	"feedbackdesk/internal/middleware"
	"feedbackdesk/internal/models"
	"feedbackdesk/internal/notifications"
	"feedbackdesk/internal/observability"
	"feedbackdesk/internal/repository"
	"feedbackdesk/internal/service"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	promOnce       sync.Once
	promMiddleware *fiberprometheus.FiberPrometheus
)

// metrics returns the process-wide HTTP metrics middleware. It registers with the default
// Prometheus registry, which rejects a second registration.
func metrics() *fiberprometheus.FiberPrometheus {
	promOnce.Do(func() {
		promMiddleware = fiberprometheus.New("feedbackdesk")
	})
	return promMiddleware
}

// Server holds all dependencies and provides handlers
type Server struct {
	config *config.Config
	db     *gorm.DB
	redis  *redis.Client
	app    *fiber.App
	now    func() time.Time

	notifier    *notifications.Notifier
	drafts      *draft.Accumulator
	detector    *abuse.Detector
	bans        *service.BanService
	submissions *service.SubmissionService
	review      *service.ReviewService
	dispatcher  *intake.Dispatcher
}

// Option customises a Server built by NewServerWithDeps.
type Option func(*Server)

// WithClock replaces the wall clock used by every time-dependent component.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer connects to the database and Redis and wires every component.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return NewServerWithDeps(cfg, db, cache.Connect(ctx, cfg.RedisURL)), nil
}

// NewServerWithDeps creates a Server using already-initialized dependencies. redisClient may
// be nil, in which case outbound deliveries are dropped.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, opts ...Option) *Server {
	s := &Server{
		config: cfg,
		db:     db,
		redis:  redisClient,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	// Parse the staff list before handlers start reading it concurrently.
	_ = cfg.StaffIDs()

	s.notifier = notifications.NewNotifier(redisClient, cfg.OutboundRatePerSec)
	s.bans = service.NewBanService(repository.NewBanRepository(db), cfg.IsStaff, cfg.BanHistoryRetention, s.now)
	s.submissions = service.NewSubmissionService(
		repository.NewSubmissionRepository(db), s.bans, s.notifier, cfg.BannedSubmissionInterval, s.now)
	s.review = service.NewReviewService(s.submissions, s.bans, s.notifier)
	s.drafts = draft.New(cfg.MaxSubmissionLength, cfg.DraftIdleTimeout, draft.WithClock(s.now))
	s.detector = abuse.NewDetector(abuse.Config{
		Window:         cfg.AbuseWindow,
		MaxEvents:      cfg.AbuseMaxEvents,
		DuplicateLimit: cfg.AbuseDuplicateLimit,
	}, s.bans, s.now)
	s.dispatcher = intake.NewDispatcher(s.drafts, s.detector, s.submissions, s.review, cfg.IsStaff)
	return s
}

// App returns the configured Fiber app, building it on first use.
func (s *Server) App() *fiber.App {
	if s.app != nil {
		return s.app
	}
	app := fiber.New(fiber.Config{
		AppName:               "feedbackdesk",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
			}
			observability.Logger.ErrorContext(c.UserContext(), "Unhandled request error", slog.String("error", err.Error()))
			return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{Error: "internal server error"})
		},
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	s.app = app
	return app
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.TracingMiddleware())
	app.Use(middleware.ContextMiddleware())
	app.Use(metrics().Middleware)
	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	metrics().RegisterAt(app, "/metrics")

	api := app.Group("/api")

	// Per-user flood control for the gateway lives in the abuse detector.
	api.Post("/events", middleware.GatewayRequired(s.config.GatewayToken), s.HandleEvent)

	staff := api.Group("/staff",
		middleware.AuthRequired(s.config.JWTSecret),
		middleware.StaffRequired(s.config.IsStaff),
		middleware.RateLimit(s.redis, 300, time.Minute, "staff"),
	)

	staff.Get("/submissions", s.ListSubmissions)
	staff.Post("/submissions/page/next", s.NextPage)
	staff.Post("/submissions/page/prev", s.PrevPage)
	staff.Get("/submissions/:id", s.GetSubmission)
	staff.Post("/submissions/:id/solve", s.SolveSubmission)
	staff.Post("/submissions/:id/delete", s.RequestDelete)
	staff.Post("/submissions/:id/delete/confirm", s.ConfirmDelete)
	staff.Delete("/submissions/:id/delete", s.CancelDelete)
	staff.Post("/submissions/:id/reply", s.ReplySubmission)
	staff.Get("/stats", s.SubmissionStats)

	staff.Get("/bans", s.ListBans)
	staff.Get("/bans/stats", s.BanStats)
	staff.Post("/bans/cleanup", s.CleanupBans)
	staff.Post("/bans/:userId", s.BanUser)
	staff.Delete("/bans/:userId", s.UnbanUser)

	staff.Get("/users/:userId", s.FindUser)
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   s.now(),
	})
}

// ReadinessCheck reports whether the store answers. Redis is optional; without it outbound
// deliveries are dropped, so it is reported but does not fail readiness.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	if err := s.submissions.Ping(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "healthy"
	if s.redis == nil {
		redisStatus = "disabled"
	} else if err := s.redis.Ping(ctx).Err(); err != nil {
		redisStatus = "unhealthy"
	}

	status := fiber.StatusOK
	overall := "healthy"
	if dbStatus != "healthy" {
		status = fiber.StatusServiceUnavailable
		overall = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overall,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"time": s.now(),
	})
}

// Run serves HTTP on the configured port and runs the background sweepers until ctx is done,
// then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	app := s.App()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		observability.Logger.Info("Server starting", slog.String("port", s.config.Port))
		if err := app.Listen(":" + s.config.Port); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error { return s.drafts.Run(gctx, s.config.DraftSweepInterval) })
	g.Go(func() error { return s.detector.Run(gctx) })
	g.Go(func() error { return s.bans.Run(gctx, s.config.BanCleanupInterval) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http: %w", err))
		}
	}
	if sqlDB, err := s.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	observability.Logger.Info("Server shutdown complete")
	return errors.Join(errs...)
}
