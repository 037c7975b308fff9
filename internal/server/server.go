package server

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dmihaylov4/WRKT-sub002/internal/auth"
	"github.com/dmihaylov4/WRKT-sub002/internal/config"
	"github.com/dmihaylov4/WRKT-sub002/internal/db"
	"github.com/dmihaylov4/WRKT-sub002/internal/events"
	"github.com/dmihaylov4/WRKT-sub002/internal/metrics"
	"github.com/dmihaylov4/WRKT-sub002/internal/profile"
	"github.com/dmihaylov4/WRKT-sub002/internal/push"
	"github.com/dmihaylov4/WRKT-sub002/internal/run"
	"github.com/dmihaylov4/WRKT-sub002/internal/stream"
)

// Server assembles the coordination service: the Fiber app plus the
// background collaborators the daemon runs alongside it.
type Server struct {
	App     *fiber.App
	Cfg     config.Config
	Hub     *stream.Hub
	Runs    *run.Service
	Flusher *run.Flusher
	Reaper  *run.Reaper
	Broker  *events.Broker
}

func NewServer(cfg config.Config, pg *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	var q db.Querier
	if pg != nil {
		q = pg
	}

	broker := events.NewBroker()
	hub := stream.NewHub(rdb, log)
	flusher := run.NewFlusher(q, cfg.SnapshotFlushInterval, log)

	var profiles profile.Lookup
	if cfg.ProfileBaseURL != "" {
		profiles = profile.NewClient(cfg.ProfileBaseURL)
	}

	svc := run.NewService(q, hub, broker, flusher, run.Options{
		InviteTTL:       cfg.InviteTTL,
		ClockSkewBudget: cfg.ClockSkewBudget,
		Notifier:        push.New(cfg.PushGatewayURL, cfg.PushAppToken),
		Profiles:        profiles,
		Log:             log,
	})

	s := &Server{
		App:     app,
		Cfg:     cfg,
		Hub:     hub,
		Runs:    svc,
		Flusher: flusher,
		Reaper:  run.NewReaper(svc, cfg.ReaperInterval, cfg.AbandonedRunWindow, log),
		Broker:  broker,
	}

	registerRoutes(s, log)
	return s
}

func registerRoutes(s *Server, log zerolog.Logger) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.App.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	run.RegisterRoutes(s.App.Group("/runs"), s.Runs, jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Hub, s.Runs, jwtMiddleware, log)
}
