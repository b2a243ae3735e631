package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/classquiz/internal/api"
	"github.com/victornm/classquiz/internal/coordinator"
	"github.com/victornm/classquiz/internal/domain"
	"github.com/victornm/classquiz/internal/event"
	"github.com/victornm/classquiz/internal/realtime"
	"github.com/victornm/classquiz/internal/repository"
	"github.com/victornm/classquiz/internal/telemetry"
)

type Server struct {
	c Config

	metrics *telemetry.Metrics

	infra struct {
		redis    redis.UniversalClient
		postgres *pgxpool.Pool
	}

	repo     coordinator.Repository
	rt       coordinator.Realtime
	registry *api.Registry

	http *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.metrics = telemetry.NewMetrics()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	if len(s.c.Redis.Addrs) == 0 {
		slog.Info("server: redis not configured, push notifications stay in process")
		s.rt = realtime.NewHub()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	s.rt = realtime.NewRedis(realtime.Config{
		Redis:  r,
		Prefix: s.c.Redis.Prefix,
	})

	return nil
}

func (s *Server) initPostgres() error {
	if s.c.Postgres.DSN == "" {
		slog.Info("server: postgres not configured, using in-memory store")
		s.repo = repository.NewMemory()
		return nil
	}

	if s.c.Postgres.Migrate {
		if err := repository.Migrate(s.c.Postgres.DSN); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(s.c.Postgres.DSN)
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return err
	}

	s.infra.postgres = db
	s.repo = repository.NewPostgres(repository.Config{DB: db})

	return nil
}

func (s *Server) initService() {
	s.registry = api.NewRegistry(api.RegistryConfig{
		New:     s.newCoordinator,
		IdleTTL: s.c.Clients.IdleTTL,
		Clients: s.metrics.Clients,
	})
}

// newCoordinator builds the coordinator of one API client.
func (s *Server) newCoordinator() *coordinator.Coordinator {
	co := coordinator.New(coordinator.Config{
		Repository:    s.repo,
		Realtime:      s.rt,
		AdminPassword: s.c.Admin.Password,
		StoreTimeout:  s.c.Store.Timeout,
		PollInterval:  s.c.Poll.Interval,
		Countdown:     s.c.Lobby.Countdown,
		OnPoll: func(_ string, err error) {
			s.metrics.ObservePoll(err)
		},
	})

	co.EventBus().Subscribe(domain.EventNameStoreFailed, func(_ context.Context, e event.Event) error {
		if f, ok := e.(domain.EventStoreFailed); ok {
			s.metrics.StoreFailures.WithLabelValues(f.Op).Inc()
		}
		return nil
	})

	return co
}

func (s *Server) initAPI() {
	e := gin.New()
	e.Use(gin.Recovery(), telemetry.HTTPMiddleware(s.metrics), cors.New(s.corsConfig()))
	e.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	e.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	pprof.Register(e, "/debug/pprof")

	api.New(api.Config{
		Registry:       s.registry,
		AllowedOrigins: s.c.CORS.AllowedOrigins,
	}).Register(e)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

// corsConfig restricts origins to the configured list, or allows every origin when it is empty.
func (s *Server) corsConfig() cors.Config {
	c := cors.DefaultConfig()
	if len(s.c.CORS.AllowedOrigins) > 0 {
		c.AllowOrigins = s.c.CORS.AllowedOrigins
	} else {
		c.AllowAllOrigins = true
	}
	c.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	c.AllowHeaders = []string{"Origin", "Content-Type", api.HeaderClientID}
	c.MaxAge = 12 * time.Hour
	return c
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) Start() {
	ctx := s.ctx

	var eg errgroup.Group
	eg.Go(func() error {
		s.registry.Run(ctx)
		return nil
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.cancel()
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}
	s.cancel()

	s.registry.Close()

	if s.infra.redis != nil {
		if err := s.infra.redis.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close redis failed", "error", err)
		}
	}
	if s.infra.postgres != nil {
		s.infra.postgres.Close()
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
