package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/ndovu/selfheal/internal/app/migrate"
	"github.com/ndovu/selfheal/internal/backend"
	"github.com/ndovu/selfheal/internal/docker"
	"github.com/ndovu/selfheal/internal/domain"
	"github.com/ndovu/selfheal/internal/health"
	"github.com/ndovu/selfheal/internal/httpx"
	"github.com/ndovu/selfheal/internal/journal"
	"github.com/ndovu/selfheal/internal/notify"
	"github.com/ndovu/selfheal/internal/orchestrator"
	"github.com/ndovu/selfheal/internal/remedy"
	"github.com/ndovu/selfheal/internal/repository/postgres"
	"github.com/ndovu/selfheal/internal/rollback"
	"github.com/ndovu/selfheal/internal/ws"
	"github.com/ndovu/selfheal/pkg/config"
	"github.com/ndovu/selfheal/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadServerConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	jw, err := journal.New(cfg.JournalDir)
	if err != nil {
		log.Error("failed to open journal directory", "error", err)
		os.Exit(1)
	}

	var dockerClient *docker.Client
	if dc, err := docker.New(cfg.DockerHost); err != nil {
		log.Warn("docker unavailable, container targets disabled", "error", err)
	} else if err := dc.Ping(ctx); err != nil {
		log.Warn("docker daemon unreachable, container targets disabled", "error", err)
		_ = dc.Close()
	} else {
		dockerClient = dc
		defer dc.Close()
	}

	factory := backend.NewFactory(dockerClient, cfg.ContainerPort, cfg.StaticRoot)
	monitor := health.New(cfg, log)
	engine := remedy.New(cfg, log)
	reverter := rollback.New(monitor, log)
	dispatcher := notify.NewDispatcher(buildChannels(cfg), cfg.NotifyRetryDelay, log)

	hub := ws.NewHub()
	defer hub.Shutdown()

	orch := orchestrator.New(repo, jw, factory, monitor, engine, reverter, dispatcher, orchestrator.NewRegistry(), hub, log, cfg)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, orch, repo, jw, hub, httpx.Options{
		JWTSecret:         cfg.JWTSecret,
		AdminPasswordHash: cfg.AdminPasswordHash,
		SessionTTL:        cfg.SessionTTL,
		Limiter:           limiter,
		DBHealth:          pool.Ping,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("orchestrator api starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		orch.Wait()
		log.Info("orchestrator api stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// buildChannels assembles the notification fan-out from whatever endpoints
// are configured. Unconfigured channels are simply absent.
func buildChannels(cfg config.ServerConfig) []notify.Channel {
	var channels []notify.Channel
	if cfg.SMTPAddr != "" {
		channels = append(channels, notify.NewEmailChannel(cfg.SMTPAddr, cfg.SMTPFrom, cfg.SMTPTo, cfg.SMTPUser, cfg.SMTPPassword))
	}
	if cfg.NotifyChatURL != "" {
		channels = append(channels, notify.NewWebhookChannel(domain.ChannelChat, cfg.NotifyChatURL, cfg.NotifyAuthToken, cfg.NotifyTimeout))
	}
	if cfg.NotifySMSURL != "" {
		channels = append(channels, notify.NewWebhookChannel(domain.ChannelSMS, cfg.NotifySMSURL, cfg.NotifyAuthToken, cfg.NotifyTimeout))
	}
	if cfg.NotifyWebhookURL != "" {
		channels = append(channels, notify.NewWebhookChannel(domain.ChannelWebhook, cfg.NotifyWebhookURL, cfg.NotifyAuthToken, cfg.NotifyTimeout))
	}
	return channels
}
