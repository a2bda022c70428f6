package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/gluk-w/sshrelay/internal/audit"
	"github.com/gluk-w/sshrelay/internal/config"
	"github.com/gluk-w/sshrelay/internal/credentials"
	"github.com/gluk-w/sshrelay/internal/database"
	"github.com/gluk-w/sshrelay/internal/gate"
	"github.com/gluk-w/sshrelay/internal/handlers"
	"github.com/gluk-w/sshrelay/internal/hostkeys"
	"github.com/gluk-w/sshrelay/internal/logging"
	"github.com/gluk-w/sshrelay/internal/relay"
	"github.com/gluk-w/sshrelay/internal/session"
	"github.com/gluk-w/sshrelay/internal/sshclient"
)

func main() {
	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatal().Err(err).Msg("database init")
	}
	defer database.Close()

	key, err := credentials.LoadKey(config.Cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("encryption key")
	}
	if config.Cfg.EncryptionKey == "" {
		log.Info().Msg("no encryption key configured, generated an ephemeral one")
	}
	vault := credentials.NewVault(key)

	// Host key verification
	var hostKeyCallback ssh.HostKeyCallback
	if config.Cfg.HostKeyPolicy == hostkeys.PolicyTOFU || config.Cfg.HostKeyPolicy == "" {
		store := hostkeys.NewStore(database.DB)
		handlers.HostKeys = store
		hostKeyCallback = store.Callback
	} else {
		hostKeyCallback, err = hostkeys.NewCallback(config.Cfg.HostKeyPolicy, database.DB, config.Cfg.KnownHostsPath)
		if err != nil {
			log.Fatal().Err(err).Msg("host key policy")
		}
	}

	dialer := sshclient.NewDialer(sshclient.Config{
		HostKeyCallback:   hostKeyCallback,
		ConnectTimeout:    config.Cfg.ConnectTimeout,
		KeepAliveInterval: config.Cfg.KeepAliveInterval,
	})

	policy, err := gate.LoadPolicy(config.Cfg.PolicyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("admission policy")
	}
	g := gate.New(gate.Config{
		MaxAttempts:      config.Cfg.RateLimitMaxAttempts,
		Window:           config.Cfg.RateLimitWindow,
		FailureThreshold: config.Cfg.RateLimitFailureThreshold,
		InitialBlock:     config.Cfg.RateLimitBlock,
	}, policy)

	registry := session.NewRegistry(dialer, vault, session.Options{
		ConnectTimeout:  config.Cfg.ConnectTimeout,
		MaxSessions:     config.Cfg.MaxSessions,
		OutputQueueSize: config.Cfg.OutputQueueSize,
		RecordingDir:    config.Cfg.RecordingDir,
	})
	handlers.Registry = registry

	auditor := audit.NewAuditor(database.DB, config.Cfg.AuditRetentionDays)
	registry.OnStateChange(auditor.OnStateChange)
	handlers.Auditor = auditor

	relaySrv := relay.New(registry, g, relay.Options{
		MessageRate:    rate.Limit(config.Cfg.MessageRateLimit),
		MessageBurst:   config.Cfg.MessageRateBurst,
		AllowedOrigins: config.Cfg.AllowedOrigins,
		Auditor:        auditor,
	})
	handlers.Relay = relaySrv

	log.Info().
		Str("host_key_policy", config.Cfg.HostKeyPolicy).
		Int("max_sessions", config.Cfg.MaxSessions).
		Dur("idle_timeout", config.Cfg.IdleTimeout).
		Str("recording_dir", config.Cfg.RecordingDir).
		Msg("relay initialized")

	// Background maintenance
	cronLogger := log.With().Str("module", "cron").Logger()
	sched := cron.New(cron.WithLogger(cron.PrintfLogger(&cronLogger)), cron.WithChain(cron.Recover(cron.PrintfLogger(&cronLogger))))
	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"reap idle sessions", config.Cfg.ReapSchedule, func() {
			if ids := registry.ReapIdle(config.Cfg.IdleTimeout); len(ids) > 0 {
				log.Info().Int("count", len(ids)).Msg("reaped idle sessions")
			}
		}},
		{"gate cleanup", config.Cfg.GateCleanupSchedule, func() {
			if n := g.Cleanup(); n > 0 {
				log.Debug().Int("removed", n).Msg("cleaned up admission windows")
			}
		}},
		{"audit purge", config.Cfg.AuditPurgeSchedule, func() {
			auditor.PurgeOlderThan(0)
		}},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := sched.AddFunc(j.spec, j.fn); err != nil {
			log.Fatal().Err(err).Str("job", j.name).Str("schedule", j.spec).Msg("invalid schedule")
		}
	}
	sched.Start()

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(handlers.RequestLogger(log.Logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", handlers.HealthCheck)

	// Relay WebSocket
	r.Get("/ws", handlers.RelayWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", handlers.ListSessions)
		r.Get("/sessions/{id}", handlers.GetSession)
		r.Delete("/sessions/{id}", handlers.CloseSession)

		// Files
		r.Get("/sessions/{id}/files", handlers.ListFiles)
		r.Get("/sessions/{id}/files/content", handlers.ReadFileContent)

		r.Get("/connections", handlers.ListConnections)
		r.Get("/audit", handlers.GetAuditLogs)
		r.Get("/known-hosts", handlers.ListKnownHosts)
		r.Delete("/known-hosts", handlers.ForgetKnownHost)
		r.Get("/server-logs", handlers.GetServerLogs)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(sigCtx)
	eg.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")

		<-sched.Stop().Done()
		registry.CloseAll(session.ReasonShutdown)
		relaySrv.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}
	log.Info().Msg("server stopped")
}
