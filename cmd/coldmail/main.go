package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/api"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/auth"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/config"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/credentials"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/dispatch"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/smtpsink"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/sse"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/store"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/tracking"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/transport"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := cfg.NewLogger()

	if err := run(cfg, logger); err != nil {
		logger.Error("coldmail stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.OpenSQLite(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	checks := []func(context.Context) error{db.Ping}

	var trackingStore store.TrackingStore = db
	if cfg.TrackingStore == "file" {
		fs, err := store.OpenFileStore(cfg.TrackingLogPath)
		if err != nil {
			return fmt.Errorf("open tracking log: %w", err)
		}
		defer fs.Close()
		trackingStore = fs
		logger.Info("tracking records kept in append-only log", "path", cfg.TrackingLogPath)
	}

	var (
		recorder  dispatch.Recorder  = db
		campaigns api.CampaignLister = db
	)
	if cfg.PostgresDSN != "" {
		pg, err := store.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure postgres schema: %w", err)
		}
		recorder, campaigns = pg, pg
		checks = append(checks, pg.Ping)
	}

	authManager, err := auth.New(cfg.AuthSecret, cfg.AuthMaxAge)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	if cfg.AuthSecret == "" {
		logger.Warn("AUTH_SECRET not set; tokens reset on restart")
	}

	resolver, err := buildResolver(cfg, db)
	if err != nil {
		return err
	}
	if len(resolver) == 0 {
		logger.Warn("no sender credentials configured; every campaign will fail credential lookup")
	}

	var sink *smtpsink.Server
	if cfg.SinkEnabled {
		users := map[string]string{}
		if cfg.SenderEmail != "" {
			users[cfg.SenderEmail] = cfg.SenderSecret
		}
		sink = smtpsink.New(smtpsink.Config{Addr: fmt.Sprintf(":%d", cfg.SinkPort), Users: users}, logger.With("component", "smtpsink"))
		cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPTLSMode = "127.0.0.1", cfg.SinkPort, string(transport.TLSNone)
		logger.Warn("smtp sink enabled; outgoing mail is captured locally", "port", cfg.SinkPort)
	}

	tlsMode, err := transport.ParseTLSMode(cfg.SMTPTLSMode)
	if err != nil {
		return err
	}
	pool := transport.NewPool(&transport.SMTPDialer{
		Host:              cfg.SMTPHost,
		Port:              cfg.SMTPPort,
		TLSMode:           tlsMode,
		SubmissionTimeout: cfg.SendTimeout,
	}, logger.With("component", "transport"),
		transport.WithTTL(cfg.PoolTTL),
		transport.WithMaxConnections(cfg.PoolMaxConnections),
		transport.WithMaxMessages(cfg.PoolMaxMessages),
		transport.WithVerifyTimeout(cfg.VerifyTimeout),
		transport.WithSendTimeout(cfg.SendTimeout),
	)
	defer pool.Close()

	hub := sse.NewHub()
	tracker := tracking.NewService(cfg.PublicBaseURL, trackingStore, hub, logger.With("component", "tracking"))
	orchestrator := dispatch.New(dispatch.Deps{
		Transport:   pool,
		Tracker:     tracker,
		Credentials: resolver,
		Recorder:    recorder,
		Logger:      logger.With("component", "dispatch"),
	}, dispatch.Options{Stagger: cfg.SendStagger, FromName: cfg.SenderName})

	apiServer := api.NewServer(api.Deps{
		Dispatcher: orchestrator,
		Tracking:   tracker,
		Campaigns:  campaigns,
		Pool:       pool,
		Hub:        hub,
		Auth:       authManager,
		Logger:     logger,
		Ready: func(ctx context.Context) error {
			for _, check := range checks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", httpAddr, "public_url", cfg.PublicBaseURL)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if sink != nil {
		g.Go(sink.ListenAndServe)
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown http", "error", err)
		}
		if sink != nil {
			if err := sink.Close(); err != nil {
				logger.Error("shutdown smtp sink", "error", err)
			}
		}
		return nil
	})
	return g.Wait()
}

// buildResolver prefers stored sender accounts and falls back to the
// account configured in the environment.
func buildResolver(cfg config.Config, db *store.SQLite) (credentials.Chain, error) {
	var chain credentials.Chain
	if cfg.CredentialsKey != "" {
		key, err := credentials.ParseKey(cfg.CredentialsKey)
		if err != nil {
			return nil, fmt.Errorf("parse CREDENTIALS_KEY: %w", err)
		}
		cipher, err := credentials.NewCipher(key)
		if err != nil {
			return nil, err
		}
		chain = append(chain, credentials.NewStoreResolver(db, cipher))
	}
	if cfg.SenderEmail != "" && cfg.SenderSecret != "" {
		chain = append(chain, credentials.Static{Credential: transport.Credential{
			Email:  cfg.SenderEmail,
			Secret: cfg.SenderSecret,
		}})
	}
	return chain, nil
}
