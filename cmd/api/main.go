package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"granada.sch.id/backoffice/internal/auth"
	"granada.sch.id/backoffice/internal/config"
	"granada.sch.id/backoffice/internal/httpapi"
	"granada.sch.id/backoffice/internal/notify"
	"granada.sch.id/backoffice/internal/obs"
	"granada.sch.id/backoffice/internal/session"
	"granada.sch.id/backoffice/internal/store/memory"
	"granada.sch.id/backoffice/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := obs.NewLogger(cfg.Env, cfg.LogLevel).With(slog.String("service", obs.ServiceName))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("exit", slog.Any("err", err))
		os.Exit(1)
	}
}

// backends are the stores behind auth.Service plus their pings and closers.
type backends struct {
	identities  auth.IdentityStore
	credentials auth.CredentialStore
	resets      auth.ResetStore
	sessions    auth.SessionStore
	probe       httpapi.ReadyProbe
	closers     []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}
	mem := memory.New(nil)

	if cfg.DB.DSN != "" {
		db, err := pg.Open(cfg.DB.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		b.closers = append(b.closers, func() { _ = db.Close() })
		if err := db.Ping(ctx); err != nil {
			b.close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		b.identities, b.credentials, b.resets = db.Identities(), db.Credentials(), db.Resets()
		b.probe = append(b.probe, httpapi.Check{Name: "postgres", Ping: db.Ping})
		logger.Info("using postgres stores")
	} else {
		b.identities, b.credentials, b.resets = mem.Identities, mem.Credentials, mem.Resets
		logger.Warn("DATABASE_URL not set, using in-memory stores")
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.closers = append(b.closers, func() { _ = client.Close() })
		store := session.NewStore(client, cfg.Redis.Prefix)
		if err := store.Ping(ctx); err != nil {
			b.close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		b.sessions = store
		b.probe = append(b.probe, httpapi.Check{Name: "redis", Ping: store.Ping})
		logger.Info("using redis sessions", slog.String("addr", cfg.Redis.Addr))
	} else {
		b.sessions = mem.Sessions
		logger.Warn("REDIS_ADDR not set, using in-memory sessions")
	}
	return b, nil
}

func openSender(cfg config.NotifyConfig, logger *slog.Logger) (notify.Sender, func(), error) {
	switch cfg.Driver {
	case config.NotifySMTP:
		s, err := notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
		return s, func() {}, err
	case config.NotifyMQTT:
		s, err := notify.DialMQTT(notify.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return notify.LogSender{Logger: logger}, func() {}, nil
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = obs.IntoContext(ctx, logger)

	obs.Init()
	obs.InitBuildInfo(version, commit)

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	sender, closeSender, err := openSender(cfg.Notify, logger)
	if err != nil {
		return fmt.Errorf("notify %s: %w", cfg.Notify.Driver, err)
	}
	defer closeSender()
	dispatcher := notify.NewDispatcher(sender, notify.WithLogger(logger))
	defer dispatcher.Wait()

	issuer, err := auth.NewIssuer(cfg.Auth.AccessSecret, cfg.Auth.RefreshSecret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
	)
	if err != nil {
		return err
	}
	svc, err := auth.NewService(auth.Deps{
		Identities:  b.identities,
		Credentials: b.credentials,
		Resets:      b.resets,
		Sessions:    b.sessions,
		Issuer:      issuer,
		Notifier:    dispatcher,
	},
		auth.WithSessionTTL(cfg.Auth.SessionTTL),
		auth.WithOTPTTL(cfg.Auth.OTPTTL),
		auth.WithBcryptCost(cfg.Auth.BcryptCost),
		auth.WithResetPolicy(auth.ResetPolicy{
			AllowUnscopedOTP:     cfg.Auth.Reset.AllowUnscopedOTP,
			ConcealUnknownHandle: cfg.Auth.Reset.ConcealUnknownHandle,
			MaxOTPAttempts:       cfg.Auth.Reset.MaxOTPAttempts,
		}),
	)
	if err != nil {
		return err
	}
	identities, err := auth.NewIdentityService(b.identities, b.credentials, b.sessions, cfg.Auth.BcryptCost)
	if err != nil {
		return err
	}

	trusted, err := httpapi.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return err
	}
	api := httpapi.New(svc, identities, b.probe, httpapi.Options{
		Version:        version,
		Logger:         logger,
		CookieSecure:   cfg.HTTP.CookieSecure,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		RateBurst:      cfg.HTTP.RateLimit.Burst,
		RatePerSecond:  cfg.HTTP.RateLimit.PerSecond,
		TrustedProxies: trusted,
	})
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.RequestTimeout,
		ReadHeaderTimeout: cfg.HTTP.RequestTimeout,
		WriteTimeout:      cfg.HTTP.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	health := httpapi.NewGRPCHealth(b.probe)
	health.Register(grpcServer)
	grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	go svc.RunJanitor(ctx, cfg.Auth.JanitorInterval)
	go health.Run(ctx, 10*time.Second)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", slog.String("addr", srv.Addr), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		logger.Info("grpc listening", slog.String("addr", cfg.GRPC.Addr))
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", slog.Any("err", err))
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("http shutdown", slog.Any("err", serr))
	}
	grpcServer.GracefulStop()
	logger.Info("stopped")
	return err
}
