package payoutd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	telemetry "github.com/PomeGroup/ontonbot-sub004/observability/otel"
)

const tickTimeout = 15 * time.Minute

// Runtime carries the adapters the daemon is assembled from. Messenger and Publisher may be
// nil to disable notifications and completion webhooks.
type Runtime struct {
	Store     Store
	Network   Network
	Decrypter Decrypter
	Journal   *Journal
	Messenger Sender
	Publisher CompletionPublisher
	Logger    *slog.Logger
}

// Build wires the processor from cfg and rt.
func Build(cfg Config, rt Runtime) (*Processor, error) {
	logger := rt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chainID, err := cfg.ChainID()
	if err != nil {
		return nil, err
	}
	fees, err := cfg.Fees.Parse()
	if err != nil {
		return nil, err
	}
	var policies *PolicyEnforcer
	if cfg.PoliciesPath != "" {
		defs, err := LoadPolicies(cfg.PoliciesPath)
		if err != nil {
			return nil, fmt.Errorf("load policies: %w", err)
		}
		if policies, err = NewPolicyEnforcer(defs); err != nil {
			return nil, fmt.Errorf("init policies: %w", err)
		}
	}

	metrics := NewMetrics()
	recorder := NewRecorder(rt.Store, rt.Publisher, metrics, logger, nil)
	sender := NewBatchSender(rt.Network, rt.Journal, recorder, SenderConfig{
		MaxBatchSize: cfg.Batch.MaxSize,
		PollInterval: cfg.Batch.PollInterval.Duration,
		MaxPolls:     cfg.Batch.MaxPolls,
		ChainID:      chainID,
	}, metrics, logger)
	opts := []ProcessorOption{
		WithPolicies(policies),
		WithMetrics(metrics),
		WithLogger(logger),
		WithPaused(cfg.PauseOnStart),
	}
	if rt.Messenger != nil {
		opts = append(opts, WithNotifier(NewNotifier(rt.Messenger, rt.Store, NotifierConfig{
			Attempts:   cfg.Notify.Attempts,
			RetryDelay: cfg.Notify.RetryDelay.Duration,
			Pause:      cfg.Notify.Pause.Duration,
		}, metrics, logger)))
	}
	return NewProcessor(ProcessorDeps{
		Store:     rt.Store,
		Network:   rt.Network,
		Decrypter: rt.Decrypter,
		Gate:      NewActivationGate(rt.Network, chainID, logger),
		Sender:    sender,
		Recorder:  recorder,
		Fees:      fees,
	}, opts...)
}

// Serve runs the scheduler and the admin API until ctx is cancelled.
func Serve(ctx context.Context, cfg Config, rt Runtime) error {
	logger := rt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	processor, err := Build(cfg, rt)
	if err != nil {
		return err
	}
	auth, err := NewAuthenticator(AuthConfig{
		BearerToken: cfg.Admin.BearerToken,
		JWTSecret:   cfg.Admin.JWT.Secret,
		JWTIssuer:   cfg.Admin.JWT.Issuer,
		JWTAudience: cfg.Admin.JWT.Audience,
		AllowMTLS:   cfg.Admin.MTLS.Enabled,
	})
	if err != nil {
		return fmt.Errorf("admin auth: %w", err)
	}
	admin := NewAdminServer(processor, rt.Store, auth, logger)

	scheduler, err := NewScheduler(cfg.Schedule, processor, tickTimeout, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      telemetry.Handler(admin, "payoutd.admin"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	if !cfg.Admin.TLS.Disable {
		tlsConfig, err := adminTLSConfig(cfg.Admin)
		if err != nil {
			return err
		}
		httpServer.TLSConfig = tlsConfig
	}

	scheduler.Start()
	logger.Info("payout scheduler started", slog.String("schedule", cfg.Schedule), slog.Bool("paused", processor.Paused()))

	errs := make(chan error, 1)
	go func() {
		logger.Info("payoutd admin listening", slog.String("addr", cfg.ListenAddress))
		if cfg.Admin.TLS.Disable {
			errs <- httpServer.ListenAndServe()
			return
		}
		errs <- httpServer.ListenAndServeTLS(cfg.Admin.TLS.CertPath, cfg.Admin.TLS.KeyPath)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop timed out", slog.Any("error", err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

func adminTLSConfig(cfg AdminConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if !cfg.MTLS.Enabled {
		return tlsConfig, nil
	}
	pem, err := os.ReadFile(cfg.MTLS.ClientCAPath)
	if err != nil {
		return nil, fmt.Errorf("read mtls client_ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("mtls client_ca contains no certificates")
	}
	tlsConfig.ClientCAs = pool
	// Bearer and JWT callers may still connect without a certificate.
	tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	return tlsConfig, nil
}
