package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ratixpay/paycore/internal/api"
	"github.com/ratixpay/paycore/internal/ingestion"
	"github.com/ratixpay/paycore/internal/notify"
	"github.com/ratixpay/paycore/internal/payment"
	"github.com/ratixpay/paycore/internal/security"
)

func serveCmd(configPath *string) *cobra.Command {
	var catalog string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the abuse sweeper and scheduled reconciliation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath, catalog)
		},
	}
	cmd.Flags().StringVar(&catalog, "catalog", "testdata/products.json", "product catalog loaded when the database is empty")
	return cmd
}

func runServe(configPath, catalog string) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := a.seedProducts(ctx, catalog); err != nil {
		logger.Warn("catalog not seeded", slog.Any("error", err))
	}

	audit, err := security.OpenAudit(cfg.Security.AuditDir, logger)
	if err != nil {
		return err
	}
	defer audit.Close()
	sec := cfg.Security
	detector := security.NewDetector(security.Config{
		Thresholds: security.Thresholds{
			FailedLogins:   sec.FailedLoginThreshold,
			FailedPayments: sec.FailedPaymentThreshold,
			MaliciousHits:  sec.MaliciousThreshold,
			BruteForce:     sec.BruteForceThreshold,
			RequestVolume:  sec.RequestVolumeThreshold,
		},
		BlockTTL:      sec.BlockTTL,
		Retention:     sec.Retention,
		RequestWindow: sec.RequestWindow,
	}, audit, logger)
	guard := security.NewGuard(detector, security.GuardConfig{
		MaxInspect:      sec.MaxInspectBytes,
		BruteForcePaths: sec.BruteForcePaths,
	}, logger)

	adapter, err := a.gateway()
	if err != nil {
		return err
	}
	pub, err := a.publisher()
	if err != nil {
		return err
	}
	defer pub.Close()

	payments := payment.NewService(payment.Deps{
		Store:    a.transactions,
		Catalog:  a.products,
		Gateway:  adapter,
		Reviews:  a.reviews,
		Charges:  a.charges,
		Notifier: notify.NewNotifier(pub, cfg.Payment.NotifyTimeout, logger),
		Abuse:    detector,
	}, payment.Config{
		MaxResubmits: cfg.Payment.MaxResubmits,
		ChargeLease:  cfg.Payment.ChargeLease,
	}, logger)
	callbacks := ingestion.NewService(payments, a.transactions, cfg.Webhook.Secret, logger)
	if cfg.Webhook.Secret == "" {
		logger.Warn("webhook secret not set, simulated gateway accepts unsigned callbacks")
	}
	reconciler := a.reconciler()

	handlers := api.NewHandlers(api.Deps{
		Payments:   payments,
		Callbacks:  callbacks,
		Reconciler: reconciler,
		Reviews:    a.reviews,
		Monitor:    detector,
	}, logger)
	router := api.NewRouter(handlers, guard, api.RouterConfig{
		AdminToken:    cfg.Admin.Token,
		GeneralLimit:  sec.GeneralRateLimit,
		GeneralWindow: sec.GeneralRateWindow,
		PaymentLimit:  sec.PaymentRateLimit,
		PaymentWindow: sec.PaymentRateWindow,
	}, logger)

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		detector.RunSweeper(ctx, sec.SweepInterval)
	}()
	if cfg.Reconciliation.Interval > 0 {
		background.Add(1)
		go func() {
			defer background.Done()
			reconciler.Start(ctx, cfg.Reconciliation.Interval)
		}()
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", srv.Addr), slog.String("version", Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		stop()
		background.Wait()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.Any("error", err))
	}

	// Gateway calls outlive their requests; let them record outcomes
	// before the database closes.
	done := make(chan struct{})
	go func() {
		payments.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("gateway calls still in flight at shutdown")
	}

	background.Wait()
	logger.Info("stopped")
	return nil
}
