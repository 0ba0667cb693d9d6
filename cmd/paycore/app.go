package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/ratixpay/paycore/internal/config"
	"github.com/ratixpay/paycore/internal/domain"
	"github.com/ratixpay/paycore/internal/gateway"
	"github.com/ratixpay/paycore/internal/logging"
	"github.com/ratixpay/paycore/internal/notify"
	"github.com/ratixpay/paycore/internal/reconciliation"
	"github.com/ratixpay/paycore/internal/repository"
)

// app holds what every subcommand needs: configuration, a logger and the
// repositories over an open database.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	db     *repository.DB

	transactions *repository.TransactionRepo
	products     *repository.ProductRepo
	reviews      *repository.ReviewRepo
	charges      *repository.ChargeRepo
}

func openApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("opening database", slog.String("driver", cfg.Database.Driver))
	db, err := repository.InitDB(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("init db: %w", err)
	}

	return &app{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		transactions: repository.NewTransactionRepo(db),
		products:     repository.NewProductRepo(db),
		reviews:      repository.NewReviewRepo(db),
		charges:      repository.NewChargeRepo(db),
	}, nil
}

func (a *app) Close() error { return a.db.Close() }

func (a *app) reconciler() *reconciliation.Service {
	return reconciliation.NewService(a.transactions, a.reviews, nil, a.cfg.Reconciliation.BatchSize, a.logger)
}

// gateway builds one provider per supported rail behind the adapter.
func (a *app) gateway() (*gateway.Adapter, error) {
	gw := a.cfg.Gateway
	providers := make(map[domain.PaymentMethod]gateway.Provider, len(domain.PaymentMethods))

	switch gw.Mode {
	case "paymoz":
		for _, m := range domain.PaymentMethods {
			p, err := gateway.NewPayMoz(m, gateway.PayMozConfig{
				BaseURL:    gw.BaseURL,
				APIKey:     gw.APIKey,
				MaxRetries: gw.MaxRetries,
				RetryDelay: gw.RetryDelay,
			}, a.logger)
			if err != nil {
				return nil, err
			}
			providers[m] = p
		}
	default:
		rates := map[domain.PaymentMethod]float64{
			domain.MethodMpesa: gw.MpesaApprovalRate,
			domain.MethodEmola: gw.EmolaApprovalRate,
		}
		for _, m := range domain.PaymentMethods {
			providers[m] = gateway.NewSimulator(m, rates[m], gw.SimulatedLatency)
		}
		a.logger.Warn("using simulated payment gateway")
	}

	return gateway.NewAdapter(providers, nil, gw.Timeout)
}

// publisher dials the broker when one is configured. Without a broker,
// approval events are only logged.
func (a *app) publisher() (notify.Publisher, error) {
	if a.cfg.Broker.URL == "" {
		a.logger.Warn("no broker configured, approval events will only be logged")
		return notify.NewLogPublisher(a.logger), nil
	}
	pub, err := notify.DialAMQP(a.cfg.Broker.URL, a.cfg.Broker.Exchange)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	return pub, nil
}

// seedProducts loads the catalog from path when the products table is empty.
func (a *app) seedProducts(ctx context.Context, path string) (int, error) {
	count, err := a.products.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	if count > 0 {
		a.logger.Info("catalog already seeded", slog.Int("products", count))
		return 0, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read catalog: %w", err)
	}
	var products []domain.Product
	if err := json.Unmarshal(data, &products); err != nil {
		return 0, fmt.Errorf("unmarshal catalog: %w", err)
	}

	inserted, err := a.products.Seed(ctx, products)
	if err != nil {
		return inserted, fmt.Errorf("seed catalog: %w", err)
	}
	a.logger.Info("catalog seeded", slog.Int("inserted", inserted), slog.Int("in_file", len(products)))
	return inserted, nil
}
