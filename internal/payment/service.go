// Package payment drives a transaction from checkout submission through the
// gateway to a terminal state. It is the only writer of terminal states
// outside reconciliation.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ratixpay/paycore/internal/domain"
	"github.com/ratixpay/paycore/internal/gateway"
	"github.com/ratixpay/paycore/internal/ident"
	"github.com/ratixpay/paycore/internal/repository"
	"github.com/ratixpay/paycore/internal/validation"
)

var (
	// ErrChargeInFlight means another request is already waiting on the
	// gateway for the same external id.
	ErrChargeInFlight = errors.New("a charge for this transaction is already in progress")
	// ErrResubmitLimit means the pending transaction used up its resubmits.
	ErrResubmitLimit = errors.New("resubmit limit reached for this transaction")
)

type Store interface {
	Create(ctx context.Context, tx *domain.Transaction) error
	GetByExternalID(ctx context.Context, externalID string) (*repository.Record, error)
	TransitionState(ctx context.Context, externalID string, from, to domain.State, at time.Time, t repository.Transition) error
	ClaimAttempt(ctx context.Context, externalID string, maxAttempts int, now, leaseUntil time.Time) (int, error)
	ReleaseAttempt(ctx context.Context, externalID, note string) error
}

type Catalog interface {
	GetByID(ctx context.Context, id string) (*domain.Product, error)
	IncrementSaleCount(ctx context.Context, id string) error
}

type Charger interface {
	Supports(method domain.PaymentMethod) bool
	Charge(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error)
}

type ReviewQueue interface {
	Flag(ctx context.Context, item *domain.ReviewItem) (bool, error)
}

type ChargeLog interface {
	Insert(ctx context.Context, a *domain.ChargeAttempt) error
}

type Notifier interface {
	OnTransactionApproved(ctx context.Context, tx domain.Transaction, product *domain.Product) error
}

// AbuseRecorder receives payment outcomes per client.
type AbuseRecorder interface {
	RecordPayment(clientKey string, success bool)
}

type IDGenerator interface {
	NewTransactionID() string
	NewReferenceID() string
}

type Deps struct {
	Store     Store
	Catalog   Catalog
	Gateway   Charger
	Reviews   ReviewQueue
	Charges   ChargeLog
	Notifier  Notifier
	Abuse     AbuseRecorder
	IDs       IDGenerator
	Validator *validation.Validator
}

type Config struct {
	// MaxResubmits bounds caller-driven retries after a timeout.
	MaxResubmits int
	// ChargeLease is how long a claimed attempt blocks concurrent
	// resubmits. It must exceed the gateway timeout.
	ChargeLease time.Duration
}

type Service struct {
	Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	inflight sync.WaitGroup
}

func NewService(deps Deps, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxResubmits < 0 {
		cfg.MaxResubmits = 0
	}
	if cfg.ChargeLease <= 0 {
		cfg.ChargeLease = time.Minute
	}
	if deps.IDs == nil {
		deps.IDs = ident.NewGenerator()
	}
	if deps.Validator == nil {
		deps.Validator = validation.New()
	}
	return &Service{
		Deps:   deps,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "payment")),
		now:    time.Now,
	}
}

// Wait blocks until every detached gateway call has recorded its outcome.
func (s *Service) Wait() { s.inflight.Wait() }

// Result is the caller-visible view of a transaction.
type Result struct {
	TransactionID string               `json:"transaction_id"`
	ReferenceID   string               `json:"reference_id,omitempty"`
	Status        domain.OrderStatus   `json:"status"`
	PaymentStatus domain.PaymentStatus `json:"payment_status"`
	ProcessedAt   *time.Time           `json:"processed_at,omitempty"`
	Amount        decimal.Decimal      `json:"amount"`
	Attempts      int                  `json:"attempts"`
}

func resultFrom(tx *domain.Transaction) *Result {
	return &Result{
		TransactionID: tx.ExternalID,
		ReferenceID:   tx.ReferenceID,
		Status:        tx.State.OrderStatus(),
		PaymentStatus: tx.State.PaymentStatus(),
		ProcessedAt:   tx.ProcessedAt,
		Amount:        tx.Amount,
		Attempts:      tx.Attempts,
	}
}

type SubmitRequest struct {
	ExternalID      string          `json:"external_id,omitempty" validate:"max=64"`
	PaymentMethod   string          `json:"payment_method" validate:"required,max=16"`
	Phone           string          `json:"phone" validate:"required,mzphone"`
	Amount          decimal.Decimal `json:"amount" validate:"gt=0,lte=50000"`
	ProductRef      string          `json:"product_ref" validate:"required,max=64"`
	CouponCode      string          `json:"coupon_code,omitempty" validate:"max=32"`
	CustomerName    string          `json:"customer_name,omitempty" validate:"max=120"`
	CustomerEmail   string          `json:"customer_email,omitempty" validate:"omitempty,email,max=254"`
	CustomerAddress string          `json:"customer_address,omitempty" validate:"max=255"`
	CustomerCity    string          `json:"customer_city,omitempty" validate:"max=100"`
	CustomerCountry string          `json:"customer_country,omitempty" validate:"max=100"`

	// Filled from the HTTP request, never from the body.
	ClientKey string `json:"-"`
	ClientIP  string `json:"-"`
	UserAgent string `json:"-"`
}

func (r *SubmitRequest) sanitize() {
	for _, f := range []*string{
		&r.ExternalID, &r.PaymentMethod, &r.Phone, &r.ProductRef, &r.CouponCode,
		&r.CustomerName, &r.CustomerEmail, &r.CustomerAddress, &r.CustomerCity,
		&r.CustomerCountry, &r.UserAgent,
	} {
		*f = validation.Sanitize(*f)
	}
}

// Submit validates the request, persists a pending transaction and charges
// it. Resubmitting a pending transaction's external id retries the charge;
// resubmitting a terminal one returns its recorded outcome unchanged.
//
// If ctx ends while the gateway call is in flight, Submit returns ctx.Err()
// but the call continues and its outcome is still recorded.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	req.sanitize()

	if err := s.Validator.Struct(req); err != nil {
		s.recordAbuse(req.ClientKey, false)
		return nil, err
	}
	method, ok := domain.ParsePaymentMethod(req.PaymentMethod)
	if !ok || !s.Gateway.Supports(method) {
		s.recordAbuse(req.ClientKey, false)
		return nil, &gateway.UnsupportedMethodError{Method: domain.PaymentMethod(req.PaymentMethod)}
	}
	if err := validation.CheckAmount("amount", req.Amount); err != nil {
		return nil, err
	}
	phone, ok := validation.NormalizePhone(req.Phone)
	if !ok {
		return nil, &validation.ValidationError{Field: "phone", Message: "must be a valid M-Pesa or e-Mola number"}
	}
	if req.ExternalID != "" && !ident.IsWellFormed(req.ExternalID) {
		return nil, &validation.ValidationError{Field: "external_id", Message: "is not a well-formed transaction id"}
	}

	if req.ExternalID != "" {
		rec, err := s.Store.GetByExternalID(ctx, req.ExternalID)
		switch {
		case err == nil:
			return s.resubmit(ctx, rec, method, phone, req)
		case !errors.Is(err, domain.ErrNotFound):
			return nil, err
		}
	}

	product, err := s.Catalog.GetByID(ctx, req.ProductRef)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !product.Active) {
		return nil, &validation.ValidationError{Field: "product_ref", Message: "unknown or inactive product"}
	}
	if err != nil {
		return nil, err
	}
	if product.Price.IsPositive() && req.Amount.GreaterThan(product.Price) {
		return nil, &validation.ValidationError{Field: "amount", Message: "exceeds the product price"}
	}

	tx := s.newTransaction(req, method, phone, product)
	if err := s.Store.Create(ctx, tx); err != nil {
		if errors.Is(err, repository.ErrDuplicate) && req.ExternalID != "" {
			// Lost a race with a concurrent submit of the same id.
			rec, gerr := s.Store.GetByExternalID(ctx, req.ExternalID)
			if gerr != nil {
				return nil, gerr
			}
			return s.resubmit(ctx, rec, method, phone, req)
		}
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	s.logger.Info("transaction created",
		slog.String("external_id", tx.ExternalID),
		slog.String("method", string(method)),
		slog.String("amount", tx.Amount.String()),
		slog.String("product_ref", tx.ProductRef),
	)

	return s.charge(ctx, *tx, product, req.ClientKey)
}

func (s *Service) resubmit(ctx context.Context, rec *repository.Record, method domain.PaymentMethod, phone string, req SubmitRequest) (*Result, error) {
	tx := rec.Transaction
	if tx.Method != method || tx.Customer.Phone != phone || !tx.Amount.Equal(req.Amount) || tx.ProductRef != req.ProductRef {
		return nil, &validation.ValidationError{Field: "external_id", Message: "already used for a different payment"}
	}
	if tx.State != domain.StatePending {
		s.logger.Info("resubmit of settled transaction ignored",
			slog.String("external_id", tx.ExternalID),
			slog.String("state", string(tx.State)),
		)
		return resultFrom(&tx), nil
	}

	product, err := s.Catalog.GetByID(ctx, tx.ProductRef)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return s.charge(ctx, tx, product, req.ClientKey)
}

func (s *Service) newTransaction(req SubmitRequest, method domain.PaymentMethod, phone string, product *domain.Product) *domain.Transaction {
	externalID := req.ExternalID
	if externalID == "" {
		externalID = s.IDs.NewTransactionID()
	}

	original := product.Price
	discount := decimal.Zero
	if !original.IsPositive() {
		original = req.Amount
	} else if req.Amount.LessThan(original) {
		discount = original.Sub(req.Amount).Div(original).Mul(decimal.NewFromInt(100)).Round(2)
	}

	device, browser := domain.DetectDevice(req.UserAgent)
	return &domain.Transaction{
		ID:              uuid.NewString(),
		ExternalID:      externalID,
		ReferenceID:     s.IDs.NewReferenceID(),
		ProductRef:      product.ID,
		Amount:          req.Amount,
		OriginalAmount:  original,
		DiscountPercent: discount,
		CouponCode:      req.CouponCode,
		Customer: domain.Customer{
			Name:      req.CustomerName,
			Email:     req.CustomerEmail,
			Phone:     phone,
			Address:   req.CustomerAddress,
			City:      req.CustomerCity,
			Country:   req.CustomerCountry,
			IP:        req.ClientIP,
			UserAgent: req.UserAgent,
			Device:    device,
			Browser:   browser,
		},
		Method:    method,
		State:     domain.StatePending,
		CreatedAt: s.now(),
	}
}

type outcome struct {
	result *Result
	err    error
}

// charge claims an attempt and calls the gateway on a context detached
// from the caller, so a client disconnect cannot lose a landed approval.
func (s *Service) charge(ctx context.Context, tx domain.Transaction, product *domain.Product, clientKey string) (*Result, error) {
	now := s.now()
	attempt, err := s.Store.ClaimAttempt(ctx, tx.ExternalID, s.cfg.MaxResubmits+1, now, now.Add(s.cfg.ChargeLease))
	switch {
	case errors.Is(err, repository.ErrStateChanged):
		return s.GetTransactionStatus(ctx, tx.ExternalID)
	case errors.Is(err, repository.ErrAttemptInFlight):
		return resultFrom(&tx), ErrChargeInFlight
	case errors.Is(err, repository.ErrAttemptsExhausted):
		return resultFrom(&tx), ErrResubmitLimit
	case err != nil:
		return nil, err
	}
	tx.Attempts = attempt

	done := make(chan outcome, 1)
	s.inflight.Add(1)
	go func(tx domain.Transaction) {
		defer s.inflight.Done()
		bg := context.WithoutCancel(ctx)

		start := time.Now()
		res, err := s.Gateway.Charge(bg, gateway.ChargeRequest{
			ExternalID: tx.ExternalID,
			Method:     tx.Method,
			Phone:      tx.Customer.Phone,
			Amount:     tx.Amount,
		})
		chargeDuration.WithLabelValues(string(tx.Method)).Observe(time.Since(start).Seconds())

		r, rerr := s.recordOutcome(bg, tx, product, clientKey, res, err)
		done <- outcome{result: r, err: rerr}
	}(tx)

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		s.logger.Warn("caller stopped waiting for charge",
			slog.String("external_id", tx.ExternalID),
			slog.Any("error", ctx.Err()),
		)
		return resultFrom(&tx), ctx.Err()
	}
}

func (s *Service) recordOutcome(ctx context.Context, tx domain.Transaction, product *domain.Product, clientKey string, res gateway.ChargeResult, chargeErr error) (*Result, error) {
	now := s.now()
	s.logCharge(ctx, tx, res, chargeErr, now)

	if chargeErr == nil && res.Success {
		chargeOutcomes.WithLabelValues(string(tx.Method), "approved").Inc()
		fee := res.Fee
		err := s.Store.TransitionState(ctx, tx.ExternalID, domain.StatePending, domain.StatePaid, now, repository.Transition{
			GatewayName:      res.Provider,
			GatewayReference: res.ProviderRef,
			Fee:              &fee,
			Note:             fmt.Sprintf("[%s] approved by %s ref=%s attempt=%d", now.UTC().Format(time.RFC3339), res.Provider, res.ProviderRef, tx.Attempts),
		})
		if errors.Is(err, repository.ErrStateChanged) {
			return s.resolveRace(ctx, tx.ExternalID, domain.StatePaid, "gateway approval")
		}
		if err != nil {
			s.logger.Error("gateway approved but state not recorded",
				slog.String("external_id", tx.ExternalID),
				slog.String("provider_ref", res.ProviderRef),
				slog.Any("error", err),
			)
			return nil, fmt.Errorf("record approval: %w", err)
		}

		s.recordAbuse(clientKey, true)
		tx.State = domain.StatePaid
		tx.ProcessedAt = &now
		tx.GatewayName = res.Provider
		tx.GatewayReference = res.ProviderRef
		tx.Fee = res.Fee
		stateTransitions.WithLabelValues(string(domain.StatePaid), "gateway").Inc()
		s.afterApproval(ctx, tx, product)
		return resultFrom(&tx), nil
	}

	var gerr *gateway.Error
	if !errors.As(chargeErr, &gerr) {
		gerr = &gateway.Error{Code: gateway.CodeGatewayUnavailable, Provider: res.Provider, Err: chargeErr}
	}
	chargeOutcomes.WithLabelValues(string(tx.Method), string(gerr.Code)).Inc()

	if gerr.Retryable() {
		note := fmt.Sprintf("[%s] %s on attempt %d, eligible for resubmit", now.UTC().Format(time.RFC3339), gerr.Code, tx.Attempts)
		if err := s.Store.ReleaseAttempt(ctx, tx.ExternalID, note); err != nil {
			s.logger.Error("release attempt failed", slog.String("external_id", tx.ExternalID), slog.Any("error", err))
		}
		s.logger.Warn("charge not completed",
			slog.String("external_id", tx.ExternalID),
			slog.String("code", string(gerr.Code)),
			slog.Any("error", chargeErr),
		)
		return resultFrom(&tx), gerr
	}

	err := s.Store.TransitionState(ctx, tx.ExternalID, domain.StatePending, domain.StateRejected, now, repository.Transition{
		GatewayName: res.Provider,
		Note:        fmt.Sprintf("[%s] rejected by %s: %s", now.UTC().Format(time.RFC3339), res.Provider, gerr.Code),
	})
	if errors.Is(err, repository.ErrStateChanged) {
		r, rerr := s.resolveRace(ctx, tx.ExternalID, domain.StateRejected, "gateway rejection")
		if rerr == nil {
			rerr = gerr
		}
		return r, rerr
	}
	if err != nil {
		return nil, fmt.Errorf("record rejection: %w", err)
	}

	s.recordAbuse(clientKey, false)
	stateTransitions.WithLabelValues(string(domain.StateRejected), "gateway").Inc()
	tx.State = domain.StateRejected
	tx.ProcessedAt = &now
	tx.GatewayName = res.Provider
	return resultFrom(&tx), gerr
}

// resolveRace runs after a compare-and-set miss. If the row already holds
// the wanted outcome the call is a no-op; a different terminal state is a
// conflict routed to manual review.
func (s *Service) resolveRace(ctx context.Context, externalID string, wanted domain.State, source string) (*Result, error) {
	rec, err := s.Store.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if rec.State.PaymentStatus() == wanted.PaymentStatus() {
		return resultFrom(&rec.Transaction), nil
	}
	if !rec.State.IsTerminal() {
		return nil, fmt.Errorf("transition %s: %w", externalID, repository.ErrStateChanged)
	}

	conflict := &domain.ConflictError{ExternalID: externalID, Current: rec.State, Requested: wanted}
	kind, sev := domain.ReviewTerminalConflict, domain.SeverityHigh
	if wanted.IsApproved() {
		// The customer was charged for a transaction recorded otherwise.
		kind, sev = domain.ReviewApprovalConflict, domain.SeverityCritical
	}
	s.flag(ctx, kind, sev, &rec.Transaction,
		fmt.Sprintf("%s requested %s but transaction is already %s", source, wanted, rec.State))
	return resultFrom(&rec.Transaction), conflict
}

func (s *Service) afterApproval(ctx context.Context, tx domain.Transaction, product *domain.Product) {
	if err := s.Catalog.IncrementSaleCount(ctx, tx.ProductRef); err != nil {
		s.logger.Warn("sale count not incremented",
			slog.String("external_id", tx.ExternalID),
			slog.String("product_ref", tx.ProductRef),
			slog.Any("error", err),
		)
	}
	if s.Notifier == nil {
		return
	}
	if product == nil {
		product, _ = s.Catalog.GetByID(ctx, tx.ProductRef)
	}
	if err := s.Notifier.OnTransactionApproved(ctx, tx, product); err != nil {
		s.logger.Error("approval notification failed",
			slog.String("external_id", tx.ExternalID),
			slog.Any("error", err),
		)
	}
}

// UpdateStatusByExternalID applies an asynchronous gateway callback.
// Re-applying the recorded status is a no-op; a different terminal status
// is a ConflictError and is routed to manual review.
func (s *Service) UpdateStatusByExternalID(ctx context.Context, externalID string, ps domain.PaymentStatus, providerRef string) (*Result, error) {
	if !ps.IsTerminal() {
		return nil, &validation.ValidationError{Field: "payment_status", Message: "must be approved, rejected or cancelled"}
	}
	target := domain.StateForPaymentStatus(ps)

	rec, err := s.Store.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if rec.State.PaymentStatus() == ps {
		return resultFrom(&rec.Transaction), nil
	}
	if rec.State.IsTerminal() {
		return s.resolveRace(ctx, externalID, target, "callback")
	}

	now := s.now()
	err = s.Store.TransitionState(ctx, externalID, domain.StatePending, target, now, repository.Transition{
		GatewayReference: providerRef,
		Note:             fmt.Sprintf("[%s] %s by gateway callback", now.UTC().Format(time.RFC3339), ps),
	})
	if errors.Is(err, repository.ErrStateChanged) {
		return s.resolveRace(ctx, externalID, target, "callback")
	}
	if err != nil {
		return nil, err
	}
	stateTransitions.WithLabelValues(string(target), "callback").Inc()

	tx := rec.Transaction
	tx.State = target
	tx.ProcessedAt = &now
	if providerRef != "" {
		tx.GatewayReference = providerRef
	}
	s.logger.Info("callback applied", slog.String("external_id", externalID), slog.String("state", string(target)))

	if target == domain.StatePaid {
		s.afterApproval(ctx, tx, nil)
	}
	return resultFrom(&tx), nil
}

// Cancel moves a pending transaction to Cancelled on the client's request.
func (s *Service) Cancel(ctx context.Context, externalID string) (*Result, error) {
	return s.step(ctx, externalID, domain.StatePending, domain.StateCancelled, "cancelled by client")
}

// MarkDelivered records fulfilment of a paid transaction.
func (s *Service) MarkDelivered(ctx context.Context, externalID, by string) (*Result, error) {
	note := "delivered"
	if by != "" {
		note += " by " + by
	}
	return s.step(ctx, externalID, domain.StatePaid, domain.StateDelivered, note)
}

// step applies a client- or operator-driven transition. Repeating a step
// that already happened is a no-op.
func (s *Service) step(ctx context.Context, externalID string, from, to domain.State, note string) (*Result, error) {
	rec, err := s.Store.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if rec.State == to {
		return resultFrom(&rec.Transaction), nil
	}
	if rec.State != from {
		return resultFrom(&rec.Transaction), &domain.ConflictError{
			ExternalID: externalID, Current: rec.State, Requested: to,
			Reason: fmt.Sprintf("cannot move from %s to %s", rec.State, to),
		}
	}

	now := s.now()
	err = s.Store.TransitionState(ctx, externalID, from, to, now, repository.Transition{
		Note: fmt.Sprintf("[%s] %s", now.UTC().Format(time.RFC3339), note),
	})
	if errors.Is(err, repository.ErrStateChanged) {
		latest, gerr := s.Store.GetByExternalID(ctx, externalID)
		if gerr != nil {
			return nil, gerr
		}
		if latest.State == to {
			return resultFrom(&latest.Transaction), nil
		}
		return resultFrom(&latest.Transaction), &domain.ConflictError{ExternalID: externalID, Current: latest.State, Requested: to}
	}
	if err != nil {
		return nil, err
	}
	stateTransitions.WithLabelValues(string(to), "client").Inc()

	tx := rec.Transaction
	tx.State = to
	if to.IsTerminal() && !from.IsTerminal() {
		tx.ProcessedAt = &now
	}
	return resultFrom(&tx), nil
}

func (s *Service) GetTransactionStatus(ctx context.Context, externalID string) (*Result, error) {
	rec, err := s.Store.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	return resultFrom(&rec.Transaction), nil
}

func (s *Service) flag(ctx context.Context, kind domain.ReviewKind, sev domain.Severity, tx *domain.Transaction, desc string) {
	conflictsFlagged.WithLabelValues(string(kind)).Inc()
	s.logger.Error("conflict routed to manual review",
		slog.String("external_id", tx.ExternalID),
		slog.String("kind", string(kind)),
		slog.String("description", desc),
	)
	if s.Reviews == nil {
		return
	}
	_, err := s.Reviews.Flag(ctx, &domain.ReviewItem{
		ID:            ReviewID(kind, tx),
		Kind:          kind,
		TransactionID: tx.ID,
		ExternalID:    tx.ExternalID,
		Severity:      sev,
		Description:   desc,
		DetectedAt:    s.now(),
	})
	if err != nil {
		s.logger.Error("review item not stored", slog.String("external_id", tx.ExternalID), slog.Any("error", err))
	}
}

// ReviewID is deterministic per anomaly kind and transaction so the same
// anomaly is listed once however often it is detected.
func ReviewID(kind domain.ReviewKind, tx *domain.Transaction) string {
	key := tx.ExternalID
	if key == "" {
		key = tx.ID
	}
	return fmt.Sprintf("REV-%s-%s", kind, key)
}

func (s *Service) logCharge(ctx context.Context, tx domain.Transaction, res gateway.ChargeResult, chargeErr error, at time.Time) {
	if s.Charges == nil || res.Provider == "" {
		return
	}
	a := &domain.ChargeAttempt{
		ID:          uuid.NewString(),
		ExternalID:  tx.ExternalID,
		Provider:    res.Provider,
		Method:      tx.Method,
		Gross:       tx.Amount,
		Fee:         res.Fee,
		Net:         res.ApprovedAmount,
		ProviderRef: res.ProviderRef,
		Outcome:     domain.ChargeApproved,
		AttemptedAt: at,
	}
	if chargeErr != nil || !res.Success {
		a.Outcome = domain.ChargeFailed
		if res.ErrorCode == gateway.CodeGatewayRejected {
			a.Outcome = domain.ChargeRejected
		}
		a.ErrorCode = string(res.ErrorCode)
	}
	if err := s.Charges.Insert(ctx, a); err != nil {
		s.logger.Error("charge attempt not logged", slog.String("external_id", tx.ExternalID), slog.Any("error", err))
	}
}

func (s *Service) recordAbuse(clientKey string, success bool) {
	if s.Abuse != nil && clientKey != "" {
		s.Abuse.RecordPayment(clientKey, success)
	}
}
