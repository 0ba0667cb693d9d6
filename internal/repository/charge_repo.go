package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ratixpay/paycore/internal/domain"
)

// ChargeRepo is the append-only log of gateway calls.
type ChargeRepo struct {
	db *DB
}

func NewChargeRepo(db *DB) *ChargeRepo {
	return &ChargeRepo{db: db}
}

func (r *ChargeRepo) Insert(ctx context.Context, a *domain.ChargeAttempt) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO charge_attempts
		(id, external_id, provider, method, gross, fee, net, provider_ref, outcome, error_code, attempted_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ExternalID, a.Provider, string(a.Method), a.Gross.String(), a.Fee.String(),
		a.Net.String(), nullString(a.ProviderRef), string(a.Outcome), nullString(a.ErrorCode),
		formatTime(a.AttemptedAt),
	)
	if err != nil {
		return fmt.Errorf("insert charge attempt: %w", err)
	}
	return nil
}

func (r *ChargeRepo) ListByExternalID(ctx context.Context, externalID string) ([]domain.ChargeAttempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, external_id, provider, method, gross, fee, net, provider_ref, outcome,
		error_code, attempted_at FROM charge_attempts WHERE external_id = ? ORDER BY attempted_at`,
		externalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.ChargeAttempt
	for rows.Next() {
		var a domain.ChargeAttempt
		var method, outcome, attemptedAt string
		var providerRef, errorCode sql.NullString

		err := rows.Scan(
			&a.ID, &a.ExternalID, &a.Provider, &method, &a.Gross, &a.Fee, &a.Net,
			&providerRef, &outcome, &errorCode, &attemptedAt,
		)
		if err != nil {
			return nil, err
		}

		a.Method = domain.PaymentMethod(method)
		a.Outcome = domain.ChargeOutcome(outcome)
		a.ProviderRef = providerRef.String
		a.ErrorCode = errorCode.String
		a.AttemptedAt, _ = parseTime(attemptedAt)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
