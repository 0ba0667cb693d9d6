package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ratixpay/paycore/internal/domain"
)

var (
	ErrAttemptInFlight   = errors.New("a charge attempt is already in flight")
	ErrAttemptsExhausted = errors.New("resubmit limit reached")
)

// Record is a stored transaction with its raw status columns. Legacy rows
// may carry column pairs that violate the status invariant; Transaction.State
// is derived with the payment status as authority.
type Record struct {
	domain.Transaction
	StoredPaymentStatus domain.PaymentStatus
	StoredStatus        domain.OrderStatus
	Consistent          bool

	cursor Cursor
}

type TransactionRepo struct {
	db *DB
}

func NewTransactionRepo(db *DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

const transactionColumns = `id, external_id, reference_id, product_ref, amount, original_amount,
	discount_percent, coupon_code, customer_name, customer_email, customer_phone,
	customer_address, customer_city, customer_country, customer_ip, user_agent, device,
	browser, payment_method, payment_status, status, gateway_name, gateway_reference, fee,
	attempts, processed_at, created_at, delivered_at, notes`

const insertTransactionSQL = `INSERT INTO transactions (` + transactionColumns + `)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

// Create persists a new transaction. ErrDuplicate is returned when the
// external id is already taken.
func (r *TransactionRepo) Create(ctx context.Context, tx *domain.Transaction) error {
	res, err := r.db.ExecContext(ctx,
		insertTransactionSQL+` ON CONFLICT DO NOTHING`,
		transactionArgs(tx, tx.State.PaymentStatus(), tx.State.OrderStatus())...,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

// BulkInsert stores legacy rows verbatim, including status pairs that
// violate the invariant and rows without an external id. Rows whose id or
// external id already exists are skipped.
func (r *TransactionRepo) BulkInsert(ctx context.Context, recs []Record) (int, error) {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	stmt, err := sqlTx.PrepareContext(ctx, insertTransactionSQL+` ON CONFLICT DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range recs {
		rec := &recs[i]
		res, err := stmt.ExecContext(ctx, transactionArgs(&rec.Transaction, rec.StoredPaymentStatus, rec.StoredStatus)...)
		if err != nil {
			return inserted, fmt.Errorf("insert row %d: %w", i, err)
		}
		ra, _ := res.RowsAffected()
		inserted += int(ra)
	}

	if err := sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func (r *TransactionRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions").Scan(&count)
	return count, err
}

func (r *TransactionRepo) GetByExternalID(ctx context.Context, externalID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE external_id = ?", externalID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", externalID, err)
	}
	return rec, nil
}

// Transition carries the columns written alongside a state change.
type Transition struct {
	GatewayName      string
	GatewayReference string
	Fee              *decimal.Decimal
	Note             string
}

// TransitionState moves a transaction from one state to another if and
// only if its stored payment status still matches from. Paid to Delivered
// keeps the payment status, so the order status is compared as well.
// ErrStateChanged is returned when the row did not match.
func (r *TransactionRepo) TransitionState(ctx context.Context, externalID string, from, to domain.State, at time.Time, t Transition) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	sets := []string{"payment_status = ?", "status = ?", "lease_until = NULL"}
	args := []any{string(to.PaymentStatus()), string(to.OrderStatus())}

	if to.IsTerminal() && !from.IsTerminal() {
		sets = append(sets, "processed_at = COALESCE(processed_at, ?)")
		args = append(args, formatTime(at))
	}
	if to == domain.StateDelivered {
		sets = append(sets, "delivered_at = ?")
		args = append(args, formatTime(at))
	}
	if t.GatewayName != "" {
		sets = append(sets, "gateway_name = ?")
		args = append(args, t.GatewayName)
	}
	if t.GatewayReference != "" {
		sets = append(sets, "gateway_reference = ?")
		args = append(args, t.GatewayReference)
	}
	if t.Fee != nil {
		sets = append(sets, "fee = ?")
		args = append(args, t.Fee.String())
	}
	if t.Note != "" {
		set, noteArgs := appendNote(t.Note)
		sets = append(sets, set)
		args = append(args, noteArgs...)
	}

	where := "external_id = ? AND payment_status = ?"
	args = append(args, externalID, string(from.PaymentStatus()))
	if from.PaymentStatus() == to.PaymentStatus() {
		where += " AND status = ?"
		args = append(args, string(from.OrderStatus()))
	}

	res, err := r.db.ExecContext(ctx,
		"UPDATE transactions SET "+strings.Join(sets, ", ")+" WHERE "+where, args...)
	if err != nil {
		return fmt.Errorf("transition %s: %w", externalID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateChanged
	}
	return nil
}

// ClaimAttempt reserves the right to make one gateway call for a pending
// transaction. The claim holds a lease until leaseUntil or until the
// outcome is recorded, so concurrent resubmits of the same id cannot charge
// twice. It returns the attempt number.
func (r *TransactionRepo) ClaimAttempt(ctx context.Context, externalID string, maxAttempts int, now, leaseUntil time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions SET attempts = attempts + 1, lease_until = ?
		WHERE external_id = ? AND payment_status = ? AND attempts < ?
		  AND (lease_until IS NULL OR lease_until < ?)`,
		formatTime(leaseUntil), externalID, string(domain.PaymentPending), maxAttempts, formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("claim attempt %s: %w", externalID, err)
	}

	var attempts int
	var status string
	var lease sql.NullString
	err = r.db.QueryRowContext(ctx,
		"SELECT attempts, payment_status, lease_until FROM transactions WHERE external_id = ?", externalID,
	).Scan(&attempts, &status, &lease)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read attempt %s: %w", externalID, err)
	}

	if n, _ := res.RowsAffected(); n == 1 {
		return attempts, nil
	}
	switch {
	case domain.PaymentStatus(status) != domain.PaymentPending:
		return attempts, ErrStateChanged
	case attempts >= maxAttempts:
		return attempts, ErrAttemptsExhausted
	default:
		return attempts, ErrAttemptInFlight
	}
}

// ReleaseAttempt drops the lease after a retryable failure, leaving the
// transaction pending.
func (r *TransactionRepo) ReleaseAttempt(ctx context.Context, externalID, note string) error {
	set, noteArgs := appendNote(note)
	args := append(noteArgs, externalID, string(domain.PaymentPending))
	_, err := r.db.ExecContext(ctx,
		"UPDATE transactions SET lease_until = NULL, "+set+" WHERE external_id = ? AND payment_status = ?", args...)
	if err != nil {
		return fmt.Errorf("release attempt %s: %w", externalID, err)
	}
	return nil
}

// Cursor marks a position in the most-recent-first scan. The zero value
// starts from the newest row.
type Cursor struct {
	CreatedAt string
	ID        string
}

func (c Cursor) IsZero() bool { return c.CreatedAt == "" && c.ID == "" }

// ListBatch returns up to limit rows older than the cursor, newest first,
// and the cursor for the following batch.
func (r *TransactionRepo) ListBatch(ctx context.Context, after Cursor, limit int) ([]Record, Cursor, error) {
	if limit <= 0 {
		limit = 100
	}

	q := "SELECT " + transactionColumns + " FROM transactions"
	var args []any
	if !after.IsZero() {
		q += " WHERE created_at < ? OR (created_at = ? AND id < ?)"
		args = append(args, after.CreatedAt, after.CreatedAt, after.ID)
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, after, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var recs []Record
	next := after
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, after, fmt.Errorf("scan: %w", err)
		}
		recs = append(recs, *rec)
		next = rec.cursor
	}
	return recs, next, rows.Err()
}

// Repair is a reconciliation correction. Nil and empty fields are left
// untouched.
type Repair struct {
	Status      *domain.OrderStatus
	ExternalID  string
	ProcessedAt *time.Time
	Note        string
}

// ApplyRepair writes a correction only if the row still has the columns the
// reconciler observed in rec. The payment status is never written.
func (r *TransactionRepo) ApplyRepair(ctx context.Context, rec *Record, fix Repair) error {
	var sets []string
	var args []any

	if fix.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*fix.Status))
	}
	if fix.ExternalID != "" {
		sets = append(sets, "external_id = ?")
		args = append(args, fix.ExternalID)
	}
	if fix.ProcessedAt != nil {
		sets = append(sets, "processed_at = ?")
		args = append(args, formatTime(*fix.ProcessedAt))
	}
	if fix.Note != "" {
		set, noteArgs := appendNote(fix.Note)
		sets = append(sets, set)
		args = append(args, noteArgs...)
	}
	if len(sets) == 0 {
		return nil
	}

	where := "id = ? AND payment_status = ? AND status = ? AND COALESCE(external_id, '') = ?"
	args = append(args, rec.ID, string(rec.StoredPaymentStatus), string(rec.StoredStatus), rec.ExternalID)
	if rec.ProcessedAt == nil {
		where += " AND processed_at IS NULL"
	}

	res, err := r.db.ExecContext(ctx,
		"UPDATE transactions SET "+strings.Join(sets, ", ")+" WHERE "+where, args...)
	if err != nil {
		return fmt.Errorf("repair %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateChanged
	}
	return nil
}

// --- helpers ---

// appendNote returns a SET fragment that appends a line to notes without
// rewriting what is already there.
func appendNote(note string) (string, []any) {
	return "notes = CASE WHEN notes IS NULL OR notes = '' THEN ? ELSE notes || ? END", []any{note, "\n" + note}
}

func transactionArgs(tx *domain.Transaction, ps domain.PaymentStatus, os domain.OrderStatus) []any {
	var fee any
	if !tx.Fee.IsZero() {
		fee = tx.Fee.String()
	}
	return []any{
		tx.ID, nullString(tx.ExternalID), nullString(tx.ReferenceID), tx.ProductRef,
		tx.Amount.String(), tx.OriginalAmount.String(), tx.DiscountPercent.String(),
		nullString(tx.CouponCode), tx.Customer.Name, nullString(tx.Customer.Email),
		tx.Customer.Phone, nullString(tx.Customer.Address), nullString(tx.Customer.City),
		nullString(tx.Customer.Country), nullString(tx.Customer.IP),
		nullString(tx.Customer.UserAgent), nullString(tx.Customer.Device),
		nullString(tx.Customer.Browser), string(tx.Method), string(ps), string(os),
		nullString(tx.GatewayName), nullString(tx.GatewayReference), fee, tx.Attempts,
		formatNullableTime(tx.ProcessedAt), formatTime(tx.CreatedAt),
		formatNullableTime(tx.DeliveredAt), nullString(tx.Notes),
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var rec Record
	var (
		externalID, referenceID, couponCode, email, address, city, country sql.NullString
		ip, userAgent, device, browser, gatewayName, gatewayRef, notes     sql.NullString
		processedAt, deliveredAt                                           sql.NullString
		originalAmount, discount, fee                                      decimal.NullDecimal
		method, paymentStatus, status, createdAt                           string
	)

	tx := &rec.Transaction
	err := s.Scan(
		&tx.ID, &externalID, &referenceID, &tx.ProductRef, &tx.Amount, &originalAmount,
		&discount, &couponCode, &tx.Customer.Name, &email, &tx.Customer.Phone,
		&address, &city, &country, &ip, &userAgent, &device,
		&browser, &method, &paymentStatus, &status, &gatewayName, &gatewayRef, &fee,
		&tx.Attempts, &processedAt, &createdAt, &deliveredAt, &notes,
	)
	if err != nil {
		return nil, err
	}

	tx.ExternalID = externalID.String
	tx.ReferenceID = referenceID.String
	tx.OriginalAmount = originalAmount.Decimal
	tx.DiscountPercent = discount.Decimal
	tx.CouponCode = couponCode.String
	tx.Customer.Email = email.String
	tx.Customer.Address = address.String
	tx.Customer.City = city.String
	tx.Customer.Country = country.String
	tx.Customer.IP = ip.String
	tx.Customer.UserAgent = userAgent.String
	tx.Customer.Device = device.String
	tx.Customer.Browser = browser.String
	tx.Method = domain.PaymentMethod(method)
	tx.GatewayName = gatewayName.String
	tx.GatewayReference = gatewayRef.String
	tx.Fee = fee.Decimal
	tx.Notes = notes.String
	tx.ProcessedAt = parseNullableTime(processedAt)
	tx.DeliveredAt = parseNullableTime(deliveredAt)
	tx.CreatedAt, _ = parseTime(createdAt)
	rec.cursor = Cursor{CreatedAt: createdAt, ID: tx.ID}

	rec.StoredPaymentStatus = domain.PaymentStatus(paymentStatus)
	rec.StoredStatus = domain.OrderStatus(status)
	tx.State, rec.Consistent = domain.StateFromColumns(rec.StoredPaymentStatus, rec.StoredStatus)

	return &rec, nil
}
