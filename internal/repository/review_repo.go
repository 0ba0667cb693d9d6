package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ratixpay/paycore/internal/domain"
)

var ErrAlreadyResolved = errors.New("review item already resolved")

// ReviewRepo stores the manual-review list. Items are keyed by a
// deterministic id so re-detecting the same anomaly does not duplicate it.
type ReviewRepo struct {
	db *DB
}

func NewReviewRepo(db *DB) *ReviewRepo {
	return &ReviewRepo{db: db}
}

// Flag inserts item unless an item with the same id exists. It reports
// whether a new item was created.
func (r *ReviewRepo) Flag(ctx context.Context, item *domain.ReviewItem) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO review_items
		(id, kind, transaction_id, external_id, severity, description, detected_at)
		VALUES (?,?,?,?,?,?,?) ON CONFLICT DO NOTHING`,
		item.ID, string(item.Kind), nullString(item.TransactionID), nullString(item.ExternalID),
		string(item.Severity), item.Description, formatTime(item.DetectedAt),
	)
	if err != nil {
		return false, fmt.Errorf("flag review %s: %w", item.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *ReviewRepo) Resolve(ctx context.Context, id, by string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE review_items SET resolved_at = ?, resolved_by = ? WHERE id = ? AND resolved_at IS NULL",
		formatTime(at), by, id,
	)
	if err != nil {
		return fmt.Errorf("resolve review %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM review_items WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("resolve review %s: %w", id, err)
	}
	if exists == 0 {
		return domain.ErrNotFound
	}
	return ErrAlreadyResolved
}

type ReviewFilter struct {
	Kind       string
	Severity   string
	ExternalID string
	OpenOnly   bool
	Page       int
	Limit      int
}

func (r *ReviewRepo) List(ctx context.Context, f ReviewFilter) ([]domain.ReviewItem, int, error) {
	where, args := buildReviewWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM review_items"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	q := `SELECT id, kind, transaction_id, external_id, severity, description, detected_at,
		resolved_at, resolved_by FROM review_items` + where + " ORDER BY detected_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items, err := scanReviewItems(rows)
	return items, total, err
}

// --- helpers ---

func buildReviewWhere(f ReviewFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.ExternalID != "" {
		clauses = append(clauses, "external_id = ?")
		args = append(args, f.ExternalID)
	}
	if f.OpenOnly {
		clauses = append(clauses, "resolved_at IS NULL")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanReviewItems(rows *sql.Rows) ([]domain.ReviewItem, error) {
	var items []domain.ReviewItem
	for rows.Next() {
		var it domain.ReviewItem
		var kind, sev, detectedAt string
		var txnID, extID, resolvedAt, resolvedBy sql.NullString

		err := rows.Scan(
			&it.ID, &kind, &txnID, &extID, &sev, &it.Description, &detectedAt,
			&resolvedAt, &resolvedBy,
		)
		if err != nil {
			return nil, err
		}

		it.Kind = domain.ReviewKind(kind)
		it.Severity = domain.Severity(sev)
		it.DetectedAt, _ = parseTime(detectedAt)
		it.TransactionID = txnID.String
		it.ExternalID = extID.String
		it.ResolvedAt = parseNullableTime(resolvedAt)
		it.ResolvedBy = resolvedBy.String

		items = append(items, it)
	}
	return items, rows.Err()
}
