package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ratixpay/paycore/internal/domain"
)

// ProductRepo is the catalog collaborator: price lookup and sale counting.
type ProductRepo struct {
	db *DB
}

func NewProductRepo(db *DB) *ProductRepo {
	return &ProductRepo{db: db}
}

func (r *ProductRepo) GetByID(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	var active int
	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, price, active, sales_count FROM products WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &p.Price, &active, &p.SalesCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}
	p.Active = active != 0
	return &p, nil
}

func (r *ProductRepo) IncrementSaleCount(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "UPDATE products SET sales_count = sales_count + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("increment sales %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Seed inserts products that do not exist yet and returns how many were
// added.
func (r *ProductRepo) Seed(ctx context.Context, products []domain.Product) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO products (id, name, price, active, sales_count)
		VALUES (?,?,?,?,?) ON CONFLICT DO NOTHING`,
	)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range products {
		p := &products[i]
		active := 0
		if p.Active {
			active = 1
		}
		res, err := stmt.ExecContext(ctx, p.ID, p.Name, p.Price.String(), active, p.SalesCount)
		if err != nil {
			return inserted, fmt.Errorf("insert product %d: %w", i, err)
		}
		ra, _ := res.RowsAffected()
		inserted += int(ra)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func (r *ProductRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM products").Scan(&count)
	return count, err
}
