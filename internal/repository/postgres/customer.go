package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/ingest"
	"github.com/ignite/campaign-engine/internal/segmentation"
)

// CustomerRepo stores customers and orders. It serves both audience
// resolution and ingestion.
type CustomerRepo struct {
	db *sql.DB
	qb *segmentation.QueryBuilder
}

// NewCustomerRepo creates a Postgres-backed customer repository.
func NewCustomerRepo(db *sql.DB) *CustomerRepo {
	return &CustomerRepo{db: db, qb: segmentation.NewQueryBuilder()}
}

// Find returns every customer matching p.
func (r *CustomerRepo) Find(ctx context.Context, p *segmentation.Predicate) ([]domain.Customer, error) {
	q, args, err := r.qb.BuildQuery(p)
	if err != nil {
		return nil, fmt.Errorf("build audience query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("find customers: %w", err)
	}
	return scanCustomers(rows)
}

// Count returns the number of customers matching p.
func (r *CustomerRepo) Count(ctx context.Context, p *segmentation.Predicate) (int, error) {
	q, args, err := r.qb.BuildCountQuery(p)
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}
	var n int
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count customers: %w", err)
	}
	return n, nil
}

// CustomersByID loads customers by internal id. Unknown ids are skipped.
func (r *CustomerRepo) CustomersByID(ctx context.Context, ids []string) ([]domain.Customer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q, args, err := psql.Select(segmentation.CustomerColumns...).
		From("customers").
		Where("id = ANY(?)", pq.Array(ids)).
		OrderBy("created_at", "id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("load customers: %w", err)
	}
	return scanCustomers(rows)
}

const upsertCustomer = `
INSERT INTO customers (id, customer_id, name, email, phone, total_spend, visits, last_visit, custom_attributes, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6::double precision, 0), COALESCE($7::integer, 0), $8::timestamptz, COALESCE($9::jsonb, '{}'::jsonb), $10, $10)
ON CONFLICT (customer_id) DO UPDATE SET
    name              = EXCLUDED.name,
    email             = EXCLUDED.email,
    phone             = EXCLUDED.phone,
    total_spend       = COALESCE($6::double precision, customers.total_spend),
    visits            = COALESCE($7::integer, customers.visits),
    last_visit        = COALESCE($8::timestamptz, customers.last_visit),
    custom_attributes = COALESCE($9::jsonb, customers.custom_attributes),
    updated_at        = $10`

// UpsertCustomers writes the batch in one transaction keyed by customer_id.
// Aggregates absent from an input row keep their stored value.
func (r *CustomerRepo) UpsertCustomers(ctx context.Context, batch []ingest.CustomerInput, now time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertCustomer)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, in := range batch {
		var spend, visits, lastVisit, attrs any
		if in.TotalSpend != nil {
			spend = *in.TotalSpend
		}
		if in.Visits != nil {
			visits = *in.Visits
		}
		if in.LastVisit != nil {
			lastVisit = in.LastVisit.Time
		}
		if in.CustomAttributes != nil {
			b, err := json.Marshal(in.CustomAttributes)
			if err != nil {
				return 0, fmt.Errorf("encode attributes for %s: %w", in.CustomerID, err)
			}
			attrs = string(b)
		}
		if _, err := stmt.ExecContext(ctx,
			uuid.New().String(), in.CustomerID, in.Name, nullIfEmpty(in.Email), nullIfEmpty(in.Phone),
			spend, visits, lastVisit, attrs, now,
		); err != nil {
			return 0, fmt.Errorf("upsert customer %s: %w", in.CustomerID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert: %w", err)
	}
	return len(batch), nil
}

// RecordOrder inserts o and folds it into the customer's aggregates. The
// customer row is locked for the duration so concurrent orders for the same
// customer serialize.
func (r *CustomerRepo) RecordOrder(ctx context.Context, o domain.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin order: %w", err)
	}
	defer tx.Rollback()

	var ref string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM customers WHERE customer_id = $1 FOR UPDATE`, o.CustomerID,
	).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return ingest.ErrCustomerNotFound
	}
	if err != nil {
		return fmt.Errorf("lock customer: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, order_id, customer_ref, order_date, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, o.ID, o.OrderID, ref, o.Date, o.Amount, o.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ingest.ErrDuplicateOrder
		}
		return fmt.Errorf("insert order: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE customers SET
		    total_spend = total_spend + $2,
		    visits      = visits + 1,
		    last_visit  = GREATEST(last_visit, $3),
		    updated_at  = $4
		WHERE id = $1
	`, ref, o.Amount, o.Date, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("update aggregates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit order: %w", err)
	}
	return nil
}

// ListCustomers returns customers, newest first. Limit 0 means all.
func (r *CustomerRepo) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	q := psql.Select(segmentation.CustomerColumns...).
		From("customers").
		OrderBy("created_at DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	return scanCustomers(rows)
}

// ListOrders returns orders, newest first. Limit 0 means all.
func (r *CustomerRepo) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	q := psql.Select("o.id", "o.order_id", "c.customer_id", "o.customer_ref", "o.order_date", "o.amount", "o.created_at").
		From("orders o").
		Join("customers c ON c.id = o.customer_ref").
		OrderBy("o.created_at DESC", "o.id DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(&o.ID, &o.OrderID, &o.CustomerID, &o.CustomerRef, &o.Date, &o.Amount, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
