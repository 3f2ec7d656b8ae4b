package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/ignite/campaign-engine/internal/domain"
)

// psql is the statement builder shared by every repo.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type rowScanner interface {
	Scan(dest ...any) error
}

// scanCustomer reads a row selected with segmentation.CustomerColumns.
func scanCustomer(row rowScanner) (domain.Customer, error) {
	var (
		c         domain.Customer
		email     sql.NullString
		phone     sql.NullString
		lastVisit sql.NullTime
		attrs     []byte
	)
	if err := row.Scan(
		&c.ID, &c.CustomerID, &c.Name, &email, &phone, &c.TotalSpend, &c.Visits,
		&lastVisit, &attrs, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return c, err
	}
	c.Email = email.String
	c.Phone = phone.String
	if lastVisit.Valid {
		t := lastVisit.Time.UTC()
		c.LastVisit = &t
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &c.CustomAttributes); err != nil {
			return c, fmt.Errorf("decode custom_attributes for %s: %w", c.CustomerID, err)
		}
		if len(c.CustomAttributes) == 0 {
			c.CustomAttributes = nil
		}
	}
	return c, nil
}

func scanCustomers(rows *sql.Rows) ([]domain.Customer, error) {
	defer rows.Close()
	var out []domain.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
