package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

// recipientBatch bounds rows per INSERT so the statement stays under the
// 65535 bind parameter limit.
const recipientBatch = 1000

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

var counterColumns = map[domain.RecipientStatus]string{
	domain.RecipientPending:   "pending_count",
	domain.RecipientSent:      "sent_count",
	domain.RecipientFailed:    "failed_count",
	domain.RecipientDelivered: "delivered_count",
	domain.RecipientOpened:    "opened_count",
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create campaign: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO campaigns
			(id, segment_id, message_template, pending_count, sent_count, failed_count,
			 delivered_count, opened_count, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.ID, c.SegmentID, c.MessageTemplate,
		c.StatusCounts.Pending, c.StatusCounts.Sent, c.StatusCounts.Failed,
		c.StatusCounts.Delivered, c.StatusCounts.Opened, c.CreatedBy, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	for start := 0; start < len(c.Recipients); start += recipientBatch {
		end := min(start+recipientBatch, len(c.Recipients))
		ins := psql.Insert("campaign_recipients").
			Columns("campaign_id", "customer_id", "customer_ref", "position", "status", "last_updated")
		for i, rcp := range c.Recipients[start:end] {
			ins = ins.Values(c.ID, rcp.CustomerID, rcp.CustomerRef, start+i, rcp.Status, rcp.LastUpdated)
		}
		q, args, err := ins.ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert recipients: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit campaign: %w", err)
	}
	return nil
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, campaign.ErrNotFound
	}
	// Counters and recipients come from one snapshot so a transition
	// committing between the two reads is never half visible.
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin campaign read: %w", err)
	}
	defer tx.Rollback()

	c := &domain.Campaign{}
	err = tx.QueryRowContext(ctx, `
		SELECT id, segment_id, message_template, pending_count, sent_count, failed_count,
		       delivered_count, opened_count, created_by, created_at
		FROM campaigns
		WHERE id = $1
	`, id).Scan(
		&c.ID, &c.SegmentID, &c.MessageTemplate,
		&c.StatusCounts.Pending, &c.StatusCounts.Sent, &c.StatusCounts.Failed,
		&c.StatusCounts.Delivered, &c.StatusCounts.Opened, &c.CreatedBy, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}

	if c.Recipients, err = recipients(ctx, tx, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit campaign read: %w", err)
	}
	return c, nil
}

func recipients(ctx context.Context, tx *sql.Tx, id string) ([]domain.Recipient, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT customer_id, customer_ref, status, last_updated
		FROM campaign_recipients
		WHERE campaign_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get recipients: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var (
			rcp         domain.Recipient
			lastUpdated sql.NullTime
		)
		if err := rows.Scan(&rcp.CustomerID, &rcp.CustomerRef, &rcp.Status, &lastUpdated); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		if lastUpdated.Valid {
			t := lastUpdated.Time.UTC()
			rcp.LastUpdated = &t
		}
		out = append(out, rcp)
	}
	return out, rows.Err()
}

func (r *CampaignRepo) List(ctx context.Context, f campaign.ListFilter) ([]domain.CampaignSummary, error) {
	q := psql.Select("id", "segment_id", "message_template", "pending_count", "sent_count",
		"failed_count", "delivered_count", "opened_count", "created_by", "created_at").
		From("campaigns").
		OrderBy("created_at DESC", "id DESC")
	if f.CreatedBy != "" {
		q = q.Where(sq.Eq{"created_by": f.CreatedBy})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.CampaignSummary
	for rows.Next() {
		var s domain.CampaignSummary
		if err := rows.Scan(
			&s.CampaignID, &s.SegmentID, &s.MessageTemplate,
			&s.StatusCounts.Pending, &s.StatusCounts.Sent, &s.StatusCounts.Failed,
			&s.StatusCounts.Delivered, &s.StatusCounts.Opened, &s.CreatedBy, &s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		s.AudienceSize = s.StatusCounts.Total()
		out = append(out, s)
	}
	return out, rows.Err()
}

// Transition locks the recipient row, applies the shared transition rules
// and updates status and counters in the same transaction.
func (r *CampaignRepo) Transition(ctx context.Context, req campaign.TransitionRequest) (campaign.Outcome, error) {
	if _, err := uuid.Parse(req.CampaignID); err != nil {
		return "", campaign.ErrNotFound
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	var current domain.RecipientStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM campaign_recipients
		WHERE campaign_id = $1 AND customer_id = $2
		FOR UPDATE
	`, req.CampaignID, req.CustomerID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", r.missing(ctx, tx, req.CampaignID)
	}
	if err != nil {
		return "", fmt.Errorf("lock recipient: %w", err)
	}

	outcome, err := campaign.Decide(req.CustomerID, current, req.To)
	if err != nil || outcome != campaign.OutcomeApplied {
		return outcome, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE campaign_recipients SET status = $3, last_updated = $4
		WHERE campaign_id = $1 AND customer_id = $2
	`, req.CampaignID, req.CustomerID, req.To, req.At); err != nil {
		return "", fmt.Errorf("update recipient: %w", err)
	}

	q, args, err := counterUpdate(req.CampaignID, current, req.To).ToSql()
	if err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return "", fmt.Errorf("update counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transition: %w", err)
	}
	return campaign.OutcomeApplied, nil
}

// counterUpdate mirrors domain.StatusCounts.Apply.
func counterUpdate(campaignID string, from, to domain.RecipientStatus) sq.UpdateBuilder {
	col := counterColumns[to]
	u := psql.Update("campaigns").
		Set(col, sq.Expr(col+" + 1")).
		Where(sq.Eq{"id": campaignID})
	if from == domain.RecipientPending {
		u = u.Set("pending_count", sq.Expr("pending_count - 1"))
	}
	return u
}

func (r *CampaignRepo) missing(ctx context.Context, tx *sql.Tx, campaignID string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM campaigns WHERE id = $1)`, campaignID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check campaign: %w", err)
	}
	if !exists {
		return campaign.ErrNotFound
	}
	return campaign.ErrRecipientNotFound
}

var _ campaign.Repository = (*CampaignRepo)(nil)
