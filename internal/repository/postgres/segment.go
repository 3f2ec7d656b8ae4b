package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/segmentation"
)

// SegmentRepo implements segmentation.Repository against PostgreSQL. Rule
// trees are stored as JSONB in their wire form.
type SegmentRepo struct{ db *sql.DB }

// NewSegmentRepo creates a Postgres-backed segment repository.
func NewSegmentRepo(db *sql.DB) *SegmentRepo { return &SegmentRepo{db: db} }

func (r *SegmentRepo) Create(ctx context.Context, s *segmentation.Segment) error {
	rules, err := json.Marshal(s.Rule)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO segments (id, name, rules, audience_size_snapshot, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.ID, s.Name, string(rules), s.AudienceSizeSnapshot, s.CreatedBy, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	return nil
}

func (r *SegmentRepo) Get(ctx context.Context, id string) (*segmentation.Segment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, segmentation.ErrSegmentNotFound
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, rules, audience_size_snapshot, created_by, created_at
		FROM segments
		WHERE id = $1
	`, id)
	s, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, segmentation.ErrSegmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	return &s, nil
}

func (r *SegmentRepo) ListByCreator(ctx context.Context, actor string) ([]segmentation.Segment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, rules, audience_size_snapshot, created_by, created_at
		FROM segments
		WHERE created_by = $1
		ORDER BY created_at DESC
	`, actor)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var out []segmentation.Segment
	for rows.Next() {
		s, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSegment(row rowScanner) (segmentation.Segment, error) {
	var (
		s     segmentation.Segment
		rules []byte
	)
	if err := row.Scan(&s.ID, &s.Name, &rules, &s.AudienceSizeSnapshot, &s.CreatedBy, &s.CreatedAt); err != nil {
		return s, err
	}
	if err := json.Unmarshal(rules, &s.Rule); err != nil {
		return s, fmt.Errorf("decode rules of segment %s: %w", s.ID, err)
	}
	return s, nil
}
