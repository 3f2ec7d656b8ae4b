package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ignite/campaign-engine/internal/segmentation"
)

// segmentDoc is the stored form of a segment. Rules keep their wire shape
// as an embedded document so they stay readable in the shell.
type segmentDoc struct {
	ID                   string    `bson:"_id"`
	Name                 string    `bson:"name"`
	Rules                bson.Raw  `bson:"rules"`
	AudienceSizeSnapshot int       `bson:"audience_size_snapshot"`
	CreatedBy            string    `bson:"created_by"`
	CreatedAt            time.Time `bson:"created_at"`
}

// SegmentRepo implements segmentation.Repository against MongoDB.
type SegmentRepo struct{ coll *mongo.Collection }

// NewSegmentRepo creates a Mongo-backed segment repository.
func NewSegmentRepo(db *mongo.Database) *SegmentRepo {
	return &SegmentRepo{coll: db.Collection(SegmentsCollection)}
}

func (r *SegmentRepo) Create(ctx context.Context, s *segmentation.Segment) error {
	raw, err := json.Marshal(s.Rule)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	var rules bson.Raw
	if err := bson.UnmarshalExtJSON(raw, false, &rules); err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	doc := segmentDoc{
		ID:                   s.ID,
		Name:                 s.Name,
		Rules:                rules,
		AudienceSizeSnapshot: s.AudienceSizeSnapshot,
		CreatedBy:            s.CreatedBy,
		CreatedAt:            s.CreatedAt,
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	return nil
}

func (r *SegmentRepo) Get(ctx context.Context, id string) (*segmentation.Segment, error) {
	var doc segmentDoc
	err := r.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, segmentation.ErrSegmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	s, err := doc.segment()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SegmentRepo) ListByCreator(ctx context.Context, actor string) ([]segmentation.Segment, error) {
	cur, err := r.coll.Find(ctx,
		bson.D{{Key: "created_by", Value: actor}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	var docs []segmentDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode segments: %w", err)
	}
	out := make([]segmentation.Segment, 0, len(docs))
	for _, d := range docs {
		s, err := d.segment()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (d segmentDoc) segment() (segmentation.Segment, error) {
	s := segmentation.Segment{
		ID:                   d.ID,
		Name:                 d.Name,
		AudienceSizeSnapshot: d.AudienceSizeSnapshot,
		CreatedBy:            d.CreatedBy,
		CreatedAt:            d.CreatedAt,
	}
	raw, err := bson.MarshalExtJSON(d.Rules, false, false)
	if err != nil {
		return s, fmt.Errorf("decode rules of segment %s: %w", d.ID, err)
	}
	if err := json.Unmarshal(raw, &s.Rule); err != nil {
		return s, fmt.Errorf("decode rules of segment %s: %w", d.ID, err)
	}
	return s, nil
}
