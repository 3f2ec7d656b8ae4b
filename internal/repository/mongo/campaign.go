package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

// transitionAttempts bounds how often Transition re-reads a recipient whose
// status changed between the conditional update and the follow-up read.
const transitionAttempts = 3

// CampaignRepo implements campaign.Repository against MongoDB. Each
// campaign is one document holding its recipients and counters.
type CampaignRepo struct{ coll *mongo.Collection }

// NewCampaignRepo creates a Mongo-backed campaign repository.
func NewCampaignRepo(db *mongo.Database) *CampaignRepo {
	return &CampaignRepo{coll: db.Collection(CampaignsCollection)}
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	if _, err := r.coll.InsertOne(ctx, c); err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	var c domain.Campaign
	err := r.coll.FindOne(ctx, bson.D{{Key: "campaign_id", Value: id}}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return &c, nil
}

// List returns summaries without loading recipient arrays.
func (r *CampaignRepo) List(ctx context.Context, f campaign.ListFilter) ([]domain.CampaignSummary, error) {
	filter := bson.D{}
	if f.CreatedBy != "" {
		filter = append(filter, bson.E{Key: "created_by", Value: f.CreatedBy})
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetProjection(bson.D{{Key: "recipients", Value: 0}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	var docs []domain.Campaign
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode campaigns: %w", err)
	}
	out := make([]domain.CampaignSummary, 0, len(docs))
	for i := range docs {
		s := docs[i].Summary()
		s.AudienceSize = docs[i].StatusCounts.Total()
		out = append(out, s)
	}
	return out, nil
}

// Transition updates the recipient only if it is still in a state the
// target allows, moving the counters in the same document write. When
// nothing matched, the current state is read back to classify the request.
func (r *CampaignRepo) Transition(ctx context.Context, req campaign.TransitionRequest) (campaign.Outcome, error) {
	for range transitionAttempts {
		applied, err := r.tryTransition(ctx, req)
		if err != nil {
			return "", err
		}
		if applied {
			return campaign.OutcomeApplied, nil
		}

		current, err := r.recipientStatus(ctx, req.CampaignID, req.CustomerID)
		if err != nil {
			return "", err
		}
		outcome, err := campaign.Decide(req.CustomerID, current, req.To)
		if err != nil || outcome != campaign.OutcomeApplied {
			return outcome, err
		}
		// The recipient moved between the update and the read; try again.
	}
	return "", fmt.Errorf("transition recipient %s: status kept changing", req.CustomerID)
}

// tryTransition attempts the conditional update once per allowed source
// state so the counter decrement matches the state actually left.
func (r *CampaignRepo) tryTransition(ctx context.Context, req campaign.TransitionRequest) (bool, error) {
	for _, from := range req.To.AllowedFrom() {
		filter := bson.D{
			{Key: "campaign_id", Value: req.CampaignID},
			{Key: "recipients", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
				{Key: "customer_id", Value: req.CustomerID},
				{Key: "status", Value: from},
			}}}},
		}
		res, err := r.coll.UpdateOne(ctx, filter, transitionUpdate(from, req))
		if err != nil {
			return false, fmt.Errorf("transition recipient %s: %w", req.CustomerID, err)
		}
		if res.MatchedCount == 1 {
			return true, nil
		}
	}
	return false, nil
}

func transitionUpdate(from domain.RecipientStatus, req campaign.TransitionRequest) bson.D {
	inc := bson.D{{Key: "status_counts." + string(req.To), Value: 1}}
	if from == domain.RecipientPending {
		inc = append(inc, bson.E{Key: "status_counts." + string(domain.RecipientPending), Value: -1})
	}
	return bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "recipients.$.status", Value: req.To},
			{Key: "recipients.$.timestamp", Value: req.At},
		}},
		{Key: "$inc", Value: inc},
	}
}

func (r *CampaignRepo) recipientStatus(ctx context.Context, campaignID, customerID string) (domain.RecipientStatus, error) {
	var doc struct {
		Recipients []domain.Recipient `bson:"recipients"`
	}
	err := r.coll.FindOne(ctx,
		bson.D{{Key: "campaign_id", Value: campaignID}},
		options.FindOne().SetProjection(bson.D{
			{Key: "recipients", Value: bson.D{{Key: "$elemMatch", Value: bson.D{{Key: "customer_id", Value: customerID}}}}},
		}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", campaign.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read recipient %s: %w", customerID, err)
	}
	if len(doc.Recipients) == 0 {
		return "", campaign.ErrRecipientNotFound
	}
	return doc.Recipients[0].Status, nil
}
