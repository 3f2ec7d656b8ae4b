package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/ingest"
	"github.com/ignite/campaign-engine/internal/segmentation"
)

// CustomerRepo stores customers and orders in MongoDB.
type CustomerRepo struct {
	customers *mongo.Collection
	orders    *mongo.Collection
}

// NewCustomerRepo creates a Mongo-backed customer repository.
func NewCustomerRepo(db *mongo.Database) *CustomerRepo {
	return &CustomerRepo{
		customers: db.Collection(CustomersCollection),
		orders:    db.Collection(OrdersCollection),
	}
}

var audienceSort = bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}

// Find returns every customer matching p.
func (r *CustomerRepo) Find(ctx context.Context, p *segmentation.Predicate) ([]domain.Customer, error) {
	filter, err := Filter(p)
	if err != nil {
		return nil, err
	}
	cur, err := r.customers.Find(ctx, filter, options.Find().SetSort(audienceSort))
	if err != nil {
		return nil, fmt.Errorf("find customers: %w", err)
	}
	var out []domain.Customer
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode customers: %w", err)
	}
	return out, nil
}

// Count returns the number of customers matching p.
func (r *CustomerRepo) Count(ctx context.Context, p *segmentation.Predicate) (int, error) {
	filter, err := Filter(p)
	if err != nil {
		return 0, err
	}
	n, err := r.customers.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count customers: %w", err)
	}
	return int(n), nil
}

// CustomersByID loads customers by internal id. Unknown ids are skipped.
func (r *CustomerRepo) CustomersByID(ctx context.Context, ids []string) ([]domain.Customer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cur, err := r.customers.Find(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}},
		options.Find().SetSort(audienceSort))
	if err != nil {
		return nil, fmt.Errorf("load customers: %w", err)
	}
	var out []domain.Customer
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode customers: %w", err)
	}
	return out, nil
}

// UpsertCustomers writes the batch as one unordered bulk upsert keyed by
// customer_id. Aggregates absent from an input row keep their stored value.
func (r *CustomerRepo) UpsertCustomers(ctx context.Context, batch []ingest.CustomerInput, now time.Time) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	models := make([]mongo.WriteModel, 0, len(batch))
	for _, in := range batch {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.D{{Key: "customer_id", Value: in.CustomerID}}).
			SetUpdate(customerUpdate(in, now)).
			SetUpsert(true))
	}
	res, err := r.customers.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, fmt.Errorf("upsert customers: %w", err)
	}
	return int(res.UpsertedCount + res.MatchedCount), nil
}

func customerUpdate(in ingest.CustomerInput, now time.Time) bson.D {
	set := bson.D{
		{Key: "name", Value: in.Name},
		{Key: "updated_at", Value: now},
	}
	onInsert := bson.D{
		{Key: "_id", Value: uuid.New().String()},
		{Key: "created_at", Value: now},
	}
	var unset bson.D

	optionalString := func(key, v string) {
		if v == "" {
			unset = append(unset, bson.E{Key: key, Value: ""})
			return
		}
		set = append(set, bson.E{Key: key, Value: v})
	}
	optionalString("email", in.Email)
	optionalString("phone", in.Phone)

	if in.TotalSpend != nil {
		set = append(set, bson.E{Key: "total_spend", Value: *in.TotalSpend})
	} else {
		onInsert = append(onInsert, bson.E{Key: "total_spend", Value: 0.0})
	}
	if in.Visits != nil {
		set = append(set, bson.E{Key: "visits", Value: *in.Visits})
	} else {
		onInsert = append(onInsert, bson.E{Key: "visits", Value: 0})
	}
	if in.LastVisit != nil {
		set = append(set, bson.E{Key: "last_visit", Value: in.LastVisit.Time})
	}
	if in.CustomAttributes != nil {
		set = append(set, bson.E{Key: "custom_attributes", Value: in.CustomAttributes})
	}

	update := bson.D{
		{Key: "$set", Value: set},
		{Key: "$setOnInsert", Value: onInsert},
	}
	if len(unset) > 0 {
		update = append(update, bson.E{Key: "$unset", Value: unset})
	}
	return update
}

// RecordOrder inserts o and folds it into the customer's aggregates with a
// single atomic update. If the aggregate update fails the order is removed
// again so a retry can succeed.
func (r *CustomerRepo) RecordOrder(ctx context.Context, o domain.Order) error {
	var owner struct {
		ID string `bson:"_id"`
	}
	err := r.customers.FindOne(ctx,
		bson.D{{Key: "customer_id", Value: o.CustomerID}},
		options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 1}}),
	).Decode(&owner)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ingest.ErrCustomerNotFound
	}
	if err != nil {
		return fmt.Errorf("find customer: %w", err)
	}

	o.CustomerRef = owner.ID
	if _, err := r.orders.InsertOne(ctx, o); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ingest.ErrDuplicateOrder
		}
		return fmt.Errorf("insert order: %w", err)
	}

	_, err = r.customers.UpdateByID(ctx, owner.ID, bson.D{
		{Key: "$inc", Value: bson.D{{Key: "total_spend", Value: o.Amount}, {Key: "visits", Value: 1}}},
		{Key: "$max", Value: bson.D{{Key: "last_visit", Value: o.Date}}},
		{Key: "$set", Value: bson.D{{Key: "updated_at", Value: o.CreatedAt}}},
	})
	if err != nil {
		if _, derr := r.orders.DeleteOne(ctx, bson.D{{Key: "order_id", Value: o.OrderID}}); derr != nil {
			return fmt.Errorf("update aggregates: %w (order %s left behind: %v)", err, o.OrderID, derr)
		}
		return fmt.Errorf("update aggregates: %w", err)
	}
	return nil
}

// ListCustomers returns customers, newest first. Limit 0 means all.
func (r *CustomerRepo) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.customers.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	var out []domain.Customer
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode customers: %w", err)
	}
	return out, nil
}

// ListOrders returns orders, newest first. Limit 0 means all.
func (r *CustomerRepo) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.orders.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	var out []domain.Order
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	return out, nil
}
