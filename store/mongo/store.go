// Package mongo implements the admission store on MongoDB. The
// conditional debit rides on FindOneAndUpdate so the balance check and
// the decrement are a single server-side operation.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lessgo/admission"
	"github.com/lessgo/admission/credit"
	"github.com/lessgo/admission/plan"
	admissionstore "github.com/lessgo/admission/store"
	"github.com/lessgo/admission/subscription"
)

// Collection name constants.
const (
	colSubscriptions = "admission_subscriptions"
	colBalances      = "admission_balances"
	colUsageEvents   = "admission_usage_events"
)

// compile-time interface check
var _ admissionstore.Store = (*Store)(nil)

// Store implements store.Store on a MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Open connects to the given URI and returns a store bound to dbName.
func Open(uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("admission/mongo: connect: %w", err)
	}
	return New(client, dbName), nil
}

// New wraps an existing client. The caller keeps ownership of the
// client's lifecycle unless Close is used.
func New(client *mongo.Client, dbName string) *Store {
	return &Store{
		client: client,
		db:     client.Database(dbName),
	}
}

// Database returns the underlying database for direct access.
func (s *Store) Database() *mongo.Database { return s.db }

// Migrate creates the indexes the admission queries depend on.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		colBalances: {
			{
				Keys:    bson.D{{Key: "principal_id", Value: 1}, {Key: "period", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colUsageEvents: {
			{Keys: bson.D{{Key: "principal_id", Value: 1}, {Key: "timestamp", Value: -1}}},
			{Keys: bson.D{{Key: "principal_id", Value: 1}, {Key: "event_type", Value: 1}}},
		},
		colSubscriptions: {
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
	}

	for col, models := range indexes {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("admission/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the underlying client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// ==================== Subscription Store ====================

func (s *Store) UpsertSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	m.UpdatedAt = now()

	_, err := s.db.Collection(colSubscriptions).ReplaceOne(ctx,
		bson.M{"_id": sub.PrincipalID},
		m,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("admission/mongo: upsert subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, principalID string) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.db.Collection(colSubscriptions).
		FindOne(ctx, bson.M{"_id": principalID}).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, admission.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("admission/mongo: get subscription: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) SetSubscriptionTier(ctx context.Context, principalID string, tier plan.Tier) error {
	return s.updateSubscription(ctx, principalID, bson.M{"tier": string(tier)})
}

func (s *Store) SetSubscriptionStatus(ctx context.Context, principalID string, status subscription.Status) error {
	return s.updateSubscription(ctx, principalID, bson.M{"status": string(status)})
}

func (s *Store) updateSubscription(ctx context.Context, principalID string, fields bson.M) error {
	fields["updated_at"] = now()

	res, err := s.db.Collection(colSubscriptions).UpdateOne(ctx,
		bson.M{"_id": principalID},
		bson.M{"$set": fields},
	)
	if err != nil {
		return fmt.Errorf("admission/mongo: update subscription: %w", err)
	}
	if res.MatchedCount == 0 {
		return admission.ErrSubscriptionNotFound
	}
	return nil
}

// ==================== Credit Store ====================

func (s *Store) EnsureBalance(ctx context.Context, principalID, period string, limit int64) (*credit.Balance, error) {
	ts := now()

	// $setOnInsert leaves an existing balance untouched.
	_, err := s.db.Collection(colBalances).UpdateOne(ctx,
		balanceFilter(principalID, period),
		bson.M{"$setOnInsert": bson.M{
			"principal_id": principalID,
			"period":       period,
			"credit_limit": limit,
			"used":         int64(0),
			"remaining":    limit,
			"created_at":   ts,
			"updated_at":   ts,
		}},
		options.UpdateOne().SetUpsert(true),
	)
	// Two racing upserts can both take the insert path; the loser hits
	// the unique index and reads the winner's document instead.
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("admission/mongo: ensure balance: %w", err)
	}
	return s.GetBalance(ctx, principalID, period)
}

func (s *Store) GetBalance(ctx context.Context, principalID, period string) (*credit.Balance, error) {
	var m balanceModel
	err := s.db.Collection(colBalances).
		FindOne(ctx, balanceFilter(principalID, period)).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, admission.ErrBalanceNotFound
		}
		return nil, fmt.Errorf("admission/mongo: get balance: %w", err)
	}
	return fromBalanceModel(&m), nil
}

// Debit decrements the balance and records the event. The filter admits
// only documents that can afford the cost, so two racing debits cannot
// both pass the check.
func (s *Store) Debit(ctx context.Context, principalID, period string, ev *credit.UsageEvent) (int64, error) {
	filter := bson.M{
		"principal_id": principalID,
		"period":       period,
		"$or": bson.A{
			bson.M{"credit_limit": credit.Unlimited},
			bson.M{"remaining": bson.M{"$gte": ev.Cost}},
		},
	}

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"remaining": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$credit_limit", credit.Unlimited}},
				"$remaining",
				bson.M{"$subtract": bson.A{"$remaining", ev.Cost}},
			}},
			"used":       bson.M{"$add": bson.A{"$used", ev.Cost}},
			"updated_at": now(),
		}}},
	}

	var m balanceModel
	err := s.db.Collection(colBalances).
		FindOneAndUpdate(ctx, filter, update,
			options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			// Distinguish a missing balance from a denied debit.
			b, gerr := s.GetBalance(ctx, principalID, period)
			if gerr != nil {
				return 0, gerr
			}
			return b.Remaining, admission.ErrInsufficientCredits
		}
		return 0, fmt.Errorf("admission/mongo: debit: %w", err)
	}

	// A deduction whose event insert fails must not stand: every
	// successful debit carries exactly one event. Undo the decrement so
	// the failure leaves no movement behind.
	if err := s.AppendEvent(ctx, ev); err != nil {
		if _, cerr := s.adjustBalance(ctx, principalID, period, ev.Cost); cerr != nil {
			return 0, fmt.Errorf("%w (undo failed: %v)", err, cerr)
		}
		return 0, err
	}
	return m.Remaining, nil
}

// CreditBack records the refund event before moving credits; if the
// adjustment then fails the event is removed, so the balance and the
// trail never disagree.
func (s *Store) CreditBack(ctx context.Context, principalID, period string, amount int64, ev *credit.UsageEvent) (int64, error) {
	if err := s.AppendEvent(ctx, ev); err != nil {
		return 0, err
	}

	remaining, err := s.adjustBalance(ctx, principalID, period, amount)
	if err != nil {
		_, _ = s.db.Collection(colUsageEvents).DeleteOne(ctx, bson.M{"_id": ev.ID.String()})
		return 0, err
	}
	return remaining, nil
}

// adjustBalance returns amount credits to the balance, capping
// remaining at the period limit and flooring used at zero. Unlimited
// balances only move used.
func (s *Store) adjustBalance(ctx context.Context, principalID, period string, amount int64) (int64, error) {
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"remaining": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$credit_limit", credit.Unlimited}},
				"$remaining",
				bson.M{"$min": bson.A{
					"$credit_limit",
					bson.M{"$add": bson.A{"$remaining", amount}},
				}},
			}},
			"used": bson.M{"$max": bson.A{
				int64(0),
				bson.M{"$subtract": bson.A{"$used", amount}},
			}},
			"updated_at": now(),
		}}},
	}

	var m balanceModel
	err := s.db.Collection(colBalances).
		FindOneAndUpdate(ctx, balanceFilter(principalID, period), update,
			options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return 0, admission.ErrBalanceNotFound
		}
		return 0, fmt.Errorf("admission/mongo: adjust balance: %w", err)
	}
	return m.Remaining, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev *credit.UsageEvent) error {
	if _, err := s.db.Collection(colUsageEvents).InsertOne(ctx, toUsageEventModel(ev)); err != nil {
		return fmt.Errorf("admission/mongo: append event: %w", err)
	}
	return nil
}

func (s *Store) QueryEvents(ctx context.Context, principalID string, opts credit.QueryOpts) ([]*credit.UsageEvent, error) {
	filter := bson.M{"principal_id": principalID}
	if opts.EventType != "" {
		filter["event_type"] = string(opts.EventType)
	}
	timeRange := bson.M{}
	if !opts.Start.IsZero() {
		timeRange["$gte"] = opts.Start
	}
	if !opts.End.IsZero() {
		timeRange["$lte"] = opts.End
	}
	if len(timeRange) > 0 {
		filter["timestamp"] = timeRange
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts = findOpts.SetSkip(int64(opts.Offset))
	}

	cur, err := s.db.Collection(colUsageEvents).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("admission/mongo: query events: %w", err)
	}
	defer cur.Close(ctx)

	var models []usageEventModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("admission/mongo: decode events: %w", err)
	}

	result := make([]*credit.UsageEvent, len(models))
	for i := range models {
		ev, err := fromUsageEventModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = ev
	}
	return result, nil
}

func (s *Store) UsageStats(ctx context.Context, principalID, period string) (*credit.Stats, error) {
	start, end, err := periodBounds(period)
	if err != nil {
		return nil, err
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"principal_id": principalID,
			"success":      true,
			"timestamp":    bson.M{"$gte": start, "$lt": end},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":     "$event_type",
			"count":   bson.M{"$sum": 1},
			"credits": bson.M{"$sum": "$cost"},
		}}},
	}

	cur, err := s.db.Collection(colUsageEvents).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("admission/mongo: usage stats: %w", err)
	}
	defer cur.Close(ctx)

	stats := &credit.Stats{
		PrincipalID: principalID,
		Period:      period,
		ByType:      make(map[credit.EventType]int64),
	}

	var rows []struct {
		EventType string `bson:"_id"`
		Count     int64  `bson:"count"`
		Credits   int64  `bson:"credits"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("admission/mongo: decode stats: %w", err)
	}

	for _, row := range rows {
		stats.TotalEvents += row.Count
		stats.TotalCredits += row.Credits
		stats.ByType[credit.EventType(row.EventType)] = row.Count
	}
	return stats, nil
}

func (s *Store) ResetBalance(ctx context.Context, principalID, period string, limit int64) error {
	ts := now()

	_, err := s.db.Collection(colBalances).UpdateOne(ctx,
		balanceFilter(principalID, period),
		bson.M{
			"$set": bson.M{
				"credit_limit": limit,
				"used":         int64(0),
				"remaining":    limit,
				"updated_at":   ts,
			},
			"$setOnInsert": bson.M{
				"principal_id": principalID,
				"period":       period,
				"created_at":   ts,
			},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("admission/mongo: reset balance: %w", err)
	}
	return nil
}

func (s *Store) SetBalanceLimit(ctx context.Context, principalID, period string, limit int64) error {
	remaining := bson.M{"$literal": credit.Unlimited}
	if limit != credit.Unlimited {
		remaining = bson.M{"$max": bson.A{
			int64(0),
			bson.M{"$subtract": bson.A{limit, "$used"}},
		}}
	}

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"credit_limit": limit,
			"remaining":    remaining,
			"updated_at":   now(),
		}}},
	}

	res, err := s.db.Collection(colBalances).UpdateOne(ctx,
		balanceFilter(principalID, period), update)
	if err != nil {
		return fmt.Errorf("admission/mongo: set balance limit: %w", err)
	}
	if res.MatchedCount == 0 {
		return admission.ErrBalanceNotFound
	}
	return nil
}

// ==================== Helpers ====================

func balanceFilter(principalID, period string) bson.M {
	return bson.M{"principal_id": principalID, "period": period}
}

func periodBounds(period string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01", period)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("admission/mongo: bad period %q: %w", period, err)
	}
	return start, start.AddDate(0, 1, 0), nil
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

func now() time.Time {
	return time.Now().UTC()
}
