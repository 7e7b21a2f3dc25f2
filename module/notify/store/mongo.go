package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"notifyhub/module/notify/model"
)

// MongoConfig mirrors the usual driver knobs; URI wins over everything.
type MongoConfig struct {
	URI         string
	Database    string
	MaxPoolSize uint64
	MaxRetry    int
}

type mongoStore struct {
	cli *mongo.Client
	db  *mongo.Database
}

// NewMongo connects (with retry), ensures indexes and returns the store.
func NewMongo(ctx context.Context, cfg MongoConfig) (Store, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "notifyhub"
	}
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = 100
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}

	opts := options.Client().ApplyURI(cfg.URI).SetMaxPoolSize(cfg.MaxPoolSize)

	var (
		cli *mongo.Client
		err error
	)
	for i := 0; i < cfg.MaxRetry; i++ {
		cli, err = mongo.Connect(ctx, opts)
		if err == nil {
			err = cli.Ping(ctx, nil)
		}
		if err == nil {
			break
		}
		time.Sleep(time.Second / 2)
	}
	if err != nil {
		return nil, errors.WithMessage(err, "connect mongo")
	}

	s := &mongoStore{cli: cli, db: cli.Database(cfg.Database)}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, errors.WithMessage(err, "ensure indexes")
	}
	return s, nil
}

func (s *mongoStore) notifs() *mongo.Collection {
	return s.db.Collection(model.Notification{}.Collection())
}
func (s *mongoStore) pending() *mongo.Collection {
	return s.db.Collection(model.PendingEntry{}.Collection())
}
func (s *mongoStore) deliveries() *mongo.Collection {
	return s.db.Collection(model.DeliveryRecord{}.Collection())
}
func (s *mongoStore) prefs() *mongo.Collection {
	return s.db.Collection(model.UserPreferences{}.Collection())
}
func (s *mongoStore) deadLetters() *mongo.Collection {
	return s.db.Collection(model.DeadLetterEntry{}.Collection())
}

func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.pending().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			// one pending row per (notification, user); duplicate
			// bookkeeping is rejected at the storage layer
			Keys:    bson.D{{Key: "notification_id", Value: 1}, {Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "cursor", Value: 1}}},
		{Keys: bson.D{{Key: "expires_at", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.deliveries().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "notification_id", Value: 1}},
	})
	if err != nil {
		return err
	}
	_, err = s.notifs().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "cursor", Value: 1}},
	})
	return err
}

func (s *mongoStore) CreateNotification(ctx context.Context, n *model.Notification) error {
	if _, err := s.notifs().InsertOne(ctx, n); err != nil {
		if !mongo.IsDuplicateKeyError(err) {
			return errors.WithMessage(err, "insert notification")
		}
	}
	pe := &model.PendingEntry{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Cursor:         n.Cursor,
		ExpiresAt:      n.ExpiresAt,
		CreatedAt:      n.CreatedAt,
	}
	if _, err := s.pending().InsertOne(ctx, pe); err != nil {
		if !mongo.IsDuplicateKeyError(err) {
			return errors.WithMessage(err, "insert pending entry")
		}
	}
	return nil
}

func (s *mongoStore) GetNotification(ctx context.Context, id string) (*model.Notification, error) {
	var n model.Notification
	err := s.notifs().FindOne(ctx, bson.M{"_id": id}).Decode(&n)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *mongoStore) MarkDelivered(ctx context.Context, notificationID, serverID string, recipientCount int, atMS int64) error {
	rec := &model.DeliveryRecord{
		NotificationID: notificationID,
		ServerID:       serverID,
		DeliveredAt:    atMS,
		RecipientCount: recipientCount,
	}
	if _, err := s.deliveries().InsertOne(ctx, rec); err != nil {
		return errors.WithMessage(err, "insert delivery record")
	}
	// promote pending -> delivered; never downgrade a terminal status
	_, err := s.notifs().UpdateOne(ctx,
		bson.M{"_id": notificationID, "status": model.StatusPending},
		bson.M{"$set": bson.M{"status": model.StatusDelivered}},
	)
	return err
}

func (s *mongoStore) Acknowledge(ctx context.Context, notificationID, userID string, atMS int64) error {
	if _, err := s.pending().DeleteOne(ctx, bson.M{
		"notification_id": notificationID, "user_id": userID,
	}); err != nil {
		return errors.WithMessage(err, "delete pending entry")
	}
	if _, err := s.notifs().UpdateOne(ctx,
		bson.M{"_id": notificationID, "status": bson.M{
			"$in": []model.Status{model.StatusPending, model.StatusDelivered},
		}},
		bson.M{"$set": bson.M{"status": model.StatusAcknowledged}},
	); err != nil {
		return err
	}
	_, err := s.deliveries().UpdateMany(ctx,
		bson.M{"notification_id": notificationID, "acknowledged_at": bson.M{"$in": []any{nil, int64(0)}}},
		bson.M{"$set": bson.M{"acknowledged_at": atMS}},
	)
	return err
}

func (s *mongoStore) AcknowledgeBatch(ctx context.Context, notificationIDs []string, userID string, atMS int64) (int, error) {
	acked := 0
	for _, id := range notificationIDs {
		res, err := s.pending().DeleteOne(ctx, bson.M{"notification_id": id, "user_id": userID})
		if err != nil {
			return acked, err
		}
		if res.DeletedCount > 0 {
			acked++
		}
		if _, err := s.notifs().UpdateOne(ctx,
			bson.M{"_id": id, "status": bson.M{
				"$in": []model.Status{model.StatusPending, model.StatusDelivered},
			}},
			bson.M{"$set": bson.M{"status": model.StatusAcknowledged}},
		); err != nil {
			return acked, err
		}
		if _, err := s.deliveries().UpdateMany(ctx,
			bson.M{"notification_id": id, "acknowledged_at": bson.M{"$in": []any{nil, int64(0)}}},
			bson.M{"$set": bson.M{"acknowledged_at": atMS}},
		); err != nil {
			return acked, err
		}
	}
	return acked, nil
}

func (s *mongoStore) Expire(ctx context.Context, notificationID string) (bool, error) {
	nowMS := time.Now().UnixMilli()
	var n model.Notification
	err := s.notifs().FindOneAndUpdate(ctx,
		bson.M{
			"_id":        notificationID,
			"status":     model.StatusPending,
			"expires_at": bson.M{"$gt": 0, "$lte": nowMS},
		},
		bson.M{"$set": bson.M{"status": model.StatusExpired}},
	).Decode(&n)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil // already resolved, or not yet due
	}
	if err != nil {
		return false, err
	}
	_, err = s.pending().DeleteOne(ctx, bson.M{
		"notification_id": notificationID, "user_id": n.UserID,
	})
	return true, err
}

func (s *mongoStore) MoveToDeadLetter(ctx context.Context, notificationID, errorMessage string) error {
	if _, err := s.deadLetters().InsertOne(ctx, &model.DeadLetterEntry{
		NotificationID: notificationID,
		ErrorMessage:   errorMessage,
		FailedAt:       time.Now().UnixMilli(),
	}); err != nil {
		return errors.WithMessage(err, "insert dead letter")
	}
	var n model.Notification
	err := s.notifs().FindOneAndUpdate(ctx,
		bson.M{"_id": notificationID, "status": bson.M{
			"$in": []model.Status{model.StatusPending, model.StatusDelivered},
		}},
		bson.M{"$set": bson.M{"status": model.StatusDeadLettered}},
	).Decode(&n)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.pending().DeleteOne(ctx, bson.M{
		"notification_id": notificationID, "user_id": n.UserID,
	})
	return err
}

func (s *mongoStore) GetPending(ctx context.Context, userID, fromCursor string, limit int) ([]*model.Notification, error) {
	nowMS := time.Now().UnixMilli()
	q := bson.M{
		"user_id": userID,
		"$or": []bson.M{
			{"expires_at": bson.M{"$exists": false}},
			{"expires_at": 0},
			{"expires_at": bson.M{"$gt": nowMS}},
		},
	}
	if fromCursor != "" {
		q["cursor"] = bson.M{"$gt": fromCursor}
	}
	opts := options.Find().SetSort(bson.D{{Key: "cursor", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.pending().Find(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	var entries []*model.PendingEntry
	if err := cur.All(ctx, &entries); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(entries))
	for _, pe := range entries {
		ids = append(ids, pe.NotificationID)
	}
	nCur, err := s.notifs().Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	var rows []*model.Notification
	if err := nCur.All(ctx, &rows); err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Notification, len(rows))
	for _, n := range rows {
		byID[n.ID] = n
	}
	// keep pending-entry (cursor) order
	out := make([]*model.Notification, 0, len(entries))
	for _, pe := range entries {
		if n, ok := byID[pe.NotificationID]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *mongoStore) SweepExpired(ctx context.Context, nowMS int64, limit int) (int, error) {
	q := bson.M{"expires_at": bson.M{"$gt": 0, "$lte": nowMS}}
	opts := options.Find()
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.pending().Find(ctx, q, opts)
	if err != nil {
		return 0, err
	}
	var entries []*model.PendingEntry
	if err := cur.All(ctx, &entries); err != nil {
		return 0, err
	}
	count := 0
	for _, pe := range entries {
		ok, err := s.Expire(ctx, pe.NotificationID)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

func (s *mongoStore) GetPreferences(ctx context.Context, userID string) (*model.UserPreferences, error) {
	var p model.UserPreferences
	err := s.prefs().FindOne(ctx, bson.M{"_id": userID}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *mongoStore) PutPreferences(ctx context.Context, prefs *model.UserPreferences) error {
	_, err := s.prefs().ReplaceOne(ctx,
		bson.M{"_id": prefs.UserID}, prefs, options.Replace().SetUpsert(true))
	return err
}

func (s *mongoStore) ListDeliveries(ctx context.Context, notificationID string) ([]*model.DeliveryRecord, error) {
	cur, err := s.deliveries().Find(ctx, bson.M{"notification_id": notificationID})
	if err != nil {
		return nil, err
	}
	var out []*model.DeliveryRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *mongoStore) ListDeadLetters(ctx context.Context, limit int) ([]*model.DeadLetterEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "failed_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.deadLetters().Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	var out []*model.DeadLetterEntry
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *mongoStore) Close(ctx context.Context) error {
	return s.cli.Disconnect(ctx)
}
