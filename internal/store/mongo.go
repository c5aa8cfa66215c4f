package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	subscriptionsCollection = "subscriptions"
	maxUpdateAttempts       = 32
)

// subscriptionDocument mirrors the Postgres layout: the full record as
// JSON plus the fields queried on. Version guards compare-and-swap updates.
type subscriptionDocument struct {
	ID        string    `bson:"_id"`
	OwnerID   string    `bson:"owner_id"`
	IsActive  bool      `bson:"is_active"`
	Status    string    `bson:"status"`
	Events    []string  `bson:"events"`
	Version   int64     `bson:"version"`
	Data      []byte    `bson:"data"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	s := &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(subscriptionsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_id", Value: 1}}},
		{Keys: bson.D{{Key: "events", Value: 1}, {Key: "is_active", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating mongo indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, sub *domain.Subscription) error {
	doc, err := toDocument(sub, 1)
	if err != nil {
		return err
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	doc, err := s.findDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodeSubscription(doc.Data)
}

func (s *MongoStore) List(ctx context.Context, ownerID string) ([]*domain.Subscription, error) {
	filter := bson.M{}
	if ownerID != "" {
		filter["owner_id"] = ownerID
	}
	return s.findMany(ctx, filter)
}

func (s *MongoStore) FindCandidates(ctx context.Context, q Query) ([]*domain.Subscription, error) {
	filter := bson.M{
		"is_active": true,
		"status":    bson.M{"$in": eligibleStatuses},
		"events":    bson.M{"$in": candidateEvents(q)},
	}
	if q.OwnerID != "" {
		filter["owner_id"] = q.OwnerID
	}
	return s.findMany(ctx, filter)
}

// Update retries the read-modify-write until the version it read is
// still current.
func (s *MongoStore) Update(ctx context.Context, id string, fn UpdateFunc) (*domain.Subscription, error) {
	for i := 0; i < maxUpdateAttempts; i++ {
		current, err := s.findDocument(ctx, id)
		if err != nil {
			return nil, err
		}

		sub, err := decodeSubscription(current.Data)
		if err != nil {
			return nil, err
		}
		if err := fn(sub); err != nil {
			return nil, err
		}
		sub.ID = id
		sub.UpdatedAt = time.Now().UTC()

		next, err := toDocument(sub, current.Version+1)
		if err != nil {
			return nil, err
		}

		res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": id, "version": current.Version}, next)
		if err != nil {
			return nil, fmt.Errorf("replacing subscription: %w", err)
		}
		if res.MatchedCount == 1 {
			return sub, nil
		}
	}
	return nil, fmt.Errorf("subscription %s: %w", id, ErrConflict)
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *MongoStore) findDocument(ctx context.Context, id string) (*subscriptionDocument, error) {
	var doc subscriptionDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return &doc, nil
}

func (s *MongoStore) findMany(ctx context.Context, filter bson.M) ([]*domain.Subscription, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer cursor.Close(ctx)

	subs := []*domain.Subscription{}
	for cursor.Next(ctx) {
		var doc subscriptionDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding subscription document: %w", err)
		}
		sub, err := decodeSubscription(doc.Data)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscriptions: %w", err)
	}
	return subs, nil
}

func toDocument(sub *domain.Subscription, version int64) (*subscriptionDocument, error) {
	data, err := encodeSubscription(sub)
	if err != nil {
		return nil, err
	}
	return &subscriptionDocument{
		ID:        sub.ID,
		OwnerID:   sub.OwnerID,
		IsActive:  sub.IsActive,
		Status:    sub.Status,
		Events:    sub.Events,
		Version:   version,
		Data:      data,
		CreatedAt: sub.CreatedAt,
		UpdatedAt: sub.UpdatedAt,
	}, nil
}
