package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"gcb-engine/pkg/types"
)

const mongoConnectTimeout = 10 * time.Second

// Mongo implements Store on a MongoDB database.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

// OpenMongo connects to MongoDB and verifies the connection with a ping.
func OpenMongo(ctx context.Context, uri, database string, logger *slog.Logger) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Mongo{
		client: client,
		db:     client.Database(database),
		logger: logger.With("component", "store"),
	}, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) GetUser(ctx context.Context, id string) (*types.User, error) {
	var user types.User
	err := m.db.Collection(usersCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &user, nil
}

func (m *Mongo) ListActiveBots(ctx context.Context, kind types.BotKind) ([]types.Bot, error) {
	cur, err := m.db.Collection(botsCollection(kind)).Find(ctx, bson.M{
		"isActive":  true,
		"isRunning": true,
	})
	if err != nil {
		return nil, fmt.Errorf("list %s bots: %w", kind, err)
	}
	var bots []types.Bot
	if err := cur.All(ctx, &bots); err != nil {
		return nil, fmt.Errorf("decode %s bots: %w", kind, err)
	}
	return bots, nil
}

func (m *Mongo) GetBot(ctx context.Context, kind types.BotKind, id string) (*types.Bot, error) {
	var bot types.Bot
	err := m.db.Collection(botsCollection(kind)).FindOne(ctx, bson.M{"_id": id}).Decode(&bot)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s bot %s: %w", kind, id, err)
	}
	return &bot, nil
}

func (m *Mongo) UpdateBot(ctx context.Context, kind types.BotKind, id string, patch Patch) error {
	set := bson.M{"updatedAt": time.Now().UTC()}
	for k, v := range patch.Set {
		set[k] = v
	}
	update := bson.M{"$set": set}
	if len(patch.Inc) > 0 {
		inc := bson.M{}
		for k, v := range patch.Inc {
			inc[k] = v
		}
		update["$inc"] = inc
	}
	res, err := m.db.Collection(botsCollection(kind)).UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("update %s bot %s: %w", kind, id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBot removes the bot document and then sweeps its activity logs. The
// log sweep runs even when it deletes nothing.
func (m *Mongo) DeleteBot(ctx context.Context, kind types.BotKind, id string) error {
	res, err := m.db.Collection(botsCollection(kind)).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete %s bot %s: %w", kind, id, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	if _, err := m.db.Collection(logsCollection(kind)).DeleteMany(ctx, bson.M{"botId": id}); err != nil {
		return fmt.Errorf("delete %s bot %s logs: %w", kind, id, err)
	}
	return nil
}

func (m *Mongo) TouchLastChecked(ctx context.Context, kind types.BotKind, id string, at time.Time) error {
	return m.UpdateBot(ctx, kind, id, Patch{Set: map[string]any{"lastCheckedAt": at.UTC()}})
}

// SetOrdersPlaced is a compare-and-set on the buy-wall flag: the filter only
// matches while ordersPlaced is false, so exactly one concurrent caller sees
// a matched document.
func (m *Mongo) SetOrdersPlaced(ctx context.Context, kind types.BotKind, id string) (bool, error) {
	res, err := m.db.Collection(botsCollection(kind)).UpdateOne(ctx,
		bson.M{"_id": id, "buyWall.ordersPlaced": false},
		bson.M{"$set": bson.M{
			"buyWall.ordersPlaced": true,
			"updatedAt":            time.Now().UTC(),
		}},
	)
	if err != nil {
		return false, fmt.Errorf("set ordersPlaced %s bot %s: %w", kind, id, err)
	}
	return res.MatchedCount == 1, nil
}

func (m *Mongo) RecordTrade(ctx context.Context, trade *types.Trade) error {
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now().UTC()
	}
	_, err := m.db.Collection(tradesCollection(trade.Kind)).InsertOne(ctx, trade)
	if err != nil {
		return fmt.Errorf("record %s trade: %w", trade.Kind, err)
	}
	return nil
}

func (m *Mongo) AppendLog(ctx context.Context, entry *types.ActivityLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := m.db.Collection(logsCollection(entry.Kind)).InsertOne(ctx, entry)
	if err != nil {
		return fmt.Errorf("append %s log: %w", entry.Kind, err)
	}
	return nil
}
