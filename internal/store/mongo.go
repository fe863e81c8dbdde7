package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/menteilabs/relay/internal/domain"
)

// MongoBackend stores messages and channels in MongoDB. Appends are
// $setOnInsert upserts keyed by message id, so the at-least-once paths
// (publish echo, fallback append, archiver replay) all collapse to one row.
type MongoBackend struct {
	msgColl  *mongo.Collection
	chanColl *mongo.Collection
}

func NewMongoClient(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return mongo.Connect(ctx, options.Client().ApplyURI(uri))
}

func NewMongoBackend(db *mongo.Database) *MongoBackend {
	b := &MongoBackend{
		msgColl:  db.Collection("messages"),
		chanColl: db.Collection("channels"),
	}
	_, _ = b.msgColl.Indexes().CreateOne(context.Background(), mongo.IndexModel{
		Keys: bson.D{{Key: "channel_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	// one direct channel per unordered participant pair
	_, _ = b.chanColl.Indexes().CreateOne(context.Background(), mongo.IndexModel{
		Keys: bson.D{{Key: "direct_key", Value: 1}},
		Options: options.Index().SetUnique(true).
			SetPartialFilterExpression(bson.M{"direct_key": bson.M{"$exists": true}}),
	})
	return b
}

func (b *MongoBackend) AppendMessage(ctx context.Context, m *domain.Message) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := b.msgColl.UpdateOne(ctx,
		bson.M{"_id": m.ID},
		bson.M{"$setOnInsert": m},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return err
	}
	_, err = b.chanColl.UpdateByID(ctx, m.ChannelID,
		bson.M{"$max": bson.M{"updated_at": m.CreatedAt}})
	return err
}

func (b *MongoBackend) Messages(ctx context.Context, channelID string, limit int64, before time.Time) ([]domain.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	filter := bson.M{"channel_id": channelID}
	if !before.IsZero() {
		filter["created_at"] = bson.M{"$lt": before}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(limit)
	cur, err := b.msgColl.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []domain.Message{}
	for cur.Next(ctx) {
		var m domain.Message
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, cur.Err()
}

func (b *MongoBackend) MarkRead(ctx context.Context, channelID, readerID string, at time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	res, err := b.msgColl.UpdateMany(ctx,
		bson.M{
			"channel_id": channelID,
			"sender_id":  bson.M{"$ne": readerID},
			"read_at":    nil,
		},
		bson.M{"$set": bson.M{"read_at": at}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (b *MongoBackend) LastMessage(ctx context.Context, channelID string) (*domain.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	var m domain.Message
	if err := b.msgColl.FindOne(ctx, bson.M{"channel_id": channelID}, opts).Decode(&m); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (b *MongoBackend) CountMessages(ctx context.Context, channelID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return b.msgColl.CountDocuments(ctx, bson.M{"channel_id": channelID})
}

func (b *MongoBackend) CountMessagesSince(ctx context.Context, channelID string, since time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return b.msgColl.CountDocuments(ctx, bson.M{
		"channel_id": channelID,
		"created_at": bson.M{"$gte": since},
	})
}

func (b *MongoBackend) CountUnread(ctx context.Context, channelID, readerID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return b.msgColl.CountDocuments(ctx, bson.M{
		"channel_id": channelID,
		"sender_id":  bson.M{"$ne": readerID},
		"read_at":    nil,
	})
}

// UpsertChannel creates the channel if absent and loads the stored row into
// ch either way, so lookup-or-create is one call.
func (b *MongoBackend) UpsertChannel(ctx context.Context, ch *domain.Channel) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := b.chanColl.UpdateByID(ctx, ch.ID,
		bson.M{"$setOnInsert": ch},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return err
	}
	return b.chanColl.FindOne(ctx, bson.M{"_id": ch.ID}).Decode(ch)
}

func (b *MongoBackend) Channel(ctx context.Context, id string) (*domain.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var ch domain.Channel
	if err := b.chanColl.FindOne(ctx, bson.M{"_id": id}).Decode(&ch); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ch, nil
}

func (b *MongoBackend) ChannelsFor(ctx context.Context, identityID string, limit int64) ([]domain.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}).SetLimit(limit)
	cur, err := b.chanColl.Find(ctx, bson.M{
		"participant_ids": identityID,
		"kind":            bson.M{"$ne": domain.ChannelGlobal},
	}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []domain.Channel{}
	for cur.Next(ctx) {
		var ch domain.Channel
		if err := cur.Decode(&ch); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, cur.Err()
}
