package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/menteilabs/relay/internal/domain"
)

// MongoDirectory is the identity read model. The messaging core never
// authenticates; it only resolves ids handed to it by the session layer.
type MongoDirectory struct {
	coll *mongo.Collection
}

func NewMongoDirectory(db *mongo.Database) *MongoDirectory {
	return &MongoDirectory{coll: db.Collection("identities")}
}

func (d *MongoDirectory) Identity(ctx context.Context, id string) (*domain.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var ident domain.Identity
	if err := d.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&ident); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ident, nil
}

func (d *MongoDirectory) Search(ctx context.Context, query string, limit int64) ([]domain.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	filter := bson.M{"display_name": bson.M{
		"$regex": primitive.Regex{Pattern: regexQuote(query), Options: "i"},
	}}
	cur, err := d.coll.Find(ctx, filter, options.Find().SetLimit(limit))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []domain.Identity{}
	for cur.Next(ctx) {
		var ident domain.Identity
		if err := cur.Decode(&ident); err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, cur.Err()
}

func regexQuote(s string) string {
	const special = `\.+*?()|[]{}^$`
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MemoryDirectory serves single-node deploys and tests.
type MemoryDirectory struct {
	mu  sync.RWMutex
	ids map[string]domain.Identity
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{ids: make(map[string]domain.Identity)}
}

func (d *MemoryDirectory) Put(ident domain.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids[ident.ID] = ident
}

func (d *MemoryDirectory) Identity(ctx context.Context, id string) (*domain.Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ident, ok := d.ids[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &ident, nil
}

func (d *MemoryDirectory) Search(ctx context.Context, query string, limit int64) ([]domain.Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	q := strings.ToLower(query)
	out := []domain.Identity{}
	for _, ident := range d.ids {
		if strings.Contains(strings.ToLower(ident.DisplayName), q) {
			out = append(out, ident)
			if limit > 0 && int64(len(out)) == limit {
				break
			}
		}
	}
	return out, nil
}
