package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo is the production DocumentStore.
type Mongo struct {
	db *mongo.Database
}

// DialMongo connects and pings with a bounded timeout.
func DialMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Mongo{db: client.Database(database)}, nil
}

// Close disconnects the underlying client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.db.Client().Disconnect(ctx)
}

func (m *Mongo) Find(ctx context.Context, collection string, filter Filter, results any) error {
	cursor, err := m.db.Collection(collection).Find(ctx, toBSON(filter))
	if err != nil {
		return fmt.Errorf("find %s: %w", collection, err)
	}
	defer cursor.Close(ctx)
	if err := cursor.All(ctx, results); err != nil {
		return fmt.Errorf("decode %s results: %w", collection, err)
	}
	return nil
}

func (m *Mongo) FindOne(ctx context.Context, collection string, filter Filter, out any) error {
	err := m.db.Collection(collection).FindOne(ctx, toBSON(filter)).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("findOne %s: %w", collection, err)
	}
	return nil
}

func (m *Mongo) Insert(ctx context.Context, collection string, doc any) error {
	if _, err := m.db.Collection(collection).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert %s: %w", collection, err)
	}
	return nil
}

func (m *Mongo) UpdateOne(ctx context.Context, collection string, filter Filter, set map[string]any) error {
	res, err := m.db.Collection(collection).UpdateOne(ctx, toBSON(filter), bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("updateOne %s: %w", collection, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) DeleteOne(ctx context.Context, collection string, filter Filter) error {
	res, err := m.db.Collection(collection).DeleteOne(ctx, toBSON(filter))
	if err != nil {
		return fmt.Errorf("deleteOne %s: %w", collection, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func toBSON(filter Filter) bson.M {
	out := bson.M{}
	for k, v := range filter {
		out[k] = v
	}
	return out
}
