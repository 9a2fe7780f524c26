package store

import (
	"context"
	"regexp"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/you/livechat-collector/internal/core"
)

type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// OpenMongo connects with the stable server API and verifies the deployment
// answers a ping before returning.
func OpenMongo(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	if dbName == "" {
		return nil, errors.Wrap(core.ErrConfiguration, "mongo database name is empty")
	}
	opts := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1))
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongo")
	}
	return &MongoStore{client: client, db: client.Database(dbName)}, nil
}

func (s *MongoStore) Kind() string { return "mongodb" }

func (s *MongoStore) Insert(ctx context.Context, collection string, msg core.ChatMessage) error {
	_, err := s.db.Collection(collection).InsertOne(ctx, msg)
	return errors.Wrapf(err, "insert into %s", collection)
}

func (s *MongoStore) FindOne(ctx context.Context, collection string, key core.MessageKey) (*core.ChatMessage, error) {
	filter := bson.D{
		{Key: "video_id", Value: key.StreamID},
		{Key: "datetime", Value: key.Timestamp},
		{Key: "author", Value: key.Author},
		{Key: "message", Value: key.Text},
	}
	var msg core.ChatMessage
	err := s.db.Collection(collection).
		FindOne(ctx, filter, options.FindOne().SetProjection(bson.M{"_id": 0})).
		Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find one in %s", collection)
	}
	return &msg, nil
}

func (s *MongoStore) Find(ctx context.Context, collection string, filter Filter) ([]core.ChatMessage, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 0})
	switch filter.Order {
	case OrderAsc:
		opts.SetSort(bson.D{{Key: "datetime", Value: 1}, {Key: "_id", Value: 1}})
	case OrderDesc:
		opts.SetSort(bson.D{{Key: "datetime", Value: -1}, {Key: "_id", Value: -1}})
	}
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := s.db.Collection(collection).Find(ctx, mongoFilter(filter), opts)
	if err != nil {
		return nil, errors.Wrapf(err, "find in %s", collection)
	}
	out := []core.ChatMessage{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrapf(err, "decode %s", collection)
	}
	return out, nil
}

func mongoFilter(filter Filter) bson.M {
	q := bson.M{}
	if len(filter.Authors) > 0 {
		ors := make(bson.A, 0, len(filter.Authors))
		for _, a := range filter.Authors {
			ors = append(ors, bson.M{"author": bson.M{"$regex": regexp.QuoteMeta(a), "$options": "i"}})
		}
		q["$or"] = ors
	}
	if filter.Since != "" {
		q["datetime"] = bson.M{"$gte": filter.Since}
	}
	return q
}

func (s *MongoStore) Count(ctx context.Context, collection string) (int64, error) {
	n, err := s.db.Collection(collection).CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, errors.Wrapf(err, "count %s", collection)
	}
	return n, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
