package storenode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/baktrius/nhex2/internal/wire"
)

// MongoRepo stores board logs in a mongo collection, one document per
// board: {boardId, commands: [...]}.
type MongoRepo struct {
	client *mongo.Client
	boards *mongo.Collection
}

// OpenMongo connects to mongo and prepares the boards collection.
func OpenMongo(ctx context.Context, uri, dbName string) (*MongoRepo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to board db: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping board db: %w", err)
	}
	boards := client.Database(dbName).Collection("boards")
	_, err = boards.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "boardId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("index board db: %w", err)
	}
	return &MongoRepo{client: client, boards: boards}, nil
}

// Close disconnects from mongo.
func (r *MongoRepo) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

func (r *MongoRepo) InitBoard(ctx context.Context, id string) error {
	_, err := r.boards.InsertOne(ctx, bson.M{"boardId": id, "commands": bson.A{}})
	if mongo.IsDuplicateKeyError(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("init board %s: %w", id, err)
	}
	return nil
}

func (r *MongoRepo) GetBoard(ctx context.Context, id string) (BoardLog, error) {
	var doc struct {
		BoardID  string        `bson:"boardId"`
		Commands []interface{} `bson:"commands"`
	}
	err := r.boards.FindOne(ctx, bson.M{"boardId": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return BoardLog{}, ErrMissing
	}
	if err != nil {
		return BoardLog{}, fmt.Errorf("get board %s: %w", id, err)
	}
	commands := make([]wire.Command, 0, len(doc.Commands))
	for _, v := range doc.Commands {
		raw, err := json.Marshal(v)
		if err != nil {
			return BoardLog{}, fmt.Errorf("encode board %s command: %w", id, err)
		}
		commands = append(commands, raw)
	}
	return BoardLog{BoardID: doc.BoardID, Commands: commands}, nil
}

func (r *MongoRepo) Append(ctx context.Context, id string, commands []wire.Command) error {
	values := make(bson.A, 0, len(commands))
	for _, raw := range commands {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode command for board %s: %w", id, err)
		}
		values = append(values, v)
	}
	res, err := r.boards.UpdateOne(ctx, bson.M{"boardId": id},
		bson.M{"$push": bson.M{"commands": bson.M{"$each": values}}})
	if err != nil {
		return fmt.Errorf("append to board %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return ErrMissing
	}
	return nil
}
