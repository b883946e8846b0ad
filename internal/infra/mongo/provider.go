package mongo

import (
	"context"
	"fmt"

	"github.com/dvloznov/finance-intel/internal/logger"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ---- Abstractions for Testability ----

// DataStore defines the collection operations the store needs.
type DataStore interface {
	FindAll(ctx context.Context, filter interface{}, results interface{}, opts ...*options.FindOptions) error
	FindOne(ctx context.Context, filter interface{}, result interface{}) error
	Distinct(ctx context.Context, field string, filter interface{}) ([]interface{}, error)
	BulkWrite(
		ctx context.Context,
		models []mongo.WriteModel,
		opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error)
	InsertOne(
		ctx context.Context,
		document interface{},
		opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}) (*mongo.UpdateResult, error)
	DeleteMany(ctx context.Context, filter interface{}) (*mongo.DeleteResult, error)
}

// CollectionProvider defines the interface for obtaining a collection and
// running a unit of work atomically.
type CollectionProvider interface {
	Collection(name string) DataStore
	// WithTransaction runs fn in a transaction; fn must use the context it is given.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// MongoCollection adapts *mongo.Collection to DataStore.
type MongoCollection struct {
	*mongo.Collection
}

// FindAll decodes every matching document into results, a pointer to a slice.
func (c *MongoCollection) FindAll(ctx context.Context, filter interface{}, results interface{}, opts ...*options.FindOptions) error {
	cur, err := c.Collection.Find(ctx, filter, opts...)
	if err != nil {
		return fmt.Errorf("failed to perform Find: %w", err)
	}
	if err := cur.All(ctx, results); err != nil {
		return fmt.Errorf("failed to decode cursor: %w", err)
	}
	return nil
}

// FindOne decodes the first matching document. It returns mongo.ErrNoDocuments
// (wrapped) when nothing matches.
func (c *MongoCollection) FindOne(ctx context.Context, filter interface{}, result interface{}) error {
	if err := c.Collection.FindOne(ctx, filter).Decode(result); err != nil {
		return fmt.Errorf("failed to perform FindOne: %w", err)
	}
	return nil
}

// Distinct returns the distinct values of field.
func (c *MongoCollection) Distinct(ctx context.Context, field string, filter interface{}) ([]interface{}, error) {
	values, err := c.Collection.Distinct(ctx, field, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to perform Distinct: %w", err)
	}
	return values, nil
}

// BulkWrite performs a bulk write operation.
func (c *MongoCollection) BulkWrite(
	ctx context.Context,
	models []mongo.WriteModel,
	opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error) {
	result, err := c.Collection.BulkWrite(ctx, models, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to perform BulkWrite: %w", err)
	}

	return result, nil
}

// InsertOne inserts a single document.
func (c *MongoCollection) InsertOne(
	ctx context.Context,
	document interface{},
	opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	result, err := c.Collection.InsertOne(ctx, document, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to perform InsertOne: %w", err)
	}

	return result, nil
}

// UpdateOne updates the first matching document.
func (c *MongoCollection) UpdateOne(ctx context.Context, filter interface{}, update interface{}) (*mongo.UpdateResult, error) {
	result, err := c.Collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return nil, fmt.Errorf("failed to perform UpdateOne: %w", err)
	}
	return result, nil
}

// DeleteMany deletes every matching document.
func (c *MongoCollection) DeleteMany(ctx context.Context, filter interface{}) (*mongo.DeleteResult, error) {
	result, err := c.Collection.DeleteMany(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to perform DeleteMany: %w", err)
	}
	return result, nil
}

// MongoProvider adapts *mongo.Client to CollectionProvider.
type MongoProvider struct {
	client   *mongo.Client
	database string
}

// NewMongoProvider creates a new MongoProvider on database.
func NewMongoProvider(client *mongo.Client, database string) *MongoProvider {
	return &MongoProvider{client: client, database: database}
}

// Collection returns a DataStore for the given collection name.
func (p *MongoProvider) Collection(name string) DataStore {
	return &MongoCollection{p.client.Database(p.database).Collection(name)}
}

// WithTransaction runs fn inside a session transaction. Transactions need a
// replica set or sharded cluster.
func (p *MongoProvider) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := p.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// Disconnect closes the underlying client.
func (p *MongoProvider) Disconnect(ctx context.Context) error {
	return p.client.Disconnect(ctx)
}

// ConnectToMongoDB establishes a connection to MongoDB.
func ConnectToMongoDB(ctx context.Context, uri string) (*mongo.Client, error) {
	log := logger.FromContext(ctx)
	log.Debug().Msg("Attempting to connect to MongoDB")

	clientOptions := options.Client().ApplyURI(uri)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	err = client.Ping(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	log.Info().Msg("Successfully established connection to MongoDB")
	return client, nil
}
