// Package mongo implements the low-level MongoDB client used by the
// execution journal.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"agentflow.dev/agentflow/runtime/workflow/events"
	"agentflow.dev/agentflow/runtime/workflow/journal"
)

type (
	// Client exposes Mongo-backed operations for the append-only execution
	// event journal.
	Client interface {
		health.Pinger

		Append(ctx context.Context, executionID string, rec events.Record) error
		List(ctx context.Context, executionID string, after int64) ([]events.Record, error)
		Page(ctx context.Context, executionID, cursor string, limit int) (journal.Page, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	recordDocument struct {
		ID          primitive.ObjectID `bson:"_id,omitempty"`
		ExecutionID string             `bson:"execution_id"`
		Timestamp   int64              `bson:"timestamp"`
		Event       []byte             `bson:"event"`
	}
)

const (
	defaultCollection = "workflow_events"
	defaultTimeout    = 5 * time.Second
	clientName        = "journal-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Append(ctx context.Context, executionID string, rec events.Record) error {
	if executionID == "" {
		return errors.New("execution id is required")
	}
	if rec.Timestamp <= 0 {
		return errors.New("record timestamp is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := recordDocument{
		ExecutionID: executionID,
		Timestamp:   rec.Timestamp,
		Event:       append([]byte(nil), rec.Event...),
	}
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c *client) List(ctx context.Context, executionID string, after int64) (records []events.Record, err error) {
	if executionID == "" {
		return nil, errors.New("execution id is required")
	}

	filter := bson.M{"execution_id": executionID}
	if after > 0 {
		filter["timestamp"] = bson.M{"$gt": after}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var out []events.Record
	for cur.Next(ctx) {
		var doc recordDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toRecord())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Page walks the journal in insertion order using the object id as the
// cursor. The journal has a single writer per execution, so insertion
// order matches publish order.
func (c *client) Page(ctx context.Context, executionID, cursor string, limit int) (page journal.Page, err error) {
	if executionID == "" {
		return journal.Page{}, errors.New("execution id is required")
	}
	if limit <= 0 {
		limit = journal.DefaultPageSize
	}

	filter := bson.M{"execution_id": executionID}
	if cursor != "" {
		oid, err := primitive.ObjectIDFromHex(cursor)
		if err != nil {
			return journal.Page{}, fmt.Errorf("%w %q: %v", journal.ErrInvalidCursor, cursor, err)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit+1)),
	)
	if err != nil {
		return journal.Page{}, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var docs []recordDocument
	for cur.Next(ctx) {
		var doc recordDocument
		if err := cur.Decode(&doc); err != nil {
			return journal.Page{}, err
		}
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return journal.Page{}, err
	}

	var next string
	if len(docs) > limit {
		next = docs[limit-1].ID.Hex()
		docs = docs[:limit]
	}
	records := make([]events.Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, doc.toRecord())
	}
	return journal.Page{
		Records: records,
		Cursor:  next,
	}, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (doc recordDocument) toRecord() events.Record {
	return events.Record{
		Timestamp: doc.Timestamp,
		Event:     append([]byte(nil), doc.Event...),
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	byID := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "execution_id", Value: 1},
			{Key: "_id", Value: 1},
		},
	}
	if _, err := coll.Indexes().CreateOne(ctx, byID); err != nil {
		return err
	}
	byTimestamp := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "execution_id", Value: 1},
			{Key: "timestamp", Value: 1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, byTimestamp)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
