// Package mongo implements the low-level MongoDB client used by the
// workflow and execution stores.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/store"
)

type (
	// Client exposes Mongo-backed operations for workflow definitions and
	// execution summaries.
	Client interface {
		health.Pinger

		SaveWorkflow(ctx context.Context, w *workflow.Workflow) error
		LoadWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
		ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error)
		DeleteWorkflow(ctx context.Context, id string) error

		UpsertExecution(ctx context.Context, summary store.ExecutionSummary) error
		LoadExecution(ctx context.Context, executionID string) (store.ExecutionSummary, error)
		ListExecutionsByWorkflow(ctx context.Context, workflowID string) ([]store.ExecutionSummary, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client               *mongodriver.Client
		Database             string
		WorkflowsCollection  string
		ExecutionsCollection string
		Timeout              time.Duration
	}

	client struct {
		mongo      *mongodriver.Client
		workflows  collection
		executions collection
		timeout    time.Duration
	}

	// workflowDocument carries the queryable metadata as top-level fields
	// and the full definition as canonical JSON. Node config and evolution
	// snapshots hold arbitrary JSON values; round-tripping them through
	// bson would rewrite map types, so only the metadata is stored as bson.
	workflowDocument struct {
		WorkflowID string    `bson:"workflow_id"`
		Name       string    `bson:"name"`
		CreatedAt  time.Time `bson:"created_at"`
		UpdatedAt  time.Time `bson:"updated_at"`
		Definition []byte    `bson:"definition"`
	}

	executionDocument struct {
		ExecutionID string     `bson:"execution_id"`
		WorkflowID  string     `bson:"workflow_id"`
		Status      string     `bson:"status"`
		StartedAt   time.Time  `bson:"started_at"`
		CompletedAt *time.Time `bson:"completed_at,omitempty"`
		Summary     []byte     `bson:"summary"`
	}
)

const (
	defaultWorkflowsCollection  = "workflows"
	defaultExecutionsCollection = "workflow_executions"
	defaultTimeout              = 5 * time.Second
	clientName                  = "store-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	workflows := opts.WorkflowsCollection
	if workflows == "" {
		workflows = defaultWorkflowsCollection
	}
	executions := opts.ExecutionsCollection
	if executions == "" {
		executions = defaultExecutionsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	wcoll := mongoCollection{coll: db.Collection(workflows)}
	ecoll := mongoCollection{coll: db.Collection(executions)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wcoll, ecoll); err != nil {
		return nil, err
	}
	return newClientWithCollections(opts.Client, wcoll, ecoll, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) SaveWorkflow(ctx context.Context, w *workflow.Workflow) error {
	if w == nil {
		return errors.New("workflow is required")
	}
	if w.ID == "" {
		return errors.New("workflow id is required")
	}
	doc, err := fromWorkflow(w)
	if err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"workflow_id": w.ID}
	_, err = c.workflows.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

func (c *client) LoadWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	if id == "" {
		return nil, errors.New("workflow id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc workflowDocument
	if err := c.workflows.FindOne(ctx, bson.M{"workflow_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return doc.toWorkflow()
}

func (c *client) ListWorkflows(ctx context.Context) (list []*workflow.Workflow, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.workflows.Find(ctx, bson.M{}, options.Find().
		SetSort(bson.D{{Key: "workflow_id", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var out []*workflow.Workflow
	for cur.Next(ctx) {
		var doc workflowDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		w, err := doc.toWorkflow()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) DeleteWorkflow(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("workflow id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.workflows.DeleteOne(ctx, bson.M{"workflow_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *client) UpsertExecution(ctx context.Context, summary store.ExecutionSummary) error {
	if summary.ExecutionID == "" {
		return errors.New("execution id is required")
	}
	if summary.WorkflowID == "" {
		return errors.New("workflow id is required")
	}
	doc, err := fromSummary(summary)
	if err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"execution_id": summary.ExecutionID}
	_, err = c.executions.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

func (c *client) LoadExecution(ctx context.Context, executionID string) (store.ExecutionSummary, error) {
	if executionID == "" {
		return store.ExecutionSummary{}, errors.New("execution id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc executionDocument
	if err := c.executions.FindOne(ctx, bson.M{"execution_id": executionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.ExecutionSummary{}, store.ErrNotFound
		}
		return store.ExecutionSummary{}, err
	}
	return doc.toSummary()
}

func (c *client) ListExecutionsByWorkflow(ctx context.Context, workflowID string) (list []store.ExecutionSummary, err error) {
	if workflowID == "" {
		return nil, errors.New("workflow id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.executions.Find(ctx, bson.M{"workflow_id": workflowID}, options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}, {Key: "execution_id", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var out []store.ExecutionSummary
	for cur.Next(ctx) {
		var doc executionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		summary, err := doc.toSummary()
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
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

func fromWorkflow(w *workflow.Workflow) (workflowDocument, error) {
	definition, err := json.Marshal(w)
	if err != nil {
		return workflowDocument{}, fmt.Errorf("encode workflow %q: %w", w.ID, err)
	}
	return workflowDocument{
		WorkflowID: w.ID,
		Name:       w.Name,
		CreatedAt:  w.CreatedAt.UTC(),
		UpdatedAt:  w.UpdatedAt.UTC(),
		Definition: definition,
	}, nil
}

func (doc workflowDocument) toWorkflow() (*workflow.Workflow, error) {
	var w workflow.Workflow
	if err := json.Unmarshal(doc.Definition, &w); err != nil {
		return nil, fmt.Errorf("decode workflow %q: %w", doc.WorkflowID, err)
	}
	return &w, nil
}

func fromSummary(summary store.ExecutionSummary) (executionDocument, error) {
	payload, err := json.Marshal(summary)
	if err != nil {
		return executionDocument{}, fmt.Errorf("encode execution %q: %w", summary.ExecutionID, err)
	}
	doc := executionDocument{
		ExecutionID: summary.ExecutionID,
		WorkflowID:  summary.WorkflowID,
		Status:      string(summary.Status),
		StartedAt:   summary.StartedAt.UTC(),
		Summary:     payload,
	}
	if summary.CompletedAt != nil {
		t := summary.CompletedAt.UTC()
		doc.CompletedAt = &t
	}
	return doc, nil
}

func (doc executionDocument) toSummary() (store.ExecutionSummary, error) {
	var summary store.ExecutionSummary
	if err := json.Unmarshal(doc.Summary, &summary); err != nil {
		return store.ExecutionSummary{}, fmt.Errorf("decode execution %q: %w", doc.ExecutionID, err)
	}
	return summary, nil
}

func ensureIndexes(ctx context.Context, workflows, executions collection) error {
	workflowID := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "workflow_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := workflows.Indexes().CreateOne(ctx, workflowID); err != nil {
		return err
	}
	executionID := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "execution_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := executions.Indexes().CreateOne(ctx, executionID); err != nil {
		return err
	}
	byWorkflow := mongodriver.IndexModel{
		Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "started_at", Value: -1}},
	}
	_, err := executions.Indexes().CreateOne(ctx, byWorkflow)
	return err
}

func newClientWithCollections(mongoClient *mongodriver.Client, workflows, executions collection, timeout time.Duration) (*client, error) {
	if workflows == nil || executions == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:      mongoClient,
		workflows:  workflows,
		executions: executions,
		timeout:    timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	ReplaceOne(ctx context.Context, filter any, replacement any, opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
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

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any, opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
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
