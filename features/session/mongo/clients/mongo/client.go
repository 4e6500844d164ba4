// Package mongo hosts the MongoDB client used by the session store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/agentd/runtime/session"
)

const (
	defaultSessionsCollection    = "sessions"
	defaultCheckpointsCollection = "checkpoints"
	defaultOpTimeout             = 5 * time.Second
	sessionClientName            = "session-mongo"
)

// Client exposes Mongo-backed operations for sessions and checkpoints.
type Client interface {
	health.Pinger

	InsertSession(ctx context.Context, s session.Session) error
	FindSession(ctx context.Context, id string) (session.Session, error)
	ReplaceSession(ctx context.Context, s session.Session) (session.Session, error)
	RemoveSession(ctx context.Context, id string) error
	FindSessions(ctx context.Context, f session.ListFilter) ([]session.Session, error)

	InsertCheckpoint(ctx context.Context, c session.Checkpoint) error
	FindCheckpoints(ctx context.Context, sessionID string) ([]session.Checkpoint, error)
	FindCheckpoint(ctx context.Context, sessionID, checkpointID string) (session.Checkpoint, error)
}

// Options configures the Mongo session client.
type Options struct {
	Client                *mongodriver.Client
	Database              string
	SessionsCollection    string
	CheckpointsCollection string
	Timeout               time.Duration
}

type client struct {
	mongo       *mongodriver.Client
	sessions    *mongodriver.Collection
	checkpoints *mongodriver.Collection
	timeout     time.Duration
}

type sessionDocument struct {
	ID              string    `bson:"_id"`
	Status          string    `bson:"status"`
	Model           string    `bson:"model,omitempty"`
	CreatedAt       time.Time `bson:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
	TotalTurns      int       `bson:"total_turns"`
	TotalCostUSD    float64   `bson:"total_cost_usd"`
	ParentSessionID string    `bson:"parent_session_id,omitempty"`
	Mode            string    `bson:"mode,omitempty"`
	ProjectID       string    `bson:"project_id,omitempty"`
	Tags            []string  `bson:"tags,omitempty"`
	OwnerHash       string    `bson:"owner_hash,omitempty"`
	LastStopReason  string    `bson:"last_stop_reason,omitempty"`
	LastError       string    `bson:"last_error,omitempty"`
	Version         int64     `bson:"version"`
}

type checkpointDocument struct {
	ID           string    `bson:"_id"`
	SessionID    string    `bson:"session_id"`
	MessageRef   string    `bson:"message_ref"`
	FilesTouched []string  `bson:"files_touched,omitempty"`
	CreatedAt    time.Time `bson:"created_at"`
}

// New returns a Client backed by MongoDB. It creates the indexes the queries
// rely on.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	sessionsCollection := opts.SessionsCollection
	if sessionsCollection == "" {
		sessionsCollection = defaultSessionsCollection
	}
	checkpointsCollection := opts.CheckpointsCollection
	if checkpointsCollection == "" {
		checkpointsCollection = defaultCheckpointsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:       opts.Client,
		sessions:    db.Collection(sessionsCollection),
		checkpoints: db.Collection(checkpointsCollection),
		timeout:     timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) Name() string {
	return sessionClientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) InsertSession(ctx context.Context, s session.Session) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.sessions.InsertOne(ctx, fromSession(s)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return session.ErrSessionExists
		}
		return err
	}
	return nil
}

func (c *client) FindSession(ctx context.Context, id string) (session.Session, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, err
	}
	return doc.toSession(), nil
}

// ReplaceSession stores s when the stored version matches s.Version.
func (c *client) ReplaceSession(ctx context.Context, s session.Session) (session.Session, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	next := s
	next.Version = s.Version + 1
	res, err := c.sessions.ReplaceOne(ctx, bson.M{"_id": s.ID, "version": s.Version}, fromSession(next))
	if err != nil {
		return session.Session{}, err
	}
	if res.MatchedCount == 0 {
		n, err := c.sessions.CountDocuments(ctx, bson.M{"_id": s.ID}, options.Count().SetLimit(1))
		if err != nil {
			return session.Session{}, err
		}
		if n == 0 {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, session.ErrVersionConflict
	}
	return next.Clone(), nil
}

func (c *client) RemoveSession(ctx context.Context, id string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.sessions.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return session.ErrSessionNotFound
	}
	_, err = c.checkpoints.DeleteMany(ctx, bson.M{"session_id": id})
	return err
}

func (c *client) FindSessions(ctx context.Context, f session.ListFilter) ([]session.Session, error) {
	filter := bson.M{}
	if f.OwnerHash != "" {
		filter["owner_hash"] = f.OwnerHash
	}
	if f.ProjectID != "" {
		filter["project_id"] = f.ProjectID
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	if f.Tag != "" {
		filter["tags"] = f.Tag
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(f.EffectiveLimit()))
	cur, err := c.sessions.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []sessionDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]session.Session, len(docs))
	for i, doc := range docs {
		out[i] = doc.toSession()
	}
	return out, nil
}

func (c *client) InsertCheckpoint(ctx context.Context, cp session.Checkpoint) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := c.sessions.CountDocuments(ctx, bson.M{"_id": cp.SessionID}, options.Count().SetLimit(1))
	if err != nil {
		return err
	}
	if n == 0 {
		return session.ErrSessionNotFound
	}
	doc := checkpointDocument{
		ID:           cp.ID,
		SessionID:    cp.SessionID,
		MessageRef:   cp.MessageRef,
		FilesTouched: cp.FilesTouched,
		CreatedAt:    cp.CreatedAt.UTC(),
	}
	if _, err := c.checkpoints.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return session.ErrCheckpointExists
		}
		return err
	}
	return nil
}

func (c *client) FindCheckpoints(ctx context.Context, sessionID string) ([]session.Checkpoint, error) {
	if _, err := c.FindSession(ctx, sessionID); err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.checkpoints.Find(ctx, bson.M{"session_id": sessionID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []checkpointDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]session.Checkpoint, len(docs))
	for i, doc := range docs {
		out[i] = doc.toCheckpoint()
	}
	return out, nil
}

func (c *client) FindCheckpoint(ctx context.Context, sessionID, checkpointID string) (session.Checkpoint, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc checkpointDocument
	err := c.checkpoints.FindOne(ctx, bson.M{"_id": checkpointID, "session_id": sessionID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Checkpoint{}, session.ErrCheckpointNotFound
		}
		return session.Checkpoint{}, err
	}
	return doc.toCheckpoint(), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *client) ensureIndexes(ctx context.Context) error {
	_, err := c.sessions.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "owner_hash", Value: 1}, {Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "project_id", Value: 1}}},
		{Keys: bson.D{{Key: "tags", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = c.checkpoints.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	return err
}

func fromSession(s session.Session) sessionDocument {
	return sessionDocument{
		ID:              s.ID,
		Status:          string(s.Status),
		Model:           s.Model,
		CreatedAt:       s.CreatedAt.UTC(),
		UpdatedAt:       s.UpdatedAt.UTC(),
		TotalTurns:      s.TotalTurns,
		TotalCostUSD:    s.TotalCostUSD,
		ParentSessionID: s.ParentSessionID,
		Mode:            s.Mode,
		ProjectID:       s.ProjectID,
		Tags:            s.Tags,
		OwnerHash:       s.OwnerHash,
		LastStopReason:  s.LastStopReason,
		LastError:       s.LastError,
		Version:         s.Version,
	}
}

func (doc sessionDocument) toSession() session.Session {
	return session.Session{
		ID:              doc.ID,
		Status:          session.Status(doc.Status),
		Model:           doc.Model,
		CreatedAt:       doc.CreatedAt.UTC(),
		UpdatedAt:       doc.UpdatedAt.UTC(),
		TotalTurns:      doc.TotalTurns,
		TotalCostUSD:    doc.TotalCostUSD,
		ParentSessionID: doc.ParentSessionID,
		Mode:            doc.Mode,
		ProjectID:       doc.ProjectID,
		Tags:            doc.Tags,
		OwnerHash:       doc.OwnerHash,
		LastStopReason:  doc.LastStopReason,
		LastError:       doc.LastError,
		Version:         doc.Version,
	}
}

func (doc checkpointDocument) toCheckpoint() session.Checkpoint {
	return session.Checkpoint{
		ID:           doc.ID,
		SessionID:    doc.SessionID,
		MessageRef:   doc.MessageRef,
		FilesTouched: doc.FilesTouched,
		CreatedAt:    doc.CreatedAt.UTC(),
	}
}
