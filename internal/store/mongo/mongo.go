// Package mongo implements the session repository on MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/p-blackswan/socialbank/internal/session"
)

var _ session.Repository = (*Repository)(nil)

// AuditCollection is the collection audit entries are written to.
const AuditCollection = "audit_log"

type sessionDoc struct {
	ID        string     `bson:"_id"`
	Sender    string     `bson:"sender"`
	Channel   string     `bson:"channel"`
	Status    string     `bson:"status"`
	CreatedAt time.Time  `bson:"created_at"`
	UpdatedAt time.Time  `bson:"updated_at"`
	ExpiredAt *time.Time `bson:"expired_at,omitempty"`
}

func (d sessionDoc) toSession() session.Session {
	return session.Session{
		ID:        d.ID,
		Sender:    d.Sender,
		Channel:   session.Channel(d.Channel),
		Status:    session.Status(d.Status),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

type auditDoc struct {
	Actor     string    `bson:"actor"`
	Action    string    `bson:"action"`
	SessionID string    `bson:"session_id"`
	Result    string    `bson:"result"`
	Details   string    `bson:"details,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

// Repository is a MongoDB session repository.
type Repository struct {
	client   *mongo.Client
	sessions *mongo.Collection
	audit    *mongo.Collection
	logger   zerolog.Logger
}

// Open connects to MongoDB and returns a repository over the named
// database and session collection.
func Open(ctx context.Context, uri, dbName, collection string, logger zerolog.Logger) (*Repository, error) {
	logger.Info().Str("database", dbName).Msg("connecting to MongoDB")

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(dbName)
	r := newRepository(db.Collection(collection), db.Collection(AuditCollection), logger)
	r.client = client
	return r, nil
}

func newRepository(sessions, audit *mongo.Collection, logger zerolog.Logger) *Repository {
	return &Repository{
		sessions: sessions,
		audit:    audit,
		logger:   logger.With().Str("component", "mongo_store").Logger(),
	}
}

// EnsureIndexes creates the index the stale scan relies on.
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	_, err := r.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create session index: %w", err)
	}
	return nil
}

// Save upserts a session. Zero timestamps default to now.
func (r *Repository) Save(ctx context.Context, s *session.Session) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	if s.Status == "" {
		s.Status = session.StatusActive
	}
	if s.Channel == "" {
		s.Channel = session.ChannelWhatsApp
	}

	doc := sessionDoc{
		ID:        s.ID,
		Sender:    s.Sender,
		Channel:   string(s.Channel),
		Status:    string(s.Status),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	_, err := r.sessions.ReplaceOne(ctx, bson.M{"_id": s.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Get retrieves a session by id.
func (r *Repository) Get(ctx context.Context, id string) (*session.Session, error) {
	var doc sessionDoc
	err := r.sessions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s := doc.toSession()
	return &s, nil
}

// Touch refreshes updated_at.
func (r *Repository) Touch(ctx context.Context, id string) error {
	res, err := r.sessions.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"updated_at": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if res.MatchedCount == 0 {
		return session.ErrNotFound
	}
	return nil
}

// StaleFilter is the staleness predicate shared by the scan and the
// guarded update.
func StaleFilter(cutoff time.Time) bson.M {
	return bson.M{
		"status":     string(session.StatusActive),
		"updated_at": bson.M{"$lt": cutoff},
	}
}

// FindStale returns one page of stale candidates in id order.
func (r *Repository) FindStale(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]session.Session, error) {
	filter := StaleFilter(cutoff)
	if afterID != "" {
		filter["_id"] = bson.M{"$gt": afterID}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := r.sessions.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []sessionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode stale sessions: %w", err)
	}

	sessions := make([]session.Session, 0, len(docs))
	for _, d := range docs {
		sessions = append(sessions, d.toSession())
	}
	return sessions, nil
}

// MarkExpired expires the session if the staleness predicate still holds.
func (r *Repository) MarkExpired(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	filter := StaleFilter(cutoff)
	filter["_id"] = id

	res, err := r.sessions.UpdateOne(ctx, filter, bson.M{
		"$set": bson.M{
			"status":     string(session.StatusExpired),
			"expired_at": time.Now(),
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark session expired: %w", err)
	}
	return res.MatchedCount == 1, nil
}

// LogAudit inserts into the audit collection.
func (r *Repository) LogAudit(ctx context.Context, e session.AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := r.audit.InsertOne(ctx, auditDoc{
		Actor:     e.Actor,
		Action:    e.Action,
		SessionID: e.SessionID,
		Result:    e.Result,
		Details:   e.Details,
		CreatedAt: e.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// RunRetention deletes audit entries older than maxAge.
func (r *Repository) RunRetention(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := r.audit.DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": time.Now().Add(-maxAge)}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete old audit logs: %w", err)
	}
	return res.DeletedCount, nil
}

// Ping checks the connection.
func (r *Repository) Ping(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	if err := r.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("%w: %v", session.ErrStoreUnavailable, err)
	}
	return nil
}

// Close disconnects the client.
func (r *Repository) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Disconnect(context.Background())
}
