// Package mongo persists final analysis reports. Reports are large,
// write-once documents read by reference, which is document-store work —
// the relational task record in Postgres only carries the reference.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
)

const reportCollection = "reports"

// ReportNotFoundError reports a missing or malformed report reference.
type ReportNotFoundError struct {
	Ref string
}

func (e *ReportNotFoundError) Error() string {
	return fmt.Sprintf("report %s not found", e.Ref)
}

// ReportStore persists reports and serves them back by reference.
type ReportStore struct {
	col *mongo.Collection
}

// Connect dials MongoDB and verifies connectivity.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// NewReportStore binds a store to the reports collection of db.
func NewReportStore(client *mongo.Client, db string) *ReportStore {
	return &ReportStore{col: client.Database(db).Collection(reportCollection)}
}

type reportDoc struct {
	ID       primitive.ObjectID `bson:"_id,omitempty"`
	TaskID   string             `bson:"task_id"`
	Symbol   string             `bson:"symbol"`
	Report   *domain.Report     `bson:"report"`
	StoredAt time.Time          `bson:"stored_at"`
}

// Put inserts the report and returns its hex object ID as the reference
// recorded on the task.
func (s *ReportStore) Put(ctx context.Context, rep *domain.Report) (string, error) {
	res, err := s.col.InsertOne(ctx, reportDoc{
		TaskID:   rep.TaskID,
		Symbol:   rep.Symbol,
		Report:   rep,
		StoredAt: time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("insert report for task %s: %w", rep.TaskID, err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	return oid.Hex(), nil
}

// Get fetches a report by the reference Put returned.
func (s *ReportStore) Get(ctx context.Context, ref string) (*domain.Report, error) {
	oid, err := primitive.ObjectIDFromHex(ref)
	if err != nil {
		return nil, &ReportNotFoundError{Ref: ref}
	}

	var doc reportDoc
	err = s.col.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &ReportNotFoundError{Ref: ref}
		}
		return nil, fmt.Errorf("fetch report %s: %w", ref, err)
	}
	return doc.Report, nil
}
