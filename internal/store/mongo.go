package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ayush/pharmabot/backend/internal/models"
)

// MongoJournal appends one document per analysis attempt, successful or not.
type MongoJournal struct {
	col *mongo.Collection
}

func NewMongoJournal(db *mongo.Database) *MongoJournal {
	return &MongoJournal{col: db.Collection("analysis_runs")}
}

// EnsureIndexes creates the per-user timeline index.
func (j *MongoJournal) EnsureIndexes(ctx context.Context) error {
	_, err := j.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("mongo index: %w", err)
	}
	return nil
}

// Record inserts run, stamping CreatedAt when unset.
func (j *MongoJournal) Record(ctx context.Context, run *models.AnalysisRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if _, err := j.col.InsertOne(ctx, run); err != nil {
		return fmt.Errorf("mongo insert: %w", err)
	}
	return nil
}

// ListByUser returns the most recent runs for a user.
func (j *MongoJournal) ListByUser(ctx context.Context, userID int64, limit int64) ([]models.AnalysisRun, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)
	cur, err := j.col.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo find: %w", err)
	}
	defer cur.Close(ctx)

	runs := []models.AnalysisRun{}
	if err := cur.All(ctx, &runs); err != nil {
		return nil, fmt.Errorf("mongo decode: %w", err)
	}
	return runs, nil
}
