package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bsaid97/hexdensity/density"
	"github.com/bsaid97/hexdensity/logging"
)

// collection is the subset of *mongo.Collection the sink uses.
type collection interface {
	BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error)
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

// MongoSink upserts one document per hexagon, keyed by hex id, then records
// a job marker in a companion collection.
type MongoSink struct {
	client  *mongo.Client
	docs    collection
	jobs    collection
	ceiling int
	retry   RetryPolicy
}

type MongoOptions struct {
	URI          string
	Database     string
	Collection   string
	BatchCeiling int
}

// NewMongoSink connects to the deployment at opts.URI.
func NewMongoSink(ctx context.Context, opts MongoOptions) (*MongoSink, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	db := client.Database(opts.Database)
	s := newMongoSink(db.Collection(opts.Collection), db.Collection(opts.Collection+"_jobs"), opts.BatchCeiling)
	s.client = client
	return s, nil
}

func newMongoSink(docs, jobs collection, ceiling int) *MongoSink {
	if ceiling < 2 {
		ceiling = DefaultBatchCeiling
	}
	return &MongoSink{docs: docs, jobs: jobs, ceiling: ceiling, retry: DefaultRetryPolicy()}
}

func (s *MongoSink) Name() string { return "mongo" }

func (s *MongoSink) Exists(ctx context.Context, job Job) (bool, error) {
	n, err := s.jobs.CountDocuments(ctx, bson.M{"_id": job.Key()})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Write flushes the records in batches, one at a time, retrying each with
// backoff. The job marker is written only after every batch succeeded.
func (s *MongoSink) Write(ctx context.Context, job Job, records map[string]density.Record) error {
	log := logging.Job(job.Region, job.Resolution)
	keys := sortedKeys(records)
	batches := PlanBatches(len(keys), s.ceiling)

	for i, b := range batches {
		models := make([]mongo.WriteModel, 0, b[1]-b[0])
		for _, id := range keys[b[0]:b[1]] {
			models = append(models, mongo.NewReplaceOneModel().
				SetFilter(bson.M{"_id": id}).
				SetReplacement(hexDocument(job, records[id])).
				SetUpsert(true))
		}
		err := s.retry.retry(ctx, s.Name(), func() error {
			_, err := s.docs.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
			return err
		})
		if err != nil {
			return fmt.Errorf("mongo batch %d/%d: %w", i+1, len(batches), err)
		}
		log.Debug().Int("batch", i+1).Int("batches", len(batches)).Int("operations", len(models)).Msg("committed batch")
	}

	marker := bson.M{
		"_id":        job.Key(),
		"region":     job.Region,
		"resolution": job.Resolution,
		"hexagons":   len(records),
		"completed":  time.Now().UTC(),
	}
	_, err := s.jobs.ReplaceOne(ctx, bson.M{"_id": job.Key()}, marker, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo job marker: %w", err)
	}
	return nil
}

func hexDocument(job Job, rec density.Record) bson.M {
	doc := bson.M{
		"_id":                 rec.Hex,
		"hex":                 rec.Hex,
		"region":              job.Region,
		"resolution":          job.Resolution,
		"density":             nil,
		"estimatedPopulation": rec.EstimatedPopulation,
	}
	if rec.Density != nil {
		doc["density"] = *rec.Density
	}
	if rec.Degenerate {
		doc["degenerate"] = true
	}
	return doc
}

// Close disconnects the client opened by NewMongoSink.
func (s *MongoSink) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
