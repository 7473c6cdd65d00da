package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/maneesh/labgridfs/internal/gridfs"
	"github.com/maneesh/labgridfs/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MongoClient stores a bucket in the collections <bucket>.files and
// <bucket>.chunks, the layout MongoDB's own GridFS uses.
type MongoClient struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoClient connects to uri and checks the primary is reachable
func NewMongoClient(ctx context.Context, uri, database string) (*MongoClient, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoClient{client: client, db: client.Database(database)}, nil
}

// Close disconnects from the server
func (mc *MongoClient) Close(ctx context.Context) error {
	return mc.client.Disconnect(ctx)
}

func filesCollection(bucket string) string  { return bucket + ".files" }
func chunksCollection(bucket string) string { return bucket + ".chunks" }

// EnsureIndexes creates the lookup indexes of a bucket. The unique
// (files_id, n) index is what rejects a second writer for the same file id.
func (mc *MongoClient) EnsureIndexes(ctx context.Context, bucket string) error {
	ctx, span := tracer.Start(ctx, "mongo.ensure_indexes",
		trace.WithAttributes(attribute.String("bucket", bucket)),
	)
	defer span.End()

	_, err := mc.db.Collection(filesCollection(bucket)).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: gridfs.FieldFilename, Value: 1}, {Key: gridfs.FieldUploadDate, Value: 1}},
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create files index: %w", err)
	}

	_, err = mc.db.Collection(chunksCollection(bucket)).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "files_id", Value: 1}, {Key: "n", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create chunks index: %w", err)
	}
	return nil
}

// collectionOptions maps bucket concerns onto driver settings. Unknown read
// preference modes fall back to the client default.
func collectionOptions(c gridfs.Concerns) *options.CollectionOptions {
	opts := options.Collection()

	if c.ReadPreference != "" {
		if mode, err := readpref.ModeFromString(string(c.ReadPreference)); err == nil {
			if rp, err := readpref.New(mode); err == nil {
				opts.SetReadPreference(rp)
			}
		}
	}

	if wc := c.WriteConcern; wc != (gridfs.WriteConcern{}) {
		out := &writeconcern.WriteConcern{WTimeout: wc.WTimeout}
		switch {
		case wc.Majority:
			out.W = "majority"
		case wc.W > 0:
			out.W = wc.W
		}
		if wc.Journal {
			journal := true
			out.Journal = &journal
		}
		opts.SetWriteConcern(out)
	}

	if c.ReadConcern != "" {
		opts.SetReadConcern(&readconcern.ReadConcern{Level: c.ReadConcern})
	}
	return opts
}

// FileStore returns the files collection of a bucket with concerns applied
func (mc *MongoClient) FileStore(bucket string, c gridfs.Concerns) gridfs.FileStore {
	return &mongoFiles{coll: mc.db.Collection(filesCollection(bucket), collectionOptions(c))}
}

// ChunkStore returns the chunks collection of a bucket with concerns applied
func (mc *MongoClient) ChunkStore(bucket string, c gridfs.Concerns) gridfs.ChunkStore {
	return &mongoChunks{coll: mc.db.Collection(chunksCollection(bucket), collectionOptions(c))}
}

func mapMongoError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", gridfs.ErrDuplicateKey, err)
	}
	return err
}

func sortDocument(fields []gridfs.SortField) bson.D {
	sort := make(bson.D, 0, len(fields))
	for _, f := range fields {
		dir := 1
		if f.Desc {
			dir = -1
		}
		sort = append(sort, bson.E{Key: f.Key, Value: dir})
	}
	return sort
}

func findOptions(opts gridfs.FindOptions) *options.FindOptions {
	fo := options.Find()
	if len(opts.Sort) > 0 {
		fo.SetSort(sortDocument(opts.Sort))
	}
	if opts.Skip > 0 {
		fo.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		fo.SetLimit(opts.Limit)
	}
	return fo
}

// mongoCursor decodes one document per Next
type mongoCursor[T any] struct {
	cur *mongo.Cursor
}

func (c *mongoCursor[T]) Next(ctx context.Context) (*T, error) {
	if !c.cur.Next(ctx) {
		if err := c.cur.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	v := new(T)
	if err := c.cur.Decode(v); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return v, nil
}

func (c *mongoCursor[T]) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoFiles struct {
	coll *mongo.Collection
}

func (s *mongoFiles) InsertFile(ctx context.Context, file *models.File) error {
	ctx, span := tracer.Start(ctx, "mongo.insert_file",
		trace.WithAttributes(
			attribute.String("file_id", file.ID),
			attribute.String("file_name", file.Filename),
			attribute.Int64("file_size", file.Length),
		),
	)
	defer span.End()

	if _, err := s.coll.InsertOne(ctx, file); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert file: %w", mapMongoError(err))
	}
	return nil
}

func (s *mongoFiles) FindFiles(ctx context.Context, filter gridfs.Filter, opts gridfs.FindOptions) (gridfs.Cursor[*models.File], error) {
	ctx, span := tracer.Start(ctx, "mongo.find_files")
	defer span.End()

	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	query := bson.M(filter)
	if query == nil {
		query = bson.M{}
	}
	cur, err := s.coll.Find(ctx, query, findOptions(opts))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	return &mongoCursor[models.File]{cur: cur}, nil
}

func (s *mongoFiles) UpdateFilename(ctx context.Context, id, filename string) error {
	ctx, span := tracer.Start(ctx, "mongo.update_filename",
		trace.WithAttributes(
			attribute.String("file_id", id),
			attribute.String("file_name", filename),
		),
	)
	defer span.End()

	res, err := s.coll.UpdateOne(ctx,
		bson.M{gridfs.FieldID: id},
		bson.M{"$set": bson.M{gridfs.FieldFilename: filename}},
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update file: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("file %q: %w", id, gridfs.ErrFileNotFound)
	}
	return nil
}

func (s *mongoFiles) DeleteFile(ctx context.Context, id string) (int64, error) {
	ctx, span := tracer.Start(ctx, "mongo.delete_file",
		trace.WithAttributes(attribute.String("file_id", id)),
	)
	defer span.End()

	res, err := s.coll.DeleteOne(ctx, bson.M{gridfs.FieldID: id})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to delete file: %w", err)
	}
	return res.DeletedCount, nil
}

// DropFiles removes every document but keeps the collection and its indexes
func (s *mongoFiles) DropFiles(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "mongo.drop_files")
	defer span.End()

	if _, err := s.coll.DeleteMany(ctx, bson.M{}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to drop files: %w", err)
	}
	return nil
}

type mongoChunks struct {
	coll *mongo.Collection
}

func (s *mongoChunks) InsertChunk(ctx context.Context, chunk *models.Chunk) error {
	ctx, span := tracer.Start(ctx, "mongo.insert_chunk",
		trace.WithAttributes(
			attribute.String("file_id", chunk.FilesID),
			attribute.Int("order_index", int(chunk.N)),
		),
	)
	defer span.End()

	if _, err := s.coll.InsertOne(ctx, chunk); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert chunk: %w", mapMongoError(err))
	}
	return nil
}

func (s *mongoChunks) ReadChunks(ctx context.Context, filesID string, from int32) (gridfs.Cursor[*models.Chunk], error) {
	ctx, span := tracer.Start(ctx, "mongo.read_chunks",
		trace.WithAttributes(
			attribute.String("file_id", filesID),
			attribute.Int("from", int(from)),
		),
	)
	defer span.End()

	filter := bson.M{"files_id": filesID, "n": bson.M{"$gte": from}}
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "n", Value: 1}}))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	return &mongoCursor[models.Chunk]{cur: cur}, nil
}

func (s *mongoChunks) DeleteChunks(ctx context.Context, filesID string, from int32) (int64, error) {
	ctx, span := tracer.Start(ctx, "mongo.delete_chunks",
		trace.WithAttributes(
			attribute.String("file_id", filesID),
			attribute.Int("from", int(from)),
		),
	)
	defer span.End()

	filter := bson.M{"files_id": filesID}
	if from > 0 {
		filter["n"] = bson.M{"$gte": from}
	}
	res, err := s.coll.DeleteMany(ctx, filter)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *mongoChunks) CountChunks(ctx context.Context, filesID string) (int64, error) {
	ctx, span := tracer.Start(ctx, "mongo.count_chunks",
		trace.WithAttributes(attribute.String("file_id", filesID)),
	)
	defer span.End()

	n, err := s.coll.CountDocuments(ctx, bson.M{"files_id": filesID})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

func (s *mongoChunks) DropChunks(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "mongo.drop_chunks")
	defer span.End()

	if _, err := s.coll.DeleteMany(ctx, bson.M{}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to drop chunks: %w", err)
	}
	return nil
}
