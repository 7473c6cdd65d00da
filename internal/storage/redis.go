package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/labgridfs/internal/gridfs"
	"github.com/maneesh/labgridfs/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// CacheTTL is the time-to-live for cached file metadata (5 minutes)
	CacheTTL = 5 * time.Minute

	// generation tokens outlive any entry they guard
	generationTTL = 2 * CacheTTL
)

// errStaleFill means a write bumped a generation after the lookup started
var errStaleFill = errors.New("cache generation changed")

// RedisClient wraps Redis operations with tracing
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient connects to addr and fails if the server does not answer
func NewRedisClient(ctx context.Context, addr, password string, db int) (*RedisClient, error) {
	rc := NewRedisClientFromClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
	if err := rc.client.Ping(ctx).Err(); err != nil {
		rc.client.Close()
		return nil, fmt.Errorf("failed to ping Redis at %s: %w", addr, err)
	}
	return rc, nil
}

// NewRedisClientFromClient wraps an existing client
func NewRedisClientFromClient(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// Wrap puts a read-through cache in front of the file stores built by next.
// Only lookups by id are cached; every write to a record drops its entry.
func (rc *RedisClient) Wrap(next func(string, gridfs.Concerns) gridfs.FileStore) func(string, gridfs.Concerns) gridfs.FileStore {
	return func(bucket string, c gridfs.Concerns) gridfs.FileStore {
		return &cachedFiles{rc: rc, bucket: bucket, next: next(bucket, c)}
	}
}

func fileCacheKey(bucket, id string) string {
	return fmt.Sprintf("gridfs:%s:file:%s", bucket, id)
}

// fileGenKey changes whenever the record with id is renamed or deleted
func fileGenKey(bucket, id string) string {
	return fmt.Sprintf("gridfs:%s:gen:%s", bucket, id)
}

// bucketGenKey changes whenever the whole bucket is dropped
func bucketGenKey(bucket string) string {
	return fmt.Sprintf("gridfs:%s:gen", bucket)
}

// cachedID reports the id when the query is a plain lookup by id
func cachedID(filter gridfs.Filter, opts gridfs.FindOptions) (string, bool) {
	if len(filter) != 1 || opts.Skip > 0 {
		return "", false
	}
	id, ok := filter[gridfs.FieldID].(string)
	return id, ok
}

// lookup reads the cached record for id together with the generation tokens
// a later fill must still see. A miss returns a nil file.
func (rc *RedisClient) lookup(ctx context.Context, bucket, id string) (*models.File, []any, error) {
	key := fileCacheKey(bucket, id)
	ctx, span := tracer.Start(ctx, "redis.lookup_file",
		trace.WithAttributes(attribute.String("cache_key", key)),
	)
	defer span.End()

	vals, err := rc.client.MGet(ctx, key, fileGenKey(bucket, id), bucketGenKey(bucket)).Result()
	if err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("failed to read cache: %w", err)
	}
	gens := vals[1:]

	data, ok := vals[0].(string)
	if !ok {
		span.SetAttributes(attribute.String("cache_status", "miss"))
		return nil, gens, nil
	}
	var file models.File
	if err := json.Unmarshal([]byte(data), &file); err != nil {
		span.RecordError(err)
		return nil, gens, fmt.Errorf("failed to decode cached file %q: %w", id, err)
	}
	span.SetAttributes(attribute.String("cache_status", "hit"))
	return &file, gens, nil
}

// fill caches file unless a rename, delete or drop replaced one of gens since
// lookup read them. The tokens are watched, so a write landing during the
// fill aborts it too.
func (rc *RedisClient) fill(ctx context.Context, bucket string, gens []any, file *models.File) error {
	key := fileCacheKey(bucket, file.ID)
	ctx, span := tracer.Start(ctx, "redis.fill_file",
		trace.WithAttributes(
			attribute.String("cache_key", key),
			attribute.String("file_name", file.Filename),
		),
	)
	defer span.End()

	data, err := json.Marshal(file)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to encode file %q: %w", file.ID, err)
	}

	watched := []string{fileGenKey(bucket, file.ID), bucketGenKey(bucket)}
	err = rc.client.Watch(ctx, func(tx *redis.Tx) error {
		now, err := tx.MGet(ctx, watched...).Result()
		if err != nil {
			return err
		}
		if !slices.Equal(now, gens) {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, CacheTTL)
			return nil
		})
		return err
	}, watched...)

	switch {
	case err == nil:
		span.SetAttributes(attribute.Bool("cache_filled", true))
		return nil
	case errors.Is(err, errStaleFill), errors.Is(err, redis.TxFailedErr):
		span.SetAttributes(attribute.Bool("cache_filled", false))
		return nil
	}
	span.RecordError(err)
	return fmt.Errorf("failed to fill cache: %w", err)
}

// invalidate replaces the record's generation token and drops its entry
func (rc *RedisClient) invalidate(ctx context.Context, bucket, id string) error {
	key := fileCacheKey(bucket, id)
	ctx, span := tracer.Start(ctx, "redis.invalidate_file",
		trace.WithAttributes(attribute.String("cache_key", key)),
	)
	defer span.End()

	_, err := rc.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, fileGenKey(bucket, id), uuid.NewString(), generationTTL)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate %s: %w", key, err)
	}
	return nil
}

// invalidateBucket replaces the bucket's generation token, then deletes every
// cached record of the bucket
func (rc *RedisClient) invalidateBucket(ctx context.Context, bucket string) error {
	pattern := fileCacheKey(bucket, "*")
	ctx, span := tracer.Start(ctx, "redis.invalidate_bucket",
		trace.WithAttributes(attribute.String("pattern", pattern)),
	)
	defer span.End()

	if err := rc.client.Set(ctx, bucketGenKey(bucket), uuid.NewString(), generationTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to bump bucket generation: %w", err)
	}

	iter := rc.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to scan cache: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := rc.client.Del(ctx, keys...).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	span.SetAttributes(attribute.Int("keys_removed", len(keys)))
	return nil
}

// cachedFiles serves id lookups from Redis. Cache failures never fail the
// operation; the underlying store stays the source of truth.
type cachedFiles struct {
	rc     *RedisClient
	bucket string
	next   gridfs.FileStore
}

func (s *cachedFiles) FindFiles(ctx context.Context, filter gridfs.Filter, opts gridfs.FindOptions) (gridfs.Cursor[*models.File], error) {
	id, ok := cachedID(filter, opts)
	if !ok {
		return s.next.FindFiles(ctx, filter, opts)
	}

	file, gens, err := s.rc.lookup(ctx, s.bucket, id)
	if err != nil {
		slog.WarnContext(ctx, "cache read failed", "bucket", s.bucket, "file_id", id, "error", err)
	}
	if file != nil {
		return gridfs.NewSliceCursor([]*models.File{file}), nil
	}

	cur, err := s.next.FindFiles(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	files, err := gridfs.All(ctx, cur)
	if err != nil {
		return nil, err
	}
	// without a generation snapshot a fill could resurrect a stale record
	if len(files) == 1 && gens != nil {
		if err := s.rc.fill(ctx, s.bucket, gens, files[0]); err != nil {
			slog.WarnContext(ctx, "cache write failed", "bucket", s.bucket, "file_id", id, "error", err)
		}
	}
	return gridfs.NewSliceCursor(files), nil
}

func (s *cachedFiles) invalidate(ctx context.Context, id string) {
	if err := s.rc.invalidate(ctx, s.bucket, id); err != nil {
		slog.WarnContext(ctx, "cache invalidation failed", "bucket", s.bucket, "file_id", id, "error", err)
	}
}

// InsertFile only drops a leftover entry. A lookup racing the insert found
// nothing in the store and so never fills.
func (s *cachedFiles) InsertFile(ctx context.Context, file *models.File) error {
	if err := s.next.InsertFile(ctx, file); err != nil {
		return err
	}
	if err := s.rc.client.Del(ctx, fileCacheKey(s.bucket, file.ID)).Err(); err != nil {
		slog.WarnContext(ctx, "cache invalidation failed", "bucket", s.bucket, "file_id", file.ID, "error", err)
	}
	return nil
}

func (s *cachedFiles) UpdateFilename(ctx context.Context, id, filename string) error {
	err := s.next.UpdateFilename(ctx, id, filename)
	s.invalidate(ctx, id)
	return err
}

func (s *cachedFiles) DeleteFile(ctx context.Context, id string) (int64, error) {
	n, err := s.next.DeleteFile(ctx, id)
	s.invalidate(ctx, id)
	return n, err
}

func (s *cachedFiles) DropFiles(ctx context.Context) error {
	if err := s.next.DropFiles(ctx); err != nil {
		return err
	}
	if err := s.rc.invalidateBucket(ctx, s.bucket); err != nil {
		slog.WarnContext(ctx, "cache invalidation failed", "bucket", s.bucket, "error", err)
	}
	return nil
}
