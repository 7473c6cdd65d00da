package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strconv"

	"github.com/maneesh/labgridfs/internal/gridfs"
	"github.com/maneesh/labgridfs/internal/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MinioClient keeps chunk payloads as objects. It only provides a chunk
// store; file metadata lives in a document store.
type MinioClient struct {
	client     *minio.Client
	bucketName string
}

// NewMinioClient connects to MinIO and creates bucketName when missing
func NewMinioClient(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*MinioClient, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	mc := &MinioClient{
		client:     client,
		bucketName: bucketName,
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
		}
		slog.InfoContext(ctx, "created minio bucket", "bucket", bucketName)
	}

	return mc, nil
}

// ChunkStore returns the chunk objects of a gridfs bucket. Objects are keyed
// <bucket>.chunks/<files_id>/<n>, with n zero padded so that listing order
// is index order.
func (mc *MinioClient) ChunkStore(bucket string, _ gridfs.Concerns) gridfs.ChunkStore {
	return &minioChunks{objects: mc, prefix: bucket + ".chunks/"}
}

func chunkPrefix(prefix, filesID string) string {
	return prefix + url.PathEscape(filesID) + "/"
}

func chunkKey(prefix, filesID string, n int32) string {
	return fmt.Sprintf("%s%010d", chunkPrefix(prefix, filesID), n)
}

func parseChunkKey(key string) (int32, error) {
	n, err := strconv.ParseInt(path.Base(key), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed chunk key %q: %w", key, err)
	}
	return int32(n), nil
}

// objectAPI is the part of the object store the chunk store relies on.
// Listings are in key order and start after startAfter when it is set.
type objectAPI interface {
	exists(ctx context.Context, key string) (bool, error)
	put(ctx context.Context, key string, data []byte) error
	get(ctx context.Context, key string) ([]byte, error)
	list(ctx context.Context, prefix, startAfter string) <-chan minio.ObjectInfo
	remove(ctx context.Context, objects <-chan minio.ObjectInfo) <-chan minio.RemoveObjectError
}

func (mc *MinioClient) exists(ctx context.Context, key string) (bool, error) {
	_, err := mc.client.StatObject(ctx, mc.bucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}

func (mc *MinioClient) put(ctx context.Context, key string, data []byte) error {
	ctx, span := tracer.Start(ctx, "minio.put_chunk",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	info, err := mc.client.PutObject(ctx, mc.bucketName, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"},
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	span.SetAttributes(attribute.String("etag", info.ETag))
	return nil
}

func (mc *MinioClient) get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "minio.get_chunk",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	obj, err := mc.client.GetObject(ctx, mc.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	span.SetAttributes(attribute.Int("size_bytes", buf.Len()))
	return buf.Bytes(), nil
}

func (mc *MinioClient) list(ctx context.Context, prefix, startAfter string) <-chan minio.ObjectInfo {
	return mc.client.ListObjects(ctx, mc.bucketName, minio.ListObjectsOptions{
		Prefix:     prefix,
		StartAfter: startAfter,
		Recursive:  true,
	})
}

func (mc *MinioClient) remove(ctx context.Context, objects <-chan minio.ObjectInfo) <-chan minio.RemoveObjectError {
	return mc.client.RemoveObjects(ctx, mc.bucketName, objects, minio.RemoveObjectsOptions{})
}

// removeListed deletes every object the listing of prefix yields after
// startAfter and returns how many were listed
func removeListed(ctx context.Context, api objectAPI, prefix, startAfter string) (int64, error) {
	ctx, span := tracer.Start(ctx, "minio.remove_objects",
		trace.WithAttributes(
			attribute.String("prefix", prefix),
			attribute.String("start_after", startAfter),
		),
	)
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var listed int64
	var listErr error
	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		for obj := range api.list(ctx, prefix, startAfter) {
			if obj.Err != nil {
				listErr = obj.Err
				return
			}
			select {
			case objectsCh <- obj:
				listed++
			case <-ctx.Done():
				return
			}
		}
	}()

	var removeErr error
	for rerr := range api.remove(ctx, objectsCh) {
		if removeErr == nil {
			removeErr = fmt.Errorf("failed to remove %s: %w", rerr.ObjectName, rerr.Err)
		}
	}
	if removeErr != nil {
		span.RecordError(removeErr)
		return listed, removeErr
	}
	if listErr != nil {
		span.RecordError(listErr)
		return listed, fmt.Errorf("failed to list objects: %w", listErr)
	}
	span.SetAttributes(attribute.Int64("objects_removed", listed))
	return listed, nil
}

type minioChunks struct {
	objects objectAPI
	prefix  string
}

// startAfter positions a listing of filesID's chunks at index from
func (s *minioChunks) startAfter(filesID string, from int32) string {
	if from <= 0 {
		return ""
	}
	return chunkKey(s.prefix, filesID, from-1)
}

// InsertChunk refuses to overwrite an existing chunk. The existence check and
// the put are separate requests, so two writers racing on one file id are
// not serialized here.
func (s *minioChunks) InsertChunk(ctx context.Context, chunk *models.Chunk) error {
	key := chunkKey(s.prefix, chunk.FilesID, chunk.N)

	found, err := s.objects.exists(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to stat chunk %s: %w", key, err)
	}
	if found {
		return fmt.Errorf("chunk %s: %w", key, gridfs.ErrDuplicateKey)
	}
	return s.objects.put(ctx, key, chunk.Data)
}

func (s *minioChunks) ReadChunks(ctx context.Context, filesID string, from int32) (gridfs.Cursor[*models.Chunk], error) {
	listCtx, cancel := context.WithCancel(ctx)
	return &minioCursor{
		objects: s.objects,
		filesID: filesID,
		listing: s.objects.list(listCtx, chunkPrefix(s.prefix, filesID), s.startAfter(filesID, from)),
		cancel:  cancel,
	}, nil
}

func (s *minioChunks) DeleteChunks(ctx context.Context, filesID string, from int32) (int64, error) {
	return removeListed(ctx, s.objects, chunkPrefix(s.prefix, filesID), s.startAfter(filesID, from))
}

func (s *minioChunks) CountChunks(ctx context.Context, filesID string) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var count int64
	for obj := range s.objects.list(ctx, chunkPrefix(s.prefix, filesID), "") {
		if obj.Err != nil {
			return 0, fmt.Errorf("failed to list chunks: %w", obj.Err)
		}
		count++
	}
	return count, nil
}

func (s *minioChunks) DropChunks(ctx context.Context) error {
	_, err := removeListed(ctx, s.objects, s.prefix, "")
	return err
}

// minioCursor walks a listing and fetches each chunk object on demand
type minioCursor struct {
	objects objectAPI
	filesID string
	listing <-chan minio.ObjectInfo
	cancel  context.CancelFunc
}

func (c *minioCursor) Next(ctx context.Context) (*models.Chunk, error) {
	var obj minio.ObjectInfo
	var ok bool
	select {
	case obj, ok = <-c.listing:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if !ok {
		return nil, io.EOF
	}
	if obj.Err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", obj.Err)
	}

	n, err := parseChunkKey(obj.Key)
	if err != nil {
		return nil, err
	}
	data, err := c.objects.get(ctx, obj.Key)
	if err != nil {
		return nil, err
	}
	return &models.Chunk{ID: obj.Key, FilesID: c.filesID, N: n, Data: data}, nil
}

func (c *minioCursor) Close(context.Context) error {
	c.cancel()
	return nil
}
