// Package gridfs stores files larger than a single document by splitting them
// into chunk records plus one metadata record per file.
//
// Chunks are always written before the metadata record, and the metadata
// record is the only commit signal: a file is either fully visible or not
// visible at all. The stores behind a bucket need atomic single-record writes
// and a unique file id, nothing more.
package gridfs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/labgridfs/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labgridfs-gridfs")

const (
	// DefaultBucketName prefixes the files and chunks collections
	DefaultBucketName = "fs"
	// DefaultChunkSize is 255 KiB, small enough to keep a chunk and its
	// envelope under the document size limit.
	DefaultChunkSize int32 = 255 * 1024
	// MaxChunkSize is the largest chunk size a bucket accepts
	MaxChunkSize int32 = 16 * 1024 * 1024
	// DefaultMaxInFlight keeps chunk inserts strictly sequential
	DefaultMaxInFlight = 1
)

// Bucket groups one files collection and one chunks collection. A Bucket is
// immutable once built; With returns a reconfigured copy.
type Bucket struct {
	name        string
	chunkSize   int32
	maxInFlight int
	verifyCount bool
	concerns    Concerns

	backend Backend
	files   FileStore
	chunks  ChunkStore

	baseLogger *slog.Logger
	logger     *slog.Logger
	now        func() time.Time
	clock      *uploadClock
	newID      func() string
	metrics    *bucketMetrics
}

// uploadClock hands out strictly increasing upload dates at millisecond
// precision, so revisions of a name never tie within one bucket.
type uploadClock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *uploadClock) stamp(now time.Time) time.Time {
	t := now.UTC().Truncate(time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !t.After(c.last) {
		t = c.last.Add(time.Millisecond)
	}
	c.last = t
	return t
}

// Option configures a Bucket
type Option func(*Bucket)

// WithName sets the bucket name
func WithName(name string) Option {
	return func(b *Bucket) { b.name = name }
}

// WithChunkSize sets the default chunk size for new uploads
func WithChunkSize(size int32) Option {
	return func(b *Bucket) { b.chunkSize = size }
}

// WithMaxInFlight bounds concurrent chunk inserts per upload
func WithMaxInFlight(n int) Option {
	return func(b *Bucket) { b.maxInFlight = n }
}

// WithChunkCountCheck makes uploads count stored chunks before committing
func WithChunkCountCheck(enabled bool) Option {
	return func(b *Bucket) { b.verifyCount = enabled }
}

func WithReadPreference(rp ReadPreference) Option {
	return func(b *Bucket) { b.concerns.ReadPreference = rp }
}

func WithWriteConcern(wc WriteConcern) Option {
	return func(b *Bucket) { b.concerns.WriteConcern = wc }
}

func WithReadConcern(level string) Option {
	return func(b *Bucket) { b.concerns.ReadConcern = level }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bucket) { b.baseLogger = l }
}

// WithClock replaces the source of upload dates
func WithClock(now func() time.Time) Option {
	return func(b *Bucket) { b.now = now }
}

// WithIDGenerator replaces the generator used for file ids
func WithIDGenerator(newID func() string) Option {
	return func(b *Bucket) { b.newID = newID }
}

// NewBucket builds a bucket over the stores produced by backend
func NewBucket(backend Backend, opts ...Option) (*Bucket, error) {
	if backend.Files == nil || backend.Chunks == nil {
		return nil, fmt.Errorf("%w: backend needs both a files and a chunks store", ErrInvalidArgument)
	}
	b := Bucket{
		name:        DefaultBucketName,
		chunkSize:   DefaultChunkSize,
		maxInFlight: DefaultMaxInFlight,
		backend:     backend,
		baseLogger:  slog.Default(),
		now:         time.Now,
		clock:       &uploadClock{},
		newID:       func() string { return uuid.New().String() },
	}
	return b.build(opts)
}

// With returns a new bucket with opts applied on top of the current settings.
// The receiver is left unchanged.
func (b *Bucket) With(opts ...Option) (*Bucket, error) {
	return b.build(opts)
}

// build works on a copy of the receiver
func (b Bucket) build(opts []Option) (*Bucket, error) {
	for _, opt := range opts {
		opt(&b)
	}
	if b.name == "" {
		return nil, fmt.Errorf("%w: empty bucket name", ErrInvalidArgument)
	}
	if err := validateChunkSize(b.chunkSize); err != nil {
		return nil, err
	}
	if b.maxInFlight <= 0 {
		return nil, fmt.Errorf("%w: max in-flight chunk writes must be positive, got %d", ErrInvalidArgument, b.maxInFlight)
	}
	if b.baseLogger == nil {
		b.baseLogger = slog.Default()
	}

	b.files = b.backend.Files(b.name, b.concerns)
	b.chunks = b.backend.Chunks(b.name, b.concerns)
	b.metrics = newBucketMetrics(b.name)
	b.logger = b.baseLogger.With("bucket", b.name)
	return &b, nil
}

func validateChunkSize(size int32) error {
	if size <= 0 || size > MaxChunkSize {
		return fmt.Errorf("%w: chunk size must be in (0, %d], got %d", ErrInvalidArgument, MaxChunkSize, size)
	}
	return nil
}

// Name returns the bucket name
func (b *Bucket) Name() string { return b.name }

// ChunkSize returns the default chunk size for new uploads
func (b *Bucket) ChunkSize() int32 { return b.chunkSize }

// Concerns returns the read/write settings passed to the stores
func (b *Bucket) Concerns() Concerns { return b.concerns }

func (b *Bucket) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("bucket", b.name))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Find returns the metadata records matching filter, by default in ascending
// upload order.
func (b *Bucket) Find(ctx context.Context, filter Filter, opts *FindOptions) (Cursor[*models.File], error) {
	ctx, span := b.startSpan(ctx, "gridfs.find")
	defer span.End()

	var o FindOptions
	if opts != nil {
		o = *opts
	}
	if len(o.Sort) == 0 {
		o.Sort = []SortField{{Key: FieldUploadDate}}
	}
	if err := filter.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := o.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	cur, err := b.files.FindFiles(ctx, filter, o)
	if err != nil {
		span.RecordError(err)
		return nil, storeError("find files", err)
	}
	return cur, nil
}

// FindByID returns the metadata record with the given id
func (b *Bucket) FindByID(ctx context.Context, id string) (*models.File, error) {
	ctx, span := b.startSpan(ctx, "gridfs.find_by_id", attribute.String("file_id", id))
	defer span.End()

	file, err := b.findOne(ctx, Filter{FieldID: id}, FindOptions{Limit: 1})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("file %q: %w", id, err)
	}
	return file, nil
}

// FindByName resolves a filename and revision to one metadata record.
// Revision 0 is the oldest upload, 1 the next, and so on; -1 is the newest,
// -2 the one before it. Uploads sharing a date are ordered by id.
func (b *Bucket) FindByName(ctx context.Context, filename string, revision int) (*models.File, error) {
	ctx, span := b.startSpan(ctx, "gridfs.find_by_name",
		attribute.String("file_name", filename),
		attribute.Int("revision", revision),
	)
	defer span.End()

	opts := FindOptions{Limit: 1}
	if revision >= 0 {
		opts.Sort = []SortField{{Key: FieldUploadDate}, {Key: FieldID}}
		opts.Skip = int64(revision)
	} else {
		opts.Sort = []SortField{{Key: FieldUploadDate, Desc: true}, {Key: FieldID, Desc: true}}
		opts.Skip = int64(-revision - 1)
	}

	file, err := b.findOne(ctx, Filter{FieldFilename: filename}, opts)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("file %q revision %d: %w", filename, revision, err)
	}
	return file, nil
}

func (b *Bucket) findOne(ctx context.Context, filter Filter, opts FindOptions) (*models.File, error) {
	cur, err := b.files.FindFiles(ctx, filter, opts)
	if err != nil {
		return nil, storeError("find file", err)
	}
	defer cur.Close(ctx)

	file, err := cur.Next(ctx)
	if err == io.EOF {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, storeError("read file", err)
	}
	return file, nil
}

// Delete removes a file's metadata record and then all of its chunks. Chunks
// are removed even when no metadata record exists, in which case
// ErrFileNotFound is still returned.
func (b *Bucket) Delete(ctx context.Context, id string) error {
	ctx, span := b.startSpan(ctx, "gridfs.delete", attribute.String("file_id", id))
	defer span.End()

	deleted, err := b.files.DeleteFile(ctx, id)
	if err != nil {
		span.RecordError(err)
		return storeError("delete file", err)
	}

	removed, err := b.chunks.DeleteChunks(ctx, id, 0)
	if err != nil {
		span.RecordError(err)
		return storeError("delete chunks", err)
	}
	span.SetAttributes(attribute.Int64("chunks_deleted", removed))

	if deleted == 0 {
		if removed > 0 {
			b.logger.WarnContext(ctx, "removed orphan chunks", "file_id", id, "chunks", removed)
		}
		return fmt.Errorf("file %q: %w", id, ErrFileNotFound)
	}

	b.metrics.deletes.Inc()
	return nil
}

// Rename changes only the filename of a stored file
func (b *Bucket) Rename(ctx context.Context, id, filename string) error {
	ctx, span := b.startSpan(ctx, "gridfs.rename",
		attribute.String("file_id", id),
		attribute.String("file_name", filename),
	)
	defer span.End()

	if err := b.files.UpdateFilename(ctx, id, filename); err != nil {
		span.RecordError(err)
		return storeError(fmt.Sprintf("rename file %q", id), err)
	}
	return nil
}

// Drop removes every metadata record and chunk of the bucket
func (b *Bucket) Drop(ctx context.Context) error {
	ctx, span := b.startSpan(ctx, "gridfs.drop")
	defer span.End()

	if err := b.files.DropFiles(ctx); err != nil {
		span.RecordError(err)
		return storeError("drop files", err)
	}
	if err := b.chunks.DropChunks(ctx); err != nil {
		span.RecordError(err)
		return storeError("drop chunks", err)
	}

	b.logger.InfoContext(ctx, "bucket dropped")
	return nil
}
