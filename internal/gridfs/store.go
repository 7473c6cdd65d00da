package gridfs

import (
	"context"
	"io"
	"time"

	"github.com/maneesh/labgridfs/internal/models"
)

// Cursor is a lazy, single-pass sequence of records. Next returns io.EOF once
// the sequence is exhausted.
type Cursor[T any] interface {
	Next(ctx context.Context) (T, error)
	Close(ctx context.Context) error
}

// FileStore persists file metadata records, one collection per bucket
type FileStore interface {
	// InsertFile stores a new record. It fails with ErrDuplicateKey if the id exists.
	InsertFile(ctx context.Context, file *models.File) error
	FindFiles(ctx context.Context, filter Filter, opts FindOptions) (Cursor[*models.File], error)
	// UpdateFilename fails with ErrFileNotFound if no record has the id
	UpdateFilename(ctx context.Context, id, filename string) error
	DeleteFile(ctx context.Context, id string) (int64, error)
	DropFiles(ctx context.Context) error
}

// ChunkStore persists chunk records, one collection per bucket
type ChunkStore interface {
	InsertChunk(ctx context.Context, chunk *models.Chunk) error
	// ReadChunks returns the chunks of a file with n >= from, sorted by n
	ReadChunks(ctx context.Context, filesID string, from int32) (Cursor[*models.Chunk], error)
	// DeleteChunks removes the chunks of a file with n >= from
	DeleteChunks(ctx context.Context, filesID string, from int32) (int64, error)
	CountChunks(ctx context.Context, filesID string) (int64, error)
	DropChunks(ctx context.Context) error
}

// Backend builds the stores behind a bucket. Files and Chunks may come from
// different databases, e.g. metadata in TiDB and chunk payloads in MinIO.
type Backend struct {
	Files  func(bucketName string, c Concerns) FileStore
	Chunks func(bucketName string, c Concerns) ChunkStore
}

// ReadPreference selects which replica serves reads
type ReadPreference string

const (
	Primary            ReadPreference = "primary"
	PrimaryPreferred   ReadPreference = "primaryPreferred"
	Secondary          ReadPreference = "secondary"
	SecondaryPreferred ReadPreference = "secondaryPreferred"
	Nearest            ReadPreference = "nearest"
)

// WriteConcern is the acknowledgement level requested for writes.
// The zero value means the store default.
type WriteConcern struct {
	W        int
	Majority bool
	Journal  bool
	WTimeout time.Duration
}

// Concerns are passed through to stores that understand them. Stores without
// replication ignore them.
type Concerns struct {
	ReadPreference ReadPreference
	WriteConcern   WriteConcern
	ReadConcern    string
}

// SliceCursor serves records from memory
type SliceCursor[T any] struct {
	items []T
	pos   int
}

// NewSliceCursor returns a cursor over items
func NewSliceCursor[T any](items []T) *SliceCursor[T] {
	return &SliceCursor[T]{items: items}
}

func (c *SliceCursor[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if c.pos >= len(c.items) {
		return zero, io.EOF
	}
	item := c.items[c.pos]
	c.pos++
	return item, nil
}

func (c *SliceCursor[T]) Close(context.Context) error {
	c.items = nil
	return nil
}

// All drains a cursor and closes it
func All[T any](ctx context.Context, cur Cursor[T]) ([]T, error) {
	defer cur.Close(ctx)

	var out []T
	for {
		item, err := cur.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
}
