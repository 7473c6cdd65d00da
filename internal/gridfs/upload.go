package gridfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/labgridfs/internal/chunker"
	"github.com/maneesh/labgridfs/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// cleanupTimeout bounds the best-effort removal of chunks after a failed upload
const cleanupTimeout = 30 * time.Second

var errAborted = fmt.Errorf("%w: upload aborted", ErrStreamClosed)

type uploadState int

const (
	uploadWriting uploadState = iota
	uploadFinalizing
	uploadCommitted
	uploadFailed
)

// UploadOptions overrides per-upload settings. The zero value uses a
// generated id and the bucket's chunk size.
type UploadOptions struct {
	ID        string
	ChunkSize int32
	Metadata  map[string]any
}

// UploadStream writes one file. Bytes are cut into chunks as they arrive and
// the metadata record is inserted by Close, after every chunk insert has been
// acknowledged. An UploadStream is not safe for concurrent use.
type UploadStream struct {
	bucket    *Bucket
	id        string
	filename  string
	chunkSize int32
	metadata  map[string]any

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	gctx   context.Context
	span   trace.Span

	buf    []byte
	next   int32
	length int64
	state  uploadState
	err    error
}

// OpenUploadStream starts a new upload. When opts carries an id that is
// already in use the upload fails early with ErrDuplicateKey; a concurrent
// upload racing for the same id is rejected by the store on the first
// colliding chunk or on commit. The rejected upload never touches chunks the
// winner owns. Its chunks past the winner's last index are removed once the
// winner's metadata is visible, and are left behind otherwise.
func (b *Bucket) OpenUploadStream(ctx context.Context, filename string, opts *UploadOptions) (*UploadStream, error) {
	var o UploadOptions
	if opts != nil {
		o = *opts
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = b.chunkSize
	}
	if err := validateChunkSize(o.ChunkSize); err != nil {
		return nil, err
	}

	if o.ID != "" {
		_, err := b.findOne(ctx, Filter{FieldID: o.ID}, FindOptions{Limit: 1})
		switch {
		case err == nil:
			return nil, fmt.Errorf("file %q: %w", o.ID, ErrDuplicateKey)
		case !errors.Is(err, ErrFileNotFound):
			return nil, err
		}
	} else {
		o.ID = b.newID()
	}

	ctx, span := b.startSpan(ctx, "gridfs.upload",
		attribute.String("file_id", o.ID),
		attribute.String("file_name", filename),
		attribute.Int("chunk_size", int(o.ChunkSize)),
	)
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(b.maxInFlight)

	return &UploadStream{
		bucket:    b,
		id:        o.ID,
		filename:  filename,
		chunkSize: o.ChunkSize,
		metadata:  o.Metadata,
		ctx:       ctx,
		cancel:    cancel,
		group:     group,
		gctx:      gctx,
		span:      span,
		buf:       make([]byte, 0, o.ChunkSize),
	}, nil
}

// UploadFromStream copies src into a new file and returns its id. A read
// error from src aborts the upload; no metadata record is written.
func (b *Bucket) UploadFromStream(ctx context.Context, filename string, src io.Reader, opts *UploadOptions) (string, error) {
	us, err := b.OpenUploadStream(ctx, filename, opts)
	if err != nil {
		return "", err
	}

	for piece, err := range chunker.Split(src, int(us.chunkSize)) {
		if err != nil {
			return "", us.abort(fmt.Errorf("read source: %w", err))
		}
		if err := us.emit(piece.Data); err != nil {
			return "", us.abort(err)
		}
	}

	if err := us.Close(); err != nil {
		return "", err
	}
	return us.id, nil
}

// ID returns the id the file is stored under
func (us *UploadStream) ID() string {
	return us.id
}

// Write buffers p and submits every completed chunk
func (us *UploadStream) Write(p []byte) (int, error) {
	if err := us.checkWritable(); err != nil {
		return 0, err
	}

	written := 0
	for len(p) > 0 {
		room := int(us.chunkSize) - len(us.buf)
		take := min(room, len(p))
		us.buf = append(us.buf, p[:take]...)
		p = p[take:]
		written += take

		if len(us.buf) == int(us.chunkSize) {
			full := us.buf
			us.buf = make([]byte, 0, us.chunkSize)
			if err := us.emit(full); err != nil {
				return written, us.abort(err)
			}
		}
	}
	return written, nil
}

// Close flushes the last partial chunk, waits for all chunk inserts and
// commits the metadata record. On any failure the chunks already written are
// removed on a best-effort basis and the original error is returned.
func (us *UploadStream) Close() error {
	if err := us.checkWritable(); err != nil {
		return err
	}

	if len(us.buf) > 0 {
		last := us.buf
		us.buf = nil
		if err := us.emit(last); err != nil {
			return us.abort(err)
		}
	}

	us.state = uploadFinalizing
	if err := us.group.Wait(); err != nil {
		return us.abort(err)
	}

	b := us.bucket
	if b.verifyCount {
		if err := us.verifyChunkCount(); err != nil {
			return us.abort(err)
		}
	}

	file := &models.File{
		ID:         us.id,
		Filename:   us.filename,
		Length:     us.length,
		ChunkSize:  us.chunkSize,
		UploadDate: b.clock.stamp(b.now()),
		Metadata:   us.metadata,
	}
	if err := b.files.InsertFile(us.ctx, file); err != nil {
		return us.abort(storeError("insert file", err))
	}

	us.state = uploadCommitted
	us.cancel()
	b.metrics.uploads.Inc()
	b.metrics.uploadBytes.Add(int(us.length))
	us.span.SetAttributes(
		attribute.Int64("file_size", us.length),
		attribute.Int("chunk_count", int(us.next)),
	)
	us.span.End()
	b.logger.DebugContext(us.ctx, "file committed", "file_id", us.id, "length", us.length, "chunks", us.next)
	return nil
}

// Abort cancels the upload. No metadata record is written and chunks already
// stored are removed on a best-effort basis.
func (us *UploadStream) Abort() error {
	if err := us.checkWritable(); err != nil {
		return err
	}
	us.abort(errAborted)
	return nil
}

func (us *UploadStream) checkWritable() error {
	switch us.state {
	case uploadCommitted:
		return ErrStreamClosed
	case uploadFailed:
		if errors.Is(us.err, ErrStreamClosed) {
			return us.err
		}
		return fmt.Errorf("%w: %w", ErrStreamClosed, us.err)
	}
	return nil
}

// emit submits one chunk. Inserts are issued in index order; at most
// maxInFlight of them run at once.
func (us *UploadStream) emit(data []byte) error {
	if err := us.gctx.Err(); err != nil {
		// an earlier insert failed or the caller's context is done
		if werr := us.group.Wait(); werr != nil {
			return werr
		}
		return err
	}

	chunk := &models.Chunk{
		ID:      uuid.New().String(),
		FilesID: us.id,
		N:       us.next,
		Data:    data,
	}
	us.next++
	us.length += int64(len(data))

	chunks, m := us.bucket.chunks, us.bucket.metrics
	us.group.Go(func() error {
		if err := chunks.InsertChunk(us.gctx, chunk); err != nil {
			return storeError(fmt.Sprintf("insert chunk %d", chunk.N), err)
		}
		m.chunkWriteBytes.Update(float64(len(chunk.Data)))
		return nil
	})
	return nil
}

func (us *UploadStream) verifyChunkCount() error {
	want := chunker.Layout{Length: us.length, ChunkSize: us.chunkSize}.NumChunks()
	got, err := us.bucket.chunks.CountChunks(us.ctx, us.id)
	if err != nil {
		return storeError("count chunks", err)
	}
	if got != int64(want) {
		return fmt.Errorf("%w: stored %d chunks, expected %d", ErrCorruptFile, got, want)
	}
	return nil
}

// abort moves the stream to the failed state, waits for in-flight inserts and
// removes what was written. Cleanup errors are logged, never returned.
func (us *UploadStream) abort(cause error) error {
	if us.state == uploadFailed {
		return us.err
	}
	us.state = uploadFailed
	us.err = cause
	us.cancel()
	_ = us.group.Wait()

	b := us.bucket
	b.metrics.uploadsFailed.Inc()
	us.span.RecordError(cause)
	defer us.span.End()

	if us.next == 0 {
		return cause
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(us.ctx), cleanupTimeout)
	defer cancel()

	// another upload owns the id, and with it every chunk below its length
	var from int32
	if errors.Is(cause, ErrDuplicateKey) {
		winner, err := b.findOne(ctx, Filter{FieldID: us.id}, FindOptions{Limit: 1})
		if err != nil {
			b.logger.WarnContext(ctx, "upload rejected, id in use", "file_id", us.id, "error", cause)
			return cause
		}
		from = chunker.Layout{Length: winner.Length, ChunkSize: winner.ChunkSize}.NumChunks()
		if us.next <= from {
			b.logger.WarnContext(ctx, "upload rejected, id in use", "file_id", us.id, "error", cause)
			return cause
		}
	}

	removed, err := b.chunks.DeleteChunks(ctx, us.id, from)
	if err != nil {
		b.logger.WarnContext(ctx, "orphan chunk cleanup failed",
			"file_id", us.id, "chunks", us.next, "error", err, "cause", cause)
		return cause
	}
	b.metrics.orphanCleanups.Add(int(removed))
	b.logger.InfoContext(ctx, "upload aborted", "file_id", us.id, "chunks_removed", removed, "cause", cause)
	return cause
}
