package gridfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/maneesh/labgridfs/internal/chunker"
	"github.com/maneesh/labgridfs/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type downloadState int

const (
	downloadStreaming downloadState = iota
	downloadDone
	downloadFailed
	downloadClosed
)

// DownloadStream reads one stored file. Chunks are fetched lazily and checked
// against the metadata record; any missing, repeated, mis-sized or surplus
// chunk fails the stream with ErrCorruptFile instead of truncating it.
// A DownloadStream is not safe for concurrent use.
type DownloadStream struct {
	bucket *Bucket
	file   *models.File
	layout chunker.Layout
	ctx    context.Context
	span   trace.Span

	cursor Cursor[*models.Chunk]
	joiner *chunker.Joiner
	buf    []byte
	skip   int
	pos    int64
	state  downloadState
	err    error
}

// OpenDownloadStream opens the file with the given id
func (b *Bucket) OpenDownloadStream(ctx context.Context, id string) (*DownloadStream, error) {
	file, err := b.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return b.newDownloadStream(ctx, file), nil
}

// OpenDownloadStreamByName opens a revision of the named file; see FindByName
func (b *Bucket) OpenDownloadStreamByName(ctx context.Context, filename string, revision int) (*DownloadStream, error) {
	file, err := b.FindByName(ctx, filename, revision)
	if err != nil {
		return nil, err
	}
	return b.newDownloadStream(ctx, file), nil
}

func (b *Bucket) newDownloadStream(ctx context.Context, file *models.File) *DownloadStream {
	ctx, span := b.startSpan(ctx, "gridfs.download",
		attribute.String("file_id", file.ID),
		attribute.String("file_name", file.Filename),
		attribute.Int64("file_size", file.Length),
	)
	b.metrics.downloads.Inc()

	return &DownloadStream{
		bucket: b,
		file:   file,
		layout: chunker.Layout{Length: file.Length, ChunkSize: file.ChunkSize},
		ctx:    ctx,
		span:   span,
	}
}

// File returns the metadata record being read
func (ds *DownloadStream) File() *models.File {
	return ds.file
}

func (ds *DownloadStream) Read(p []byte) (int, error) {
	switch ds.state {
	case downloadClosed:
		return 0, ErrStreamClosed
	case downloadFailed:
		return 0, ds.err
	}
	if len(p) == 0 {
		return 0, nil
	}

	for len(ds.buf) == 0 {
		if ds.pos >= ds.file.Length {
			return 0, ds.finish()
		}
		if err := ds.fill(); err != nil {
			return 0, ds.fail(err)
		}
	}

	n := copy(p, ds.buf)
	ds.buf = ds.buf[n:]
	ds.pos += int64(n)
	ds.bucket.metrics.downloadBytes.Add(n)
	return n, nil
}

// Seek moves the read position. Seeking outside the current chunk reopens the
// chunk range at the chunk holding the new offset.
func (ds *DownloadStream) Seek(offset int64, whence int) (int64, error) {
	switch ds.state {
	case downloadClosed:
		return 0, ErrStreamClosed
	case downloadFailed:
		return 0, ds.err
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = ds.pos + offset
	case io.SeekEnd:
		abs = ds.file.Length + offset
	default:
		return 0, fmt.Errorf("%w: invalid whence %d", ErrInvalidArgument, whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("%w: negative position %d", ErrInvalidArgument, abs)
	}
	if abs == ds.pos {
		return abs, nil
	}

	// forward within the buffered chunk
	if abs > ds.pos && abs-ds.pos <= int64(len(ds.buf)) {
		ds.buf = ds.buf[abs-ds.pos:]
		ds.pos = abs
		return abs, nil
	}

	ds.closeCursor()
	ds.buf = nil
	ds.pos = abs
	ds.state = downloadStreaming
	return abs, nil
}

// Close releases the chunk cursor. It never mutates stored data.
func (ds *DownloadStream) Close() error {
	if ds.state == downloadClosed {
		return ErrStreamClosed
	}
	ds.closeCursor()
	if ds.state != downloadFailed {
		ds.span.End()
	}
	ds.state = downloadClosed
	return nil
}

func (ds *DownloadStream) fill() error {
	b := ds.bucket
	if ds.cursor == nil {
		n, skip := ds.layout.ChunkFor(ds.pos)
		cur, err := b.chunks.ReadChunks(ds.ctx, ds.file.ID, n)
		if err != nil {
			return storeError("read chunks", err)
		}
		ds.cursor = cur
		ds.joiner = chunker.NewJoiner(ds.layout, n)
		ds.skip = skip
	}

	chunk, err := ds.cursor.Next(ds.ctx)
	if err == io.EOF {
		return fmt.Errorf("%w: missing chunk %d of %d", ErrCorruptFile, ds.joiner.Next(), ds.layout.NumChunks())
	}
	if err != nil {
		return storeError("read chunk", err)
	}
	if err := ds.joiner.Add(chunker.Piece{N: chunk.N, Data: chunk.Data}); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptFile, err)
	}

	ds.buf = chunk.Data[ds.skip:]
	ds.skip = 0
	return nil
}

// finish runs once the read position reaches the file length and checks that
// no chunk is stored past the last one. A stream that never walked the chunks
// (an empty file, or a seek to the end) opens the range past the last index.
func (ds *DownloadStream) finish() error {
	if ds.state == downloadDone {
		return io.EOF
	}
	if ds.cursor == nil {
		cur, err := ds.bucket.chunks.ReadChunks(ds.ctx, ds.file.ID, ds.layout.NumChunks())
		if err != nil {
			return ds.fail(storeError("read chunks", err))
		}
		ds.cursor = cur
	}
	chunk, err := ds.cursor.Next(ds.ctx)
	switch {
	case err == nil:
		return ds.fail(fmt.Errorf("%w: unexpected chunk %d past end of file", ErrCorruptFile, chunk.N))
	case err != io.EOF:
		return ds.fail(storeError("read chunk", err))
	}
	ds.closeCursor()
	ds.state = downloadDone
	return io.EOF
}

func (ds *DownloadStream) fail(err error) error {
	ds.state = downloadFailed
	ds.err = err
	ds.closeCursor()

	b := ds.bucket
	if errors.Is(err, ErrCorruptFile) {
		b.metrics.corruptFiles.Inc()
		b.logger.ErrorContext(ds.ctx, "corrupt file", "file_id", ds.file.ID, "error", err)
	}
	ds.span.RecordError(err)
	ds.span.End()
	return err
}

func (ds *DownloadStream) closeCursor() {
	if ds.cursor != nil {
		_ = ds.cursor.Close(ds.ctx)
		ds.cursor = nil
	}
}

// DownloadToStream writes the file with the given id to w and returns the
// number of bytes written.
func (b *Bucket) DownloadToStream(ctx context.Context, id string, w io.Writer) (int64, error) {
	file, err := b.FindByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return b.downloadTo(ctx, file, w)
}

// DownloadToStreamByName writes a revision of the named file to w
func (b *Bucket) DownloadToStreamByName(ctx context.Context, filename string, revision int, w io.Writer) (int64, error) {
	file, err := b.FindByName(ctx, filename, revision)
	if err != nil {
		return 0, err
	}
	return b.downloadTo(ctx, file, w)
}

func (b *Bucket) downloadTo(ctx context.Context, file *models.File, w io.Writer) (int64, error) {
	ctx, span := b.startSpan(ctx, "gridfs.download_to_stream",
		attribute.String("file_id", file.ID),
		attribute.Int64("file_size", file.Length),
	)
	defer span.End()
	b.metrics.downloads.Inc()

	cur, err := b.chunks.ReadChunks(ctx, file.ID, 0)
	if err != nil {
		span.RecordError(err)
		return 0, storeError("read chunks", err)
	}
	defer cur.Close(ctx)

	layout := chunker.Layout{Length: file.Length, ChunkSize: file.ChunkSize}
	written, err := chunker.Join(w, pieces(ctx, cur), layout)
	b.metrics.downloadBytes.Add(int(written))
	if err == nil {
		return written, nil
	}

	switch {
	case errors.Is(err, chunker.ErrWrite):
		err = fmt.Errorf("%w: %w", ErrWriteRejected, err)
	case errors.Is(err, chunker.ErrGap), errors.Is(err, chunker.ErrSize), errors.Is(err, chunker.ErrOverflow):
		err = fmt.Errorf("%w: file %q: %w", ErrCorruptFile, file.ID, err)
		b.metrics.corruptFiles.Inc()
		b.logger.ErrorContext(ctx, "corrupt file", "file_id", file.ID, "error", err)
	}
	span.RecordError(err)
	return written, err
}

// pieces adapts a chunk cursor to the codec's sequence type
func pieces(ctx context.Context, cur Cursor[*models.Chunk]) iter.Seq2[chunker.Piece, error] {
	return func(yield func(chunker.Piece, error) bool) {
		for {
			chunk, err := cur.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(chunker.Piece{}, storeError("read chunk", err))
				return
			}
			if !yield(chunker.Piece{N: chunk.N, Data: chunk.Data}, nil) {
				return
			}
		}
	}
}
