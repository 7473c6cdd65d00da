package handlers

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"

	"github.com/maneesh/labgridfs/internal/gridfs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// WriteHandler handles file upload requests
type WriteHandler struct {
	bucket *gridfs.Bucket
	logger *slog.Logger
}

// NewWriteHandler creates a new write handler
func NewWriteHandler(bucket *gridfs.Bucket, logger *slog.Logger) *WriteHandler {
	return &WriteHandler{bucket: bucket, logger: logger}
}

// WriteResponse represents the response for a write operation
type WriteResponse struct {
	FileID    string `json:"file_id"`
	Filename  string `json:"filename"`
	Length    int64  `json:"length"`
	ChunkSize int32  `json:"chunk_size"`
}

// ServeHTTP handles PUT /files?name=filename[&id=...][&chunk_size=...]
func (wh *WriteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "write_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()
	defer r.Body.Close()

	filename := r.URL.Query().Get("name")
	if filename == "" {
		http.Error(w, "missing 'name' query parameter", http.StatusBadRequest)
		return
	}

	chunkSize, err := queryInt(r, "chunk_size", int64(wh.bucket.ChunkSize()))
	if err == nil && (chunkSize <= 0 || chunkSize > math.MaxInt32) {
		err = fmt.Errorf("%w: chunk_size %d", gridfs.ErrInvalidArgument, chunkSize)
	}
	if err != nil {
		writeError(w, r, wh.logger, "invalid upload options", err)
		return
	}

	opts := &gridfs.UploadOptions{
		ID:        r.URL.Query().Get("id"),
		ChunkSize: int32(chunkSize),
	}
	span.SetAttributes(
		attribute.String("file_name", filename),
		attribute.Int64("chunk_size", chunkSize),
	)

	us, err := wh.bucket.OpenUploadStream(ctx, filename, opts)
	if err != nil {
		span.RecordError(err)
		writeError(w, r, wh.logger, "failed to open upload", err)
		return
	}
	span.SetAttributes(attribute.String("file_id", us.ID()))

	length, err := io.Copy(us, r.Body)
	if err != nil {
		_ = us.Abort()
		span.RecordError(err)
		writeError(w, r, wh.logger, "failed to upload file", err)
		return
	}
	if err := us.Close(); err != nil {
		span.RecordError(err)
		writeError(w, r, wh.logger, "failed to commit file", err)
		return
	}

	span.SetAttributes(attribute.Int64("file_size", length))
	wh.logger.InfoContext(ctx, "file uploaded", "file_id", us.ID(), "file_name", filename, "length", length)

	writeJSON(w, http.StatusCreated, WriteResponse{
		FileID:    us.ID(),
		Filename:  filename,
		Length:    length,
		ChunkSize: int32(chunkSize),
	})
}
