package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/labgridfs/internal/gridfs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ReadHandler handles file download requests
type ReadHandler struct {
	bucket *gridfs.Bucket
	logger *slog.Logger
}

// NewReadHandler creates a new read handler
func NewReadHandler(bucket *gridfs.Bucket, logger *slog.Logger) *ReadHandler {
	return &ReadHandler{bucket: bucket, logger: logger}
}

// ServeHTTP handles GET /files/{file_id}
func (rh *ReadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "read_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	fileID := mux.Vars(r)["file_id"]
	if fileID == "" {
		http.Error(w, "missing file_id in path", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("file_id", fileID))

	ds, err := rh.bucket.OpenDownloadStream(ctx, fileID)
	if err != nil {
		span.RecordError(err)
		writeError(w, r, rh.logger, "failed to open file", err)
		return
	}
	rh.serve(w, r, ds, span)
}

// ByName handles GET /files/by-name/{name}?revision=N. The newest revision
// is served when none is given.
func (rh *ReadHandler) ByName(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "read_file_by_name",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	name := mux.Vars(r)["name"]
	revision, err := queryInt(r, "revision", -1)
	if err != nil {
		writeError(w, r, rh.logger, "invalid revision", err)
		return
	}
	span.SetAttributes(
		attribute.String("file_name", name),
		attribute.Int64("revision", revision),
	)

	ds, err := rh.bucket.OpenDownloadStreamByName(ctx, name, int(revision))
	if err != nil {
		span.RecordError(err)
		writeError(w, r, rh.logger, "failed to open file", err)
		return
	}
	rh.serve(w, r, ds, span)
}

// serve streams ds with range support. Failures after the headers are sent
// can only be logged.
func (rh *ReadHandler) serve(w http.ResponseWriter, r *http.Request, ds *gridfs.DownloadStream, span trace.Span) {
	file := ds.File()
	span.SetAttributes(
		attribute.String("file_name", file.Filename),
		attribute.Int64("file_size", file.Length),
	)

	body := &trackingReader{DownloadStream: ds}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
	w.Header().Set("X-File-Id", file.ID)
	http.ServeContent(w, r, file.Filename, file.UploadDate, body)

	if body.err != nil {
		span.RecordError(body.err)
		rh.logger.ErrorContext(r.Context(), "file read failed", "file_id", file.ID, "error", body.err)
	}
}

// trackingReader remembers the first read error other than io.EOF
type trackingReader struct {
	*gridfs.DownloadStream
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.DownloadStream.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && t.err == nil {
		t.err = err
	}
	return n, err
}
