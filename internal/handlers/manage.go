package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/labgridfs/internal/gridfs"
	"github.com/maneesh/labgridfs/internal/models"
	"go.opentelemetry.io/otel/attribute"
)

// ManageHandler lists, renames and deletes stored files
type ManageHandler struct {
	bucket *gridfs.Bucket
	logger *slog.Logger
}

// NewManageHandler creates a new manage handler
func NewManageHandler(bucket *gridfs.Bucket, logger *slog.Logger) *ManageHandler {
	return &ManageHandler{bucket: bucket, logger: logger}
}

// List handles GET /files[?filename=...][&skip=N][&limit=N]
func (mh *ManageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "list_files")
	defer span.End()

	filter := gridfs.Filter{}
	if name := r.URL.Query().Get("filename"); name != "" {
		filter[gridfs.FieldFilename] = name
	}
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		writeError(w, r, mh.logger, "invalid paging", err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, mh.logger, "invalid paging", err)
		return
	}

	cur, err := mh.bucket.Find(ctx, filter, &gridfs.FindOptions{Skip: skip, Limit: limit})
	if err != nil {
		span.RecordError(err)
		writeError(w, r, mh.logger, "failed to list files", err)
		return
	}
	files, err := gridfs.All(ctx, cur)
	if err != nil {
		span.RecordError(err)
		writeError(w, r, mh.logger, "failed to list files", err)
		return
	}
	if files == nil {
		files = []*models.File{}
	}

	span.SetAttributes(attribute.Int("file_count", len(files)))
	writeJSON(w, http.StatusOK, files)
}

// Rename handles PATCH /files/{file_id}?name=new
func (mh *ManageHandler) Rename(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "rename_file")
	defer span.End()

	fileID := mux.Vars(r)["file_id"]
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "missing 'name' query parameter", http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.String("file_id", fileID),
		attribute.String("file_name", name),
	)

	if err := mh.bucket.Rename(ctx, fileID, name); err != nil {
		span.RecordError(err)
		writeError(w, r, mh.logger, "failed to rename file", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /files/{file_id}
func (mh *ManageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "delete_file")
	defer span.End()

	fileID := mux.Vars(r)["file_id"]
	span.SetAttributes(attribute.String("file_id", fileID))

	if err := mh.bucket.Delete(ctx, fileID); err != nil {
		span.RecordError(err)
		writeError(w, r, mh.logger, "failed to delete file", err)
		return
	}
	mh.logger.InfoContext(ctx, "file deleted", "file_id", fileID)
	w.WriteHeader(http.StatusNoContent)
}

// Drop handles DELETE /files and removes every file of the bucket
func (mh *ManageHandler) Drop(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "drop_bucket")
	defer span.End()

	if err := mh.bucket.Drop(ctx); err != nil {
		span.RecordError(err)
		writeError(w, r, mh.logger, "failed to drop bucket", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
