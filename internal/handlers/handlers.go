// Package handlers exposes a gridfs bucket over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/maneesh/labgridfs/internal/gridfs"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("labgridfs-handlers")

// NewRouter registers the file routes of bucket on a new router
func NewRouter(bucket *gridfs.Bucket, logger *slog.Logger) *mux.Router {
	writeHandler := NewWriteHandler(bucket, logger)
	readHandler := NewReadHandler(bucket, logger)
	manageHandler := NewManageHandler(bucket, logger)

	traced := func(name string, h http.HandlerFunc) http.Handler {
		return otelhttp.NewHandler(h, name)
	}

	router := mux.NewRouter()
	router.Handle("/files", otelhttp.NewHandler(writeHandler, "PUT /files")).Methods(http.MethodPut)
	router.Handle("/files", traced("GET /files", manageHandler.List)).Methods(http.MethodGet)
	router.Handle("/files", traced("DELETE /files", manageHandler.Drop)).Methods(http.MethodDelete)
	router.Handle("/files/by-name/{name}", traced("GET /files/by-name/{name}", readHandler.ByName)).
		Methods(http.MethodGet, http.MethodHead)
	router.Handle("/files/{file_id}", otelhttp.NewHandler(readHandler, "GET /files/{file_id}")).
		Methods(http.MethodGet, http.MethodHead)
	router.Handle("/files/{file_id}", traced("PATCH /files/{file_id}", manageHandler.Rename)).Methods(http.MethodPatch)
	router.Handle("/files/{file_id}", traced("DELETE /files/{file_id}", manageHandler.Delete)).Methods(http.MethodDelete)
	return router
}

// statusFor maps the bucket error kinds onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, gridfs.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, gridfs.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, gridfs.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, gridfs.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), msg, "method", r.Method, "path", r.URL.Path, "error", err)
	}
	http.Error(w, msg+": "+err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// queryInt parses an optional integer query parameter
func queryInt(r *http.Request, key string, def int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %q query parameter", gridfs.ErrInvalidArgument, key)
	}
	return v, nil
}
