// Package storage implements the files and chunks stores behind a gridfs
// bucket: in memory, TiDB/MySQL, MongoDB and MinIO, plus a Redis cache in
// front of any files store.
package storage

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("labgridfs-storage")
