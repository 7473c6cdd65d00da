package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/maneesh/labgridfs/internal/gridfs"
	"github.com/maneesh/labgridfs/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY
const mysqlDuplicateEntry = 1062

// unboundedLimit stands in for "no limit" when only an offset is given
const unboundedLimit = "18446744073709551615"

// TiDBClient stores a bucket as two tables, <bucket>_files and
// <bucket>_chunks, in TiDB or any MySQL-compatible database.
type TiDBClient struct {
	db *sql.DB
}

// Pool limits for the shared handle. Uploads hold a connection per
// in-flight chunk insert.
const (
	tidbMaxOpenConns    = 25
	tidbMaxIdleConns    = 5
	tidbConnMaxIdleTime = 5 * time.Minute
)

// NewTiDBClient opens a pooled handle for dsn and checks that the server
// answers before returning
func NewTiDBClient(ctx context.Context, dsn string) (*TiDBClient, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid TiDB DSN: %w", err)
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build TiDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(tidbMaxOpenConns)
	db.SetMaxIdleConns(tidbMaxIdleConns)
	db.SetConnMaxIdleTime(tidbConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach TiDB at %s: %w", cfg.Addr, err)
	}
	return NewTiDBClientFromDB(db), nil
}

// NewTiDBClientFromDB wraps an already opened database handle
func NewTiDBClientFromDB(db *sql.DB) *TiDBClient {
	return &TiDBClient{db: db}
}

// Close closes the database connection
func (tc *TiDBClient) Close() error {
	return tc.db.Close()
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func filesTable(bucket string) string  { return quoteIdent(bucket + "_files") }
func chunksTable(bucket string) string { return quoteIdent(bucket + "_chunks") }

// EnsureSchema creates the tables of a bucket if they do not exist
func (tc *TiDBClient) EnsureSchema(ctx context.Context, bucket string) error {
	ctx, span := tracer.Start(ctx, "tidb.ensure_schema",
		trace.WithAttributes(attribute.String("bucket", bucket)),
	)
	defer span.End()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + filesTable(bucket) + ` (
			id          VARCHAR(255)  NOT NULL PRIMARY KEY,
			filename    VARCHAR(1024) NOT NULL,
			length      BIGINT        NOT NULL,
			chunk_size  INT           NOT NULL,
			upload_date DATETIME(3)   NOT NULL,
			metadata    JSON          NULL,
			KEY idx_filename_upload_date (filename(255), upload_date)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + chunksTable(bucket) + ` (
			id       VARCHAR(255) NOT NULL PRIMARY KEY,
			files_id VARCHAR(255) NOT NULL,
			n        INT          NOT NULL,
			data     LONGBLOB     NOT NULL,
			UNIQUE KEY idx_files_id_n (files_id, n)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tc.db.ExecContext(ctx, stmt); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

// FileStore returns the files table of a bucket. Concerns do not apply to
// TiDB; consistency follows the server's isolation level.
func (tc *TiDBClient) FileStore(bucket string, _ gridfs.Concerns) gridfs.FileStore {
	return &tidbFiles{db: tc.db, table: filesTable(bucket)}
}

// ChunkStore returns the chunks table of a bucket
func (tc *TiDBClient) ChunkStore(bucket string, _ gridfs.Concerns) gridfs.ChunkStore {
	return &tidbChunks{db: tc.db, table: chunksTable(bucket)}
}

func mapInsertError(err error) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
		return fmt.Errorf("%w: %s", gridfs.ErrDuplicateKey, mysqlErr.Message)
	}
	return err
}

// rowsCursor reads rows lazily, one record per Next
type rowsCursor[T any] struct {
	rows *sql.Rows
	scan func(*sql.Rows) (T, error)
}

func (c *rowsCursor[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return zero, err
		}
		return zero, io.EOF
	}
	return c.scan(c.rows)
}

func (c *rowsCursor[T]) Close(context.Context) error {
	return c.rows.Close()
}

type tidbFiles struct {
	db    *sql.DB
	table string
}

var fileColumns = map[string]string{
	gridfs.FieldID:         "id",
	gridfs.FieldFilename:   "filename",
	gridfs.FieldLength:     "length",
	gridfs.FieldChunkSize:  "chunk_size",
	gridfs.FieldUploadDate: "upload_date",
}

// columnExpr maps a validated field key to a SQL expression
func columnExpr(key string) string {
	if col, ok := fileColumns[key]; ok {
		return col
	}
	path, _ := gridfs.MetadataPath(key)
	return fmt.Sprintf("JSON_EXTRACT(metadata, '$.%s')", path)
}

// buildFileQuery renders filter and options as a SELECT. Filter keys are
// emitted in sorted order so the statement text is stable.
func buildFileQuery(table string, filter gridfs.Filter, opts gridfs.FindOptions) (string, []any, error) {
	if err := filter.Validate(); err != nil {
		return "", nil, err
	}
	if err := opts.Validate(); err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT id, filename, length, chunk_size, upload_date, metadata FROM ")
	sb.WriteString(table)

	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var args []any
	for i, key := range keys {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		if _, ok := gridfs.MetadataPath(key); ok {
			raw, err := json.Marshal(filter[key])
			if err != nil {
				return "", nil, fmt.Errorf("%w: filter %q: %v", gridfs.ErrInvalidArgument, key, err)
			}
			sb.WriteString(columnExpr(key) + " = CAST(? AS JSON)")
			args = append(args, string(raw))
			continue
		}
		sb.WriteString(columnExpr(key) + " = ?")
		args = append(args, filter[key])
	}

	for i, s := range opts.Sort {
		if i == 0 {
			sb.WriteString(" ORDER BY ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(columnExpr(s.Key))
		if s.Desc {
			sb.WriteString(" DESC")
		} else {
			sb.WriteString(" ASC")
		}
	}

	switch {
	case opts.Limit > 0:
		fmt.Fprintf(&sb, " LIMIT %d", opts.Limit)
	case opts.Skip > 0:
		sb.WriteString(" LIMIT " + unboundedLimit)
	}
	if opts.Skip > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", opts.Skip)
	}
	return sb.String(), args, nil
}

func scanFile(rows *sql.Rows) (*models.File, error) {
	var file models.File
	var metadata []byte
	err := rows.Scan(
		&file.ID,
		&file.Filename,
		&file.Length,
		&file.ChunkSize,
		&file.UploadDate,
		&metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan file: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &file.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %q: %w", file.ID, err)
		}
	}
	file.UploadDate = file.UploadDate.UTC()
	return &file, nil
}

// InsertFile inserts file metadata with tracing
func (s *tidbFiles) InsertFile(ctx context.Context, file *models.File) error {
	ctx, span := tracer.Start(ctx, "tidb.insert_file",
		trace.WithAttributes(
			attribute.String("file_id", file.ID),
			attribute.String("file_name", file.Filename),
			attribute.Int64("file_size", file.Length),
		),
	)
	defer span.End()

	var metadata any
	if file.Metadata != nil {
		raw, err := json.Marshal(file.Metadata)
		if err != nil {
			return fmt.Errorf("%w: metadata: %v", gridfs.ErrInvalidArgument, err)
		}
		metadata = string(raw)
	}

	query := `INSERT INTO ` + s.table + ` (id, filename, length, chunk_size, upload_date, metadata)
			  VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, file.ID, file.Filename, file.Length, file.ChunkSize, file.UploadDate, metadata)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert file: %w", mapInsertError(err))
	}

	span.SetAttributes(attribute.Bool("insert_success", true))
	return nil
}

// FindFiles queries file metadata; rows are scanned lazily
func (s *tidbFiles) FindFiles(ctx context.Context, filter gridfs.Filter, opts gridfs.FindOptions) (gridfs.Cursor[*models.File], error) {
	ctx, span := tracer.Start(ctx, "tidb.find_files")
	defer span.End()

	query, args, err := buildFileQuery(s.table, filter, opts)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	return &rowsCursor[*models.File]{rows: rows, scan: scanFile}, nil
}

// UpdateFilename renames a file. Zero affected rows is only an error when
// the id does not exist; renaming to the current name changes nothing.
func (s *tidbFiles) UpdateFilename(ctx context.Context, id, filename string) error {
	ctx, span := tracer.Start(ctx, "tidb.update_filename",
		trace.WithAttributes(
			attribute.String("file_id", id),
			attribute.String("file_name", filename),
		),
	)
	defer span.End()

	res, err := s.db.ExecContext(ctx, `UPDATE `+s.table+` SET filename = ? WHERE id = ?`, filename, id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n > 0 {
		return nil
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.table+` WHERE id = ?`, id).Scan(&count); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to query file: %w", err)
	}
	if count == 0 {
		span.SetAttributes(attribute.Bool("found", false))
		return fmt.Errorf("file %q: %w", id, gridfs.ErrFileNotFound)
	}
	return nil
}

// DeleteFile deletes one metadata row
func (s *tidbFiles) DeleteFile(ctx context.Context, id string) (int64, error) {
	ctx, span := tracer.Start(ctx, "tidb.delete_file",
		trace.WithAttributes(attribute.String("file_id", id)),
	)
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE id = ?`, id)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to delete file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func (s *tidbFiles) DropFiles(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "tidb.drop_files")
	defer span.End()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to drop files: %w", err)
	}
	return nil
}

type tidbChunks struct {
	db    *sql.DB
	table string
}

// InsertChunk inserts one chunk with tracing
func (s *tidbChunks) InsertChunk(ctx context.Context, chunk *models.Chunk) error {
	ctx, span := tracer.Start(ctx, "tidb.insert_chunk",
		trace.WithAttributes(
			attribute.String("chunk_id", chunk.ID),
			attribute.String("file_id", chunk.FilesID),
			attribute.Int("order_index", int(chunk.N)),
		),
	)
	defer span.End()

	query := `INSERT INTO ` + s.table + ` (id, files_id, n, data) VALUES (?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, chunk.ID, chunk.FilesID, chunk.N, chunk.Data)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert chunk: %w", mapInsertError(err))
	}

	span.SetAttributes(attribute.Bool("insert_success", true))
	return nil
}

func scanChunk(rows *sql.Rows) (*models.Chunk, error) {
	var chunk models.Chunk
	if err := rows.Scan(&chunk.ID, &chunk.FilesID, &chunk.N, &chunk.Data); err != nil {
		return nil, fmt.Errorf("failed to scan chunk: %w", err)
	}
	return &chunk, nil
}

// ReadChunks retrieves the chunks of a file from index from onward, ordered by n
func (s *tidbChunks) ReadChunks(ctx context.Context, filesID string, from int32) (gridfs.Cursor[*models.Chunk], error) {
	ctx, span := tracer.Start(ctx, "tidb.read_chunks",
		trace.WithAttributes(
			attribute.String("file_id", filesID),
			attribute.Int("from", int(from)),
		),
	)
	defer span.End()

	query := `SELECT id, files_id, n, data
			  FROM ` + s.table + `
			  WHERE files_id = ? AND n >= ?
			  ORDER BY n ASC`

	rows, err := s.db.QueryContext(ctx, query, filesID, from)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	return &rowsCursor[*models.Chunk]{rows: rows, scan: scanChunk}, nil
}

func (s *tidbChunks) DeleteChunks(ctx context.Context, filesID string, from int32) (int64, error) {
	ctx, span := tracer.Start(ctx, "tidb.delete_chunks",
		trace.WithAttributes(
			attribute.String("file_id", filesID),
			attribute.Int("from", int(from)),
		),
	)
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE files_id = ? AND n >= ?`, filesID, from)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	span.SetAttributes(attribute.Int64("chunks_deleted", n))
	return n, nil
}

func (s *tidbChunks) CountChunks(ctx context.Context, filesID string) (int64, error) {
	ctx, span := tracer.Start(ctx, "tidb.count_chunks",
		trace.WithAttributes(attribute.String("file_id", filesID)),
	)
	defer span.End()

	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.table+` WHERE files_id = ?`, filesID).Scan(&count)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

func (s *tidbChunks) DropChunks(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "tidb.drop_chunks")
	defer span.End()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to drop chunks: %w", err)
	}
	return nil
}
