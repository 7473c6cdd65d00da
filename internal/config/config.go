package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/maneesh/labgridfs/internal/gridfs"
)

// Backend names accepted for METADATA_BACKEND and CHUNK_BACKEND
const (
	BackendMemory = "memory"
	BackendTiDB   = "tidb"
	BackendMongo  = "mongo"
	BackendMinIO  = "minio"
)

var (
	metadataBackends = []string{BackendTiDB, BackendMongo, BackendMemory}
	chunkBackends    = []string{BackendTiDB, BackendMongo, BackendMinIO, BackendMemory}
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort string
	ServiceName string
	LogLevel    string

	// Bucket configuration
	BucketName        string
	ChunkSizeKB       int
	MaxInFlightChunks int
	VerifyChunkCount  bool
	MetadataBackend   string
	ChunkBackend      string
	ReadPreference    string
	WriteConcern      string
	ReadConcern       string

	// MinIO configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// TiDB configuration
	TiDBHost     string
	TiDBPort     string
	TiDBUser     string
	TiDBPassword string
	TiDBDatabase string

	// MongoDB configuration
	MongoURI      string
	MongoDatabase string

	// Redis configuration
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Jaeger configuration
	JaegerEndpoint string
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	config := &Config{
		// Service defaults
		ServicePort: getEnv("SERVICE_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "labgridfs-service"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Bucket defaults
		BucketName:        getEnv("BUCKET_NAME", gridfs.DefaultBucketName),
		ChunkSizeKB:       getEnvAsInt("CHUNK_SIZE_KB", 255),
		MaxInFlightChunks: getEnvAsInt("MAX_INFLIGHT_CHUNKS", 4),
		VerifyChunkCount:  getEnvAsBool("VERIFY_CHUNK_COUNT", false),
		MetadataBackend:   strings.ToLower(getEnv("METADATA_BACKEND", BackendTiDB)),
		ChunkBackend:      strings.ToLower(getEnv("CHUNK_BACKEND", BackendTiDB)),
		ReadPreference:    getEnv("READ_PREFERENCE", ""),
		WriteConcern:      getEnv("WRITE_CONCERN", ""),
		ReadConcern:       getEnv("READ_CONCERN", ""),

		// MinIO defaults
		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: getEnv("MINIO_BUCKET_NAME", "labgridfs"),
		MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),

		// TiDB defaults
		TiDBHost:     getEnv("TIDB_HOST", "localhost"),
		TiDBPort:     getEnv("TIDB_PORT", "4000"),
		TiDBUser:     getEnv("TIDB_USER", "root"),
		TiDBPassword: getEnv("TIDB_PASSWORD", ""),
		TiDBDatabase: getEnv("TIDB_DATABASE", "labgridfs"),

		// MongoDB defaults
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DATABASE", "labgridfs"),

		// Redis defaults
		RedisEnabled:  getEnvAsBool("REDIS_ENABLED", false),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// Jaeger defaults
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "localhost:4318"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks backend names, sizes and concern settings
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(metadataBackends, c.MetadataBackend) {
		errs = append(errs, fmt.Errorf("unknown METADATA_BACKEND %q, want one of %v", c.MetadataBackend, metadataBackends))
	}
	if !slices.Contains(chunkBackends, c.ChunkBackend) {
		errs = append(errs, fmt.Errorf("unknown CHUNK_BACKEND %q, want one of %v", c.ChunkBackend, chunkBackends))
	}
	if c.ChunkSizeKB <= 0 || int64(c.ChunkSizeKB)*1024 > int64(gridfs.MaxChunkSize) {
		errs = append(errs, fmt.Errorf("CHUNK_SIZE_KB must be in (0, %d], got %d", gridfs.MaxChunkSize/1024, c.ChunkSizeKB))
	}
	if c.MaxInFlightChunks <= 0 {
		errs = append(errs, fmt.Errorf("MAX_INFLIGHT_CHUNKS must be positive, got %d", c.MaxInFlightChunks))
	}
	if c.BucketName == "" {
		errs = append(errs, errors.New("BUCKET_NAME must not be empty"))
	}
	if _, err := c.GetWriteConcern(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.GetReadPreference(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GetDSN returns the TiDB connection string. Times are read and written in UTC.
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetChunkSizeBytes returns chunk size in bytes
func (c *Config) GetChunkSizeBytes() int32 {
	return int32(c.ChunkSizeKB) * 1024
}

// GetReadPreference parses READ_PREFERENCE; empty means the store default
func (c *Config) GetReadPreference() (gridfs.ReadPreference, error) {
	rp := gridfs.ReadPreference(c.ReadPreference)
	switch rp {
	case "", gridfs.Primary, gridfs.PrimaryPreferred, gridfs.Secondary, gridfs.SecondaryPreferred, gridfs.Nearest:
		return rp, nil
	}
	return "", fmt.Errorf("unknown READ_PREFERENCE %q", c.ReadPreference)
}

// GetWriteConcern parses WRITE_CONCERN: "majority" or a node count,
// optionally followed by ",journal".
func (c *Config) GetWriteConcern() (gridfs.WriteConcern, error) {
	var wc gridfs.WriteConcern
	if c.WriteConcern == "" {
		return wc, nil
	}

	parts := strings.Split(c.WriteConcern, ",")
	switch w := strings.TrimSpace(parts[0]); w {
	case "majority":
		wc.Majority = true
	default:
		n, err := strconv.Atoi(w)
		if err != nil || n < 0 {
			return wc, fmt.Errorf("invalid WRITE_CONCERN %q", c.WriteConcern)
		}
		wc.W = n
	}
	for _, opt := range parts[1:] {
		if strings.TrimSpace(opt) != "journal" {
			return wc, fmt.Errorf("invalid WRITE_CONCERN option %q", opt)
		}
		wc.Journal = true
	}
	return wc, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
