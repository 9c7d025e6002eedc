// Package config loads process settings from the environment and engine
// policy from a YAML file.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"

	"planstate/internal/blob"
	"planstate/internal/core"
)

// Runtime holds deployment settings read from PLANSTATE_* variables.
type Runtime struct {
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"sqlite"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"planstate.db"`
	PostgresDSN   string `env:"POSTGRES_DSN"`

	BlobDriver      string `env:"BLOB_DRIVER" envDefault:"fs"`
	BlobFSRoot      string `env:"BLOB_FS_ROOT" envDefault:"./blobdata"`
	BlobS3Bucket    string `env:"BLOB_S3_BUCKET"`
	BlobS3Region    string `env:"BLOB_S3_REGION" envDefault:"us-east-1"`
	BlobS3Endpoint  string `env:"BLOB_S3_ENDPOINT"`
	BlobS3PathStyle bool   `env:"BLOB_S3_PATH_STYLE"`

	HTTPAddr     string   `env:"HTTP_ADDR" envDefault:":8080"`
	CORSOrigins  []string `env:"CORS_ORIGINS" envSeparator:","`
	PolicyFile   string   `env:"POLICY_FILE"`
	OTELEndpoint string   `env:"OTEL_ENDPOINT"`
	ServiceName  string   `env:"SERVICE_NAME" envDefault:"planstate"`
	LogLevel     string   `env:"LOG_LEVEL" envDefault:"info"`
	RunQueueSize int      `env:"RUN_QUEUE_SIZE" envDefault:"16"`
}

// LoadRuntime parses Runtime from the process environment.
func LoadRuntime() (Runtime, error) {
	var rt Runtime
	if err := env.ParseWithOptions(&rt, env.Options{Prefix: "PLANSTATE_"}); err != nil {
		return Runtime{}, fmt.Errorf("parse env: %w", err)
	}
	return rt, rt.Validate()
}

// Validate reports inconsistent settings.
func (r Runtime) Validate() error {
	switch core.StorageDriver(strings.ToLower(r.StorageDriver)) {
	case core.StorageMemory, core.StorageSQLite:
	case core.StoragePostgres:
		if r.PostgresDSN == "" {
			return fmt.Errorf("PLANSTATE_POSTGRES_DSN required for postgres storage")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", r.StorageDriver)
	}
	if blob.Driver(r.BlobDriver) == blob.DriverS3 && r.BlobS3Bucket == "" {
		return fmt.Errorf("PLANSTATE_BLOB_S3_BUCKET required for s3 blob driver")
	}
	if r.RunQueueSize <= 0 {
		return fmt.Errorf("run queue size must be positive")
	}
	return nil
}

// Storage maps the settings onto store options.
func (r Runtime) Storage() core.StorageOptions {
	return core.StorageOptions{
		Driver:      core.StorageDriver(strings.ToLower(r.StorageDriver)),
		SQLitePath:  r.SQLitePath,
		PostgresDSN: r.PostgresDSN,
	}
}

// Blob maps the settings onto blob configuration.
func (r Runtime) Blob() blob.Config {
	return blob.Config{
		Driver:      blob.Driver(strings.ToLower(r.BlobDriver)),
		FSRoot:      r.BlobFSRoot,
		S3Bucket:    r.BlobS3Bucket,
		S3Region:    r.BlobS3Region,
		S3Endpoint:  r.BlobS3Endpoint,
		S3PathStyle: r.BlobS3PathStyle,
	}
}
