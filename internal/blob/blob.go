// Package blob is the single entry point to object storage. Callers depend on
// the Store interface; the infra backends stay behind Open.
package blob

import (
	"context"
	"fmt"
	"strings"

	"planstate/internal/blob/core"
	fsstore "planstate/internal/infra/blob/fs"
	memstore "planstate/internal/infra/blob/memory"
	s3store "planstate/internal/infra/blob/s3"
)

type (
	Driver     = core.Driver
	Store      = core.Store
	Info       = core.Info
	PutOptions = core.PutOptions
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrNotFound = core.ErrNotFound
	ErrExists   = core.ErrExists
)

// Config selects and parameterises a backend.
type Config struct {
	Driver   Driver
	FSRoot   string
	S3Bucket string
	S3Region string
	// S3Endpoint targets MinIO or another S3-compatible service.
	S3Endpoint  string
	S3PathStyle bool
}

// Open constructs the configured backend. An empty driver selects the
// filesystem.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch Driver(strings.ToLower(string(cfg.Driver))) {
	case "", DriverFilesystem:
		return fsstore.New(cfg.FSRoot)
	case DriverMemory:
		return memstore.New(), nil
	case DriverS3:
		return s3store.New(ctx, s3store.Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unsupported blob driver %q", cfg.Driver)
	}
}
