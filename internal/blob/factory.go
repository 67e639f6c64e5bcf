// Package blob selects the blob.Store backend that holds exported version
// history when the repository driver is "blob". Only this package imports
// the infra implementations; everything else depends on core.Store.
package blob

import (
	"context"
	"fmt"

	"entityvc/internal/blob/core"
	"entityvc/internal/config"
	"entityvc/internal/infra/blob/fs"
	"entityvc/internal/infra/blob/memory"
	"entityvc/internal/infra/blob/s3"
)

// Open returns the store named by cfg.Driver (fs when empty).
func Open(ctx context.Context, cfg config.BlobConfig) (core.Store, error) {
	driver := core.Driver(cfg.Driver)
	if driver == "" {
		driver = core.DriverFilesystem
	}
	switch driver {
	case core.DriverFilesystem:
		store, err := fs.New(cfg.FSRoot)
		if err != nil {
			return nil, fmt.Errorf("open fs blob store: %w", err)
		}
		return store, nil
	case core.DriverS3:
		store, err := s3.New(ctx, s3.Config{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKey,
			SecretAccessKey: cfg.S3.SecretKey,
			PathStyle:       cfg.S3.PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 blob store: %w", err)
		}
		return store, nil
	case core.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
