package archive

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ClawsCorp/core/pkg/config"
)

// StoreType names an archive backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStore builds the backend selected by cfg. The filesystem store lives
// under dataDir/evidence.
func NewStore(ctx context.Context, cfg config.ArchiveConfig, dataDir string) (Store, error) {
	switch StoreType(cfg.StorageType) {
	case "", StoreTypeFS:
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "evidence"))
	case StoreTypeS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("ARCHIVE_S3_BUCKET is required for S3 storage")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case StoreTypeGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive storage type: %s", cfg.StorageType)
	}
}
