//go:build gcp

package archive

import (
	"context"
	"fmt"

	"github.com/ClawsCorp/core/pkg/config"
)

func newGCSStore(ctx context.Context, cfg config.ArchiveConfig) (Store, error) {
	if cfg.GCSBucket == "" {
		return nil, fmt.Errorf("ARCHIVE_GCS_BUCKET is required for GCS storage")
	}
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
}
