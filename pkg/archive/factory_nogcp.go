//go:build !gcp

package archive

import (
	"context"
	"fmt"

	"github.com/ClawsCorp/core/pkg/config"
)

func newGCSStore(context.Context, config.ArchiveConfig) (Store, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
