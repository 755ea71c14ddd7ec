//go:build gcp

package archive

import "context"

func openGCS(ctx context.Context, cfg Config) (Store, error) {
	return NewGCSStore(ctx, cfg.Bucket, cfg.Prefix)
}
