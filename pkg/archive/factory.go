package archive

import (
	"context"
	"fmt"
)

// Backend names a blob storage implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// Config selects and configures the archive backend.
type Config struct {
	Backend  Backend `yaml:"backend"`
	Dir      string  `yaml:"dir"`
	Bucket   string  `yaml:"bucket"`
	Prefix   string  `yaml:"prefix"`
	Region   string  `yaml:"region"`
	Endpoint string  `yaml:"endpoint"`
}

// Validate checks that the selected backend has what it needs.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendFS, "":
		if c.Dir == "" {
			return fmt.Errorf("archive: dir is required for fs storage")
		}
	case BackendS3, BackendGCS:
		if c.Bucket == "" {
			return fmt.Errorf("archive: bucket is required for %s storage", c.Backend)
		}
	default:
		return fmt.Errorf("archive: unsupported backend %q", c.Backend)
	}
	return nil
}

// Open creates the store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendS3:
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case BackendGCS:
		return openGCS(ctx, cfg)
	default:
		return NewFileStore(cfg.Dir)
	}
}
