package config

import (
	"errors"
	"fmt"

	"github.com/retractionwatch/scraperd/pkg/runlock"
)

// Validate reports every problem in cfg, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Lock.Path == "" {
		errs = append(errs, errors.New("lock.path is required"))
	}
	if _, err := runlock.ParseStalePolicy(c.Lock.StalePolicy); err != nil {
		errs = append(errs, fmt.Errorf("lock.stale_policy: %w", err))
	}
	if c.Lock.ReleaseAttempts == 0 {
		errs = append(errs, errors.New("lock.release_attempts must be at least 1"))
	}

	for name, s := range map[string]StageConfig{
		"download": c.Pipeline.Download,
		"parse":    c.Pipeline.Parse,
		"load":     c.Pipeline.Load,
	} {
		if s.Executable == "" {
			errs = append(errs, fmt.Errorf("pipeline.%s.executable is required", name))
		}
		if s.Timeout < 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s.timeout must not be negative", name))
		}
	}
	if c.Pipeline.StartRateLimit < 0 {
		errs = append(errs, errors.New("pipeline.start_rate_limit must not be negative"))
	}

	switch c.Archive.Kind {
	case ArchiveNone:
	case ArchiveFile:
		if c.Archive.Dir == "" {
			errs = append(errs, errors.New("archive.dir is required for file archive"))
		}
	case ArchiveS3:
		if c.Archive.Bucket == "" {
			errs = append(errs, errors.New("archive.bucket is required for s3 archive"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.kind %q is not one of file, s3", c.Archive.Kind))
	}

	return errors.Join(errs...)
}
