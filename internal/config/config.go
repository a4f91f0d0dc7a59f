// Package config loads scraperd configuration from defaults, an optional
// YAML file, SCRAPERD_* environment variables and runtime overrides.
package config

import (
	"time"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Lock     LockConfig     `mapstructure:"lock" yaml:"lock"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Archive  ArchiveConfig  `mapstructure:"archive" yaml:"archive"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// LockConfig controls the run lock marker.
type LockConfig struct {
	Path            string        `mapstructure:"path" yaml:"path"`
	StalePolicy     string        `mapstructure:"stale_policy" yaml:"stale_policy"`
	ReleaseAttempts uint          `mapstructure:"release_attempts" yaml:"release_attempts"`
	ReleaseDelay    time.Duration `mapstructure:"release_delay" yaml:"release_delay"`
}

// StageConfig describes one external worker.
type StageConfig struct {
	Executable string        `mapstructure:"executable" yaml:"executable"`
	Args       []string      `mapstructure:"args" yaml:"args,omitempty"`
	Dir        string        `mapstructure:"dir" yaml:"dir,omitempty"`
	Env        []string      `mapstructure:"env" yaml:"env,omitempty"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

type PipelineConfig struct {
	Download StageConfig `mapstructure:"download" yaml:"download"`
	Parse    StageConfig `mapstructure:"parse" yaml:"parse"`
	Load     StageConfig `mapstructure:"load" yaml:"load"`

	// KillGrace is how long a stage has to exit after SIGTERM.
	KillGrace time.Duration `mapstructure:"kill_grace" yaml:"kill_grace"`

	// StartRateLimit caps POST /start_crawling per second. 0 (the default)
	// disables it; throttled callers get the same failure body as a start
	// rejected by the lock.
	StartRateLimit float64 `mapstructure:"start_rate_limit" yaml:"start_rate_limit"`
	StartBurst     int     `mapstructure:"start_burst" yaml:"start_burst"`
}

// Archive kinds.
const (
	ArchiveNone = ""
	ArchiveFile = "file"
	ArchiveS3   = "s3"
)

// ArchiveConfig selects where parse payloads are copied after a run.
type ArchiveConfig struct {
	Kind           string `mapstructure:"kind" yaml:"kind"`
	Dir            string `mapstructure:"dir" yaml:"dir,omitempty"`
	Bucket         string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Prefix         string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Region         string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Profile        string `mapstructure:"profile" yaml:"profile,omitempty"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`
}

const (
	venvPython = "./python-virtualenv/bin/python"
	venvBin    = "./python-virtualenv/bin/"
)

// defaults returns the flattened default values. The stage commands match
// the worker layout the service has always been deployed with.
func defaults() map[string]any {
	return map[string]any{
		"server.host":             "localhost",
		"server.port":             6001,
		"server.read_timeout":     "30s",
		"server.write_timeout":    "30s",
		"server.idle_timeout":     "120s",
		"server.shutdown_timeout": "30s",

		"logging.level":   "info",
		"logging.profile": "structured",

		"lock.path":             "crawling.lock",
		"lock.stale_policy":     "manual",
		"lock.release_attempts": 3,
		"lock.release_delay":    "200ms",

		"pipeline.download.executable": venvPython,
		"pipeline.download.args":       []string{venvBin + "download-pubmed-articles"},
		"pipeline.parse.executable":    venvPython,
		"pipeline.parse.args":          []string{venvBin + "parse-pubmed-files", "Retractions"},
		"pipeline.load.executable":     venvPython,
		"pipeline.load.args":           []string{venvBin + "load-pubmed-files"},
		"pipeline.kill_grace":          "10s",
		"pipeline.start_rate_limit":    0.0,
		"pipeline.start_burst":         5,

		"archive.kind":   ArchiveNone,
		"archive.prefix": "payloads/",
	}
}
