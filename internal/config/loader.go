package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable the service reads.
const EnvPrefix = "SCRAPERD_"

// ErrNoConfigFile is returned by Watch when configuration came only from
// defaults and the environment.
var ErrNoConfigFile = errors.New("no config file in use")

var (
	configMu   sync.RWMutex
	appConfig  *Config
	appViper   *viper.Viper
	configFile string
)

type envSpec struct {
	Name string
	Path string
}

// SetConfigFile selects the YAML file read by the next Load. An empty path
// falls back to SCRAPERD_CONFIG.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

func configFilePath() string {
	configMu.RLock()
	path := configFile
	configMu.RUnlock()
	if path != "" {
		return path
	}
	return os.Getenv(EnvPrefix + "CONFIG")
}

func getEnvSpecs() []envSpec {
	paths := map[string]string{
		"HOST":             "server.host",
		"PORT":             "server.port",
		"READ_TIMEOUT":     "server.read_timeout",
		"WRITE_TIMEOUT":    "server.write_timeout",
		"IDLE_TIMEOUT":     "server.idle_timeout",
		"SHUTDOWN_TIMEOUT": "server.shutdown_timeout",

		"LOG_LEVEL":   "logging.level",
		"LOG_PROFILE": "logging.profile",

		"LOCK_PATH":             "lock.path",
		"LOCK_STALE_POLICY":     "lock.stale_policy",
		"LOCK_RELEASE_ATTEMPTS": "lock.release_attempts",
		"LOCK_RELEASE_DELAY":    "lock.release_delay",

		"DOWNLOAD_EXECUTABLE": "pipeline.download.executable",
		"DOWNLOAD_ARGS":       "pipeline.download.args",
		"DOWNLOAD_TIMEOUT":    "pipeline.download.timeout",
		"PARSE_EXECUTABLE":    "pipeline.parse.executable",
		"PARSE_ARGS":          "pipeline.parse.args",
		"PARSE_TIMEOUT":       "pipeline.parse.timeout",
		"LOAD_EXECUTABLE":     "pipeline.load.executable",
		"LOAD_ARGS":           "pipeline.load.args",
		"LOAD_TIMEOUT":        "pipeline.load.timeout",
		"KILL_GRACE":          "pipeline.kill_grace",
		"START_RATE_LIMIT":    "pipeline.start_rate_limit",
		"START_BURST":         "pipeline.start_burst",

		"ARCHIVE_KIND":             "archive.kind",
		"ARCHIVE_DIR":              "archive.dir",
		"ARCHIVE_BUCKET":           "archive.bucket",
		"ARCHIVE_PREFIX":           "archive.prefix",
		"ARCHIVE_REGION":           "archive.region",
		"ARCHIVE_ENDPOINT":         "archive.endpoint",
		"ARCHIVE_PROFILE":          "archive.profile",
		"ARCHIVE_FORCE_PATH_STYLE": "archive.force_path_style",
	}

	specs := make([]envSpec, 0, len(paths))
	for name, path := range paths {
		specs = append(specs, envSpec{Name: EnvPrefix + name, Path: path})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Load builds the configuration and makes it the current one. Precedence,
// highest first: overrides, environment, config file, defaults.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	v := viper.New()
	for key, val := range defaults() {
		v.SetDefault(key, val)
	}

	if path := configFilePath(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = cfg
	appViper = v
	configMu.Unlock()
	return cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// ChangeFunc receives a reloaded configuration, or the error that kept the
// file from being applied.
type ChangeFunc func(cfg *Config, err error)

// Watch reloads the configuration whenever the config file changes. A file
// that fails to decode or validate leaves the current config in place.
// Callbacks stop once ctx is done.
func Watch(ctx context.Context, onChange ChangeFunc) error {
	configMu.RLock()
	v := appViper
	configMu.RUnlock()
	if v == nil || v.ConfigFileUsed() == "" {
		return ErrNoConfigFile
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			onChange(nil, fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}

		configMu.Lock()
		if appViper == v {
			appConfig = cfg
		}
		configMu.Unlock()
		onChange(cfg, nil)
	})
	v.WatchConfig()
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
