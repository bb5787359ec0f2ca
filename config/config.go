// Package config loads server configuration: defaults, then an optional YAML
// file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hubenschmidt/go-imgmatch/core"
	"github.com/hubenschmidt/go-imgmatch/imaging"
	"github.com/hubenschmidt/go-imgmatch/index"
	"github.com/hubenschmidt/go-imgmatch/monitor"
	"github.com/hubenschmidt/go-imgmatch/signature"
)

type Config struct {
	Addr        string                `yaml:"addr"`
	DatabaseDSN string                `yaml:"database_dsn"`
	Search      SearchConfig          `yaml:"search"`
	Server      ServerConfig          `yaml:"server"`
	Fetch       FetchConfig           `yaml:"fetch"`
	Signature   signature.Params      `yaml:"signature"`
	Index       index.Options         `yaml:"index"`
	Observe     monitor.ObserveConfig `yaml:"observe"`
}

type SearchConfig struct {
	DistanceCutoff   float64 `yaml:"distance_cutoff"`
	AllOrientations  bool    `yaml:"all_orientations"`
	IncludeMirrors   bool    `yaml:"include_mirrors"`
	Candidates       int     `yaml:"candidates"`
	CacheSize        int     `yaml:"cache_size"`
	QueryConcurrency int     `yaml:"query_concurrency"`
	MaxPixels        int     `yaml:"max_pixels"`
}

type ServerConfig struct {
	CanUpdate      bool   `yaml:"can_update"`
	AuthUsername   string `yaml:"auth_username"`
	AuthPassword   string `yaml:"auth_password"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	MaxListLimit   int    `yaml:"max_list_limit"`
}

type FetchConfig struct {
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxBytes  int64         `yaml:"max_bytes"`
}

func Default() *Config {
	return &Config{
		Addr: ":8888",
		Search: SearchConfig{
			DistanceCutoff:   signature.DefaultCutoff,
			IncludeMirrors:   true,
			Candidates:       index.DefaultCandidates,
			CacheSize:        1024,
			QueryConcurrency: 4,
			MaxPixels:        imaging.DefaultMaxPixels,
		},
		Server: ServerConfig{
			MaxUploadBytes: 32 << 20,
			MaxListLimit:   1000,
		},
		Fetch: FetchConfig{
			Timeout:  30 * time.Second,
			MaxBytes: 32 << 20,
		},
		Signature: signature.DefaultParams(),
		Index:     index.DefaultOptions(),
		Observe:   monitor.DefaultObserveConfig(),
	}
}

// Load builds the configuration. An empty path skips the file; a path that does
// not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadYAMLFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
	}
	if err := applyEnvironment(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: %w", core.ErrInvalidConfig, err)
	}
	return nil
}

func applyEnvironment(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	parse := func(key string, set func(string) error) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		if err := set(strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s=%q", core.ErrInvalidConfig, key, v))
		}
	}
	boolean := func(dst *bool) func(string) error {
		return func(v string) (err error) { *dst, err = strconv.ParseBool(v); return err }
	}
	integer := func(dst *int) func(string) error {
		return func(v string) (err error) { *dst, err = strconv.Atoi(v); return err }
	}
	int64s := func(dst *int64) func(string) error {
		return func(v string) (err error) { *dst, err = strconv.ParseInt(v, 10, 64); return err }
	}

	str("ADDR", &cfg.Addr)
	str("DATABASE_DSN", &cfg.DatabaseDSN)
	parse("IMAGE_MATCH_DISTANCE_CUTOFF", func(v string) (err error) {
		cfg.Search.DistanceCutoff, err = strconv.ParseFloat(v, 64)
		return err
	})
	parse("ALL_ORIENTATIONS", boolean(&cfg.Search.AllOrientations))
	parse("INCLUDE_MIRRORS", boolean(&cfg.Search.IncludeMirrors))
	parse("CANDIDATE_COUNT", integer(&cfg.Search.Candidates))
	parse("SIGNATURE_CACHE_SIZE", integer(&cfg.Search.CacheSize))
	parse("MAX_IMAGE_PIXELS", integer(&cfg.Search.MaxPixels))
	parse("CAN_UPDATE", boolean(&cfg.Server.CanUpdate))
	str("AUTH_USERNAME", &cfg.Server.AuthUsername)
	str("AUTH_PASSWORD", &cfg.Server.AuthPassword)
	parse("MAX_UPLOAD_BYTES", int64s(&cfg.Server.MaxUploadBytes))
	str("USER_AGENT", &cfg.Fetch.UserAgent)
	parse("FETCH_TIMEOUT", func(v string) (err error) {
		cfg.Fetch.Timeout, err = time.ParseDuration(v)
		return err
	})
	parse("PROMETHEUS_METRICS", boolean(&cfg.Observe.Prometheus))
	str("LOG_LEVEL", &cfg.Observe.LogLevel)
	str("LOG_FORMAT", &cfg.Observe.LogFormat)

	return errors.Join(errs...)
}

// Validate rejects out-of-range values with core.ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is empty"))
	}
	if c.Search.DistanceCutoff < 0 || c.Search.DistanceCutoff > 1 {
		errs = append(errs, fmt.Errorf("distance cutoff %v outside [0, 1]", c.Search.DistanceCutoff))
	}
	if c.Search.Candidates < 1 {
		errs = append(errs, fmt.Errorf("candidates %d, need at least 1", c.Search.Candidates))
	}
	if c.Search.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("negative cache size %d", c.Search.CacheSize))
	}
	if c.Search.MaxPixels < 1 {
		errs = append(errs, fmt.Errorf("max pixels %d, need at least 1", c.Search.MaxPixels))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("max upload bytes %d", c.Server.MaxUploadBytes))
	}
	if c.Server.MaxListLimit < 1 {
		errs = append(errs, fmt.Errorf("max list limit %d", c.Server.MaxListLimit))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("fetch timeout %v", c.Fetch.Timeout))
	}
	if (c.Server.AuthUsername == "") != (c.Server.AuthPassword == "") {
		errs = append(errs, errors.New("auth needs both username and password"))
	}
	if _, err := monitor.ParseLevel(c.Observe.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if err := c.Signature.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Index.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", core.ErrInvalidConfig, errors.Join(errs...))
}

// AuthEnabled reports whether requests must carry basic auth credentials.
func (c *Config) AuthEnabled() bool {
	return c.Server.AuthUsername != "" && c.Server.AuthPassword != ""
}
