// Package imgmatch finds near-duplicate images, including rotated and mirrored
// copies, by comparing perceptual signatures.
//
// Example usage:
//
//	idx, err := imgmatch.OpenIndex("data/imgmatch.db", imgmatch.DefaultIndexOptions(), nil)
//	cfg := imgmatch.DefaultSearchConfig()
//	cfg.Index = idx
//	svc, err := imgmatch.NewService(cfg)
//	_, err = svc.Add(ctx, imgmatch.Source{Data: jpegBytes}, "/photos/cat.jpg", nil)
//	results, err := svc.Search(ctx, imgmatch.Source{URL: "https://example.com/cat.png"}, true)
package imgmatch

import (
	"log/slog"

	"github.com/hubenschmidt/go-imgmatch/config"
	"github.com/hubenschmidt/go-imgmatch/core"
	"github.com/hubenschmidt/go-imgmatch/index"
	"github.com/hubenschmidt/go-imgmatch/monitor"
	"github.com/hubenschmidt/go-imgmatch/search"
	"github.com/hubenschmidt/go-imgmatch/server"
	"github.com/hubenschmidt/go-imgmatch/signature"
)

// Signature aliases
type (
	Signature   = signature.Signature
	Params      = signature.Params
	Orientation = signature.Orientation
)

// Distance returns the normalized distance in [0, 1] between two signatures.
func Distance(a, b Signature) (float64, error) {
	return signature.Distance(a, b)
}

// DistToPercent converts a distance into a 0-100 similarity score.
func DistToPercent(d float64) float64 {
	return signature.DistToPercent(d)
}

// Index aliases
type (
	Index        = index.Index
	IndexOptions = index.Options
	Record       = index.Record
	Match        = index.Match
)

func DefaultIndexOptions() IndexOptions {
	return index.DefaultOptions()
}

// OpenIndex picks a backend from dsn: memory://, badger://dir, postgres://, or a
// sqlite file path.
func OpenIndex(dsn string, opts IndexOptions, logger *slog.Logger) (Index, error) {
	return index.Open(dsn, opts, logger)
}

// Search aliases
type (
	Service      = search.Service
	SearchConfig = search.Config
	Source       = search.Source
	Result       = search.Result
)

func DefaultSearchConfig() SearchConfig {
	return search.DefaultConfig()
}

// NewService creates the search coordinator over cfg.Index.
func NewService(cfg SearchConfig) (*Service, error) {
	return search.New(cfg)
}

// Core type aliases
type OpError = core.OpError

var (
	ErrDecode        = core.ErrDecode
	ErrFetch         = core.ErrFetch
	ErrShapeMismatch = core.ErrShapeMismatch
	ErrStorage       = core.ErrStorage
	ErrInvalidConfig = core.ErrInvalidConfig
	ErrBadRequest    = core.ErrBadRequest
)

// Monitor aliases
type (
	MetricsCollector  = monitor.Collector
	InMemoryCollector = monitor.InMemoryCollector
	ServiceMetrics    = monitor.ServiceMetrics
)

// NewInMemoryCollector creates a new in-memory metrics collector.
func NewInMemoryCollector() *InMemoryCollector {
	return monitor.NewInMemoryCollector()
}

// Server aliases
type (
	Server       = server.Server
	ServerConfig = server.Config
	Config       = config.Config
)

// NewServer creates a new API server.
func NewServer(cfg ServerConfig) (*Server, error) {
	return server.New(cfg)
}

// LoadConfig reads defaults, then the YAML file at path (if any), then the
// environment.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
