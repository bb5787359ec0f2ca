// Package search is the single entry point for adding, searching, comparing and
// removing images. It turns image bytes into signatures and coordinates index
// queries across orientations.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hubenschmidt/go-imgmatch/core"
	"github.com/hubenschmidt/go-imgmatch/imaging"
	"github.com/hubenschmidt/go-imgmatch/index"
	"github.com/hubenschmidt/go-imgmatch/monitor"
	"github.com/hubenschmidt/go-imgmatch/signature"
)

const (
	DefaultCacheSize        = 1024
	DefaultQueryConcurrency = 4
)

// Source is an image given either as raw bytes or as a URL to fetch.
// Data wins when both are set.
type Source struct {
	Data []byte
	URL  string
}

// Result is one ranked search hit.
type Result struct {
	ID       string          `json:"id"`
	Path     string          `json:"filepath"`
	Score    float64         `json:"score"`
	Distance float64         `json:"distance"`
	Metadata json.RawMessage `json:"metadata"`
}

// Fetcher resolves Source URLs.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Config configures a Service. Start from DefaultConfig.
type Config struct {
	Index            index.Index // Required
	Decoder          signature.Decoder
	Params           signature.Params
	MaxPixels        int // decode limit for the default decoder; 0 uses imaging.DefaultMaxPixels
	Fetcher          Fetcher
	Cutoff           float64
	Candidates       int
	AllOrientations  bool // default for Search callers that do not choose
	IncludeMirrors   bool
	CacheSize        int // signatures memoized by content hash; 0 disables
	QueryConcurrency int
	Logger           *slog.Logger
	Metrics          monitor.Collector
}

func DefaultConfig() Config {
	return Config{
		Params:           signature.DefaultParams(),
		MaxPixels:        imaging.DefaultMaxPixels,
		Cutoff:           signature.DefaultCutoff,
		Candidates:       index.DefaultCandidates,
		IncludeMirrors:   true,
		CacheSize:        DefaultCacheSize,
		QueryConcurrency: DefaultQueryConcurrency,
	}
}

// Service is safe for concurrent use. It holds no per-request state; the index
// is the only shared mutable resource.
type Service struct {
	idx             index.Index
	gen             *signature.Generator
	fetcher         Fetcher
	cache           *lru.Cache[[sha256.Size]byte, signature.Signature]
	cutoff          float64
	candidates      int
	allOrientations bool
	includeMirrors  bool
	concurrency     int
	logger          *slog.Logger
	metrics         monitor.Collector
}

func New(cfg Config) (*Service, error) {
	if cfg.Index == nil {
		return nil, fmt.Errorf("%w: index is required", core.ErrInvalidConfig)
	}
	if cfg.Cutoff < 0 || cfg.Cutoff > 1 {
		return nil, fmt.Errorf("%w: cutoff %v outside [0, 1]", core.ErrInvalidConfig, cfg.Cutoff)
	}
	if cfg.Params == (signature.Params{}) {
		cfg.Params = signature.DefaultParams()
	}
	if cfg.MaxPixels < 0 {
		return nil, fmt.Errorf("%w: max pixels %d", core.ErrInvalidConfig, cfg.MaxPixels)
	}
	if cfg.Decoder == nil {
		codec := imaging.NewCodec(cfg.Params.NormalizedSide())
		if cfg.MaxPixels > 0 {
			codec.MaxPixels = cfg.MaxPixels
		}
		cfg.Decoder = codec
	}
	gen, err := signature.NewGenerator(cfg.Decoder, cfg.Params)
	if err != nil {
		return nil, err
	}

	s := &Service{
		idx:             cfg.Index,
		gen:             gen,
		fetcher:         cfg.Fetcher,
		cutoff:          cfg.Cutoff,
		candidates:      cfg.Candidates,
		allOrientations: cfg.AllOrientations,
		includeMirrors:  cfg.IncludeMirrors,
		concurrency:     cfg.QueryConcurrency,
		logger:          monitor.OrDiscard(cfg.Logger).With("component", "search"),
		metrics:         cfg.Metrics,
	}
	if s.fetcher == nil {
		s.fetcher = imaging.NewFetcher(imaging.FetcherConfig{})
	}
	if s.candidates <= 0 {
		s.candidates = index.DefaultCandidates
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultQueryConcurrency
	}
	if s.metrics == nil {
		s.metrics = monitor.NewNoOpCollector()
	}
	if cfg.CacheSize > 0 {
		s.cache, err = lru.New[[sha256.Size]byte, signature.Signature](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("%w: signature cache: %w", core.ErrInvalidConfig, err)
		}
	}
	return s, nil
}

// DefaultAllOrientations reports the configured orientation default.
func (s *Service) DefaultAllOrientations() bool {
	return s.allOrientations
}

func (s *Service) Cutoff() float64 {
	return s.cutoff
}

func (s *Service) Metrics() monitor.ServiceMetrics {
	return s.metrics.Snapshot()
}

// Signature resolves src and returns its signature.
func (s *Service) Signature(ctx context.Context, src Source) (signature.Signature, error) {
	data := src.Data
	if len(data) == 0 {
		if src.URL == "" {
			return nil, fmt.Errorf("%w: no image or url given", core.ErrBadRequest)
		}
		var err error
		if data, err = s.fetcher.Fetch(ctx, src.URL); err != nil {
			return nil, err
		}
	}

	key := sha256.Sum256(data)
	if s.cache != nil {
		if sig, ok := s.cache.Get(key); ok {
			return sig.Clone(), nil
		}
	}
	sig, err := s.gen.Generate(data)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Add(key, sig.Clone())
	}
	return sig, nil
}

// Add indexes the image under path, replacing whatever was stored there. The new
// record is inserted before the old ones are deleted, so a concurrent search may
// briefly see both.
func (s *Service) Add(ctx context.Context, src Source, path string, metadata json.RawMessage) (id string, err error) {
	t := monitor.Start(s.metrics, "add")
	defer func() { t.Done(0, err) }()

	if path == "" {
		return "", core.NewOpError("add", path, fmt.Errorf("%w: empty path", core.ErrBadRequest))
	}
	if metadata != nil && !json.Valid(metadata) {
		return "", core.NewOpError("add", path, fmt.Errorf("%w: metadata is not valid JSON", core.ErrBadRequest))
	}

	sig, err := s.Signature(ctx, src)
	if err != nil {
		return "", core.NewOpError("add", path, err)
	}

	old, err := s.idx.FindByPath(ctx, path)
	if err != nil {
		return "", core.NewOpError("add", path, err)
	}
	id, err = s.idx.Insert(ctx, index.Record{Path: path, Signature: sig, Metadata: metadata})
	if err != nil {
		return "", core.NewOpError("add", path, err)
	}
	for _, oldID := range old {
		if err := s.idx.Delete(ctx, oldID); err != nil {
			return id, core.NewOpError("add", path, err)
		}
	}

	s.logger.Debug("image added", "path", path, "id", id, "replaced", len(old))
	return id, nil
}

// Search returns indexed images within the cutoff of src, closest first. With
// allOrientations every rotation (and mirror, when enabled) of the query is
// searched and each record is reported once at its best distance.
func (s *Service) Search(ctx context.Context, src Source, allOrientations bool) (results []Result, err error) {
	t := monitor.Start(s.metrics, "search")
	defer func() { t.Done(len(results), err) }()

	sig, err := s.Signature(ctx, src)
	if err != nil {
		return nil, core.NewOpError("search", "", err)
	}

	variants := []signature.Variant{{Orientation: signature.Identity, Signature: sig}}
	if allOrientations {
		variants = signature.Expand(sig, s.includeMirrors)
	}

	groups := make([][]index.Match, len(variants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, v := range variants {
		g.Go(func() error {
			matches, err := s.idx.Query(gctx, v.Signature, s.cutoff, s.candidates)
			if err != nil {
				return fmt.Errorf("query %s: %w", v.Orientation, err)
			}
			groups[i] = matches
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, core.NewOpError("search", "", err)
	}

	merged := merge(groups)
	results = make([]Result, len(merged))
	for i, m := range merged {
		results[i] = Result{
			ID:       m.Record.ID,
			Path:     m.Record.Path,
			Score:    signature.DistToPercent(m.Distance),
			Distance: m.Distance,
			Metadata: m.Record.Metadata,
		}
	}

	s.logger.Debug("search", "variants", len(variants), "results", len(results))
	return results, nil
}

// merge keeps each record once at its smallest distance.
func merge(groups [][]index.Match) []index.Match {
	best := make(map[string]index.Match)
	for _, group := range groups {
		for _, m := range group {
			if cur, ok := best[m.Record.ID]; !ok || m.Distance < cur.Distance {
				best[m.Record.ID] = m
			}
		}
	}
	merged := slices.Collect(maps.Values(best))
	index.SortMatches(merged)
	return merged
}

// Compare scores two images against each other without touching the index.
func (s *Service) Compare(ctx context.Context, a, b Source) (score float64, err error) {
	t := monitor.Start(s.metrics, "compare")
	defer func() { t.Done(1, err) }()

	sigA, err := s.Signature(ctx, a)
	if err != nil {
		return 0, core.NewOpError("compare", "", err)
	}
	sigB, err := s.Signature(ctx, b)
	if err != nil {
		return 0, core.NewOpError("compare", "", err)
	}
	d, err := signature.Distance(sigA, sigB)
	if err != nil {
		return 0, core.NewOpError("compare", "", err)
	}
	return signature.DistToPercent(d), nil
}

// Remove deletes every record stored under path and returns how many there were.
// An unknown path is not an error.
func (s *Service) Remove(ctx context.Context, path string) (removed int, err error) {
	t := monitor.Start(s.metrics, "delete")
	defer func() { t.Done(removed, err) }()

	ids, err := s.idx.FindByPath(ctx, path)
	if err != nil {
		return 0, core.NewOpError("delete", path, err)
	}
	for _, id := range ids {
		if err := s.idx.Delete(ctx, id); err != nil {
			return removed, core.NewOpError("delete", path, err)
		}
		removed++
	}

	s.logger.Debug("image removed", "path", path, "records", removed)
	return removed, nil
}

func (s *Service) Count(ctx context.Context) (n int, err error) {
	t := monitor.Start(s.metrics, "count")
	defer func() { t.Done(n, err) }()

	n, err = s.idx.Count(ctx)
	if err != nil {
		return 0, core.NewOpError("count", "", err)
	}
	return n, nil
}

// List returns indexed paths in insertion order. Negative arguments are treated
// as 0.
func (s *Service) List(ctx context.Context, offset, limit int) (paths []string, err error) {
	t := monitor.Start(s.metrics, "list")
	defer func() { t.Done(len(paths), err) }()

	paths, err = s.idx.List(ctx, max(offset, 0), max(limit, 0))
	if err != nil {
		return nil, core.NewOpError("list", "", err)
	}
	return paths, nil
}

func (s *Service) Close() error {
	return s.idx.Close()
}
