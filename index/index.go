// Package index stores image records and finds those whose signatures are close
// to a query signature.
//
// Every backend posts each record under the quantized words of its signature
// (see Words). A query counts, per record, how many of the query's words it
// shares, keeps the best `candidates` records, and only scores those exactly.
// The candidate bound trades recall for latency: a record that shares few words
// with the query can be missed once more than `candidates` records out-vote it,
// and the risk grows with the index unless the bound grows too.
package index

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/hubenschmidt/go-imgmatch/core"
	"github.com/hubenschmidt/go-imgmatch/signature"
)

// DefaultCandidates is the pre-filter fan-out used when a query passes 0.
const DefaultCandidates = 100

// Record is a stored image signature with its source path and metadata.
type Record struct {
	ID        string              `json:"id" msgpack:"id"`
	Path      string              `json:"path" msgpack:"path"`
	Signature signature.Signature `json:"signature,omitempty" msgpack:"sig"`
	Metadata  json.RawMessage     `json:"metadata,omitempty" msgpack:"meta"` // stored verbatim
	Seq       uint64              `json:"-" msgpack:"-"`                     // insertion ordinal
}

// Match is a record and its distance to the query.
type Match struct {
	Record   Record  `json:"record"`
	Distance float64 `json:"distance"`
}

// Index provides signature storage and approximate similarity lookup.
type Index interface {
	// Insert stores rec under a freshly generated id and returns the id.
	Insert(ctx context.Context, rec Record) (string, error)

	// Delete removes the record with the given id. Unknown ids are not an error.
	Delete(ctx context.Context, id string) error

	// Query returns records within cutoff of sig, closest first and ties in
	// insertion order. At most candidates records are scored.
	Query(ctx context.Context, sig signature.Signature, cutoff float64, candidates int) ([]Match, error)

	// Count returns the exact number of live records.
	Count(ctx context.Context) (int, error)

	// List returns paths in insertion order.
	List(ctx context.Context, offset, limit int) ([]string, error)

	// FindByPath returns the ids of every record stored under path.
	FindByPath(ctx context.Context, path string) ([]string, error)

	// Close releases resources.
	Close() error
}

// Options configures how signatures are bucketed.
type Options struct {
	Words WordOptions `yaml:"words"`
}

func DefaultOptions() Options {
	return Options{Words: DefaultWordOptions()}
}

func (o Options) Validate() error {
	if o.Words.Length < 1 || o.Words.Length > MaxWordLength {
		return fmt.Errorf("%w: word length %d out of range", core.ErrInvalidConfig, o.Words.Length)
	}
	if o.Words.Count < 1 {
		return fmt.Errorf("%w: word count %d", core.ErrInvalidConfig, o.Words.Count)
	}
	return nil
}

func newID() string {
	return uuid.NewString()
}

// snapshot returns a copy of rec that shares no memory with it.
func snapshot(rec Record) Record {
	rec.Signature = rec.Signature.Clone()
	if rec.Metadata != nil {
		rec.Metadata = bytes.Clone(rec.Metadata)
	}
	return rec
}

// topCandidates orders records by votes, most first, then by seq, and keeps n.
func topCandidates(votes map[uint64]int, n int) []uint64 {
	if n <= 0 {
		n = DefaultCandidates
	}
	seqs := make([]uint64, 0, len(votes))
	for seq := range votes {
		seqs = append(seqs, seq)
	}
	slices.SortFunc(seqs, func(a, b uint64) int {
		if votes[a] != votes[b] {
			return cmp.Compare(votes[b], votes[a])
		}
		return cmp.Compare(a, b)
	})
	if len(seqs) > n {
		seqs = seqs[:n]
	}
	return seqs
}

// score computes exact distances for the candidate records and keeps those
// within cutoff.
func score(sig signature.Signature, records []Record, cutoff float64) ([]Match, error) {
	matches := make([]Match, 0, len(records))
	for _, rec := range records {
		d, err := signature.Distance(sig, rec.Signature)
		if err != nil {
			return nil, fmt.Errorf("score record %s: %w", rec.ID, err)
		}
		if d <= cutoff {
			matches = append(matches, Match{Record: snapshot(rec), Distance: d})
		}
	}
	SortMatches(matches)
	return matches, nil
}

// SortMatches orders matches by distance, then insertion order.
func SortMatches(matches []Match) {
	slices.SortStableFunc(matches, func(a, b Match) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.Record.Seq, b.Record.Seq)
	})
}

// clampPage clamps negative pagination arguments to 0.
func clampPage(offset, limit int) (int, int) {
	return max(offset, 0), max(limit, 0)
}
