package index

import (
	"context"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hubenschmidt/go-imgmatch/signature"
)

// MemoryIndex is an in-memory index for development and testing.
// Buckets and path postings are roaring bitmaps over 32-bit sequence numbers.
type MemoryIndex struct {
	mu      sync.RWMutex
	opts    Options
	nextSeq uint32
	records map[uint32]Record
	ids     map[string]uint32
	paths   map[string]*roaring.Bitmap
	buckets map[Word]*roaring.Bitmap
	live    *roaring.Bitmap
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex(opts Options) *MemoryIndex {
	return &MemoryIndex{
		opts:    opts,
		records: make(map[uint32]Record),
		ids:     make(map[string]uint32),
		paths:   make(map[string]*roaring.Bitmap),
		buckets: make(map[Word]*roaring.Bitmap),
		live:    roaring.New(),
	}
}

func (m *MemoryIndex) Insert(ctx context.Context, rec Record) (string, error) {
	rec = snapshot(rec)
	rec.ID = newID()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq++
	seq := m.nextSeq
	rec.Seq = uint64(seq)

	m.records[seq] = rec
	m.ids[rec.ID] = seq
	m.live.Add(seq)
	posting(m.paths, rec.Path).Add(seq)
	for _, w := range Words(rec.Signature, m.opts.Words) {
		posting(m.buckets, w).Add(seq)
	}
	return rec.ID, nil
}

func posting[K comparable](m map[K]*roaring.Bitmap, key K) *roaring.Bitmap {
	bm, ok := m[key]
	if !ok {
		bm = roaring.New()
		m[key] = bm
	}
	return bm
}

func unpost[K comparable](m map[K]*roaring.Bitmap, key K, seq uint32) {
	bm, ok := m[key]
	if !ok {
		return
	}
	bm.Remove(seq)
	if bm.IsEmpty() {
		delete(m, key)
	}
}

func (m *MemoryIndex) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.ids[id]
	if !ok {
		return nil
	}
	rec := m.records[seq]

	delete(m.ids, id)
	delete(m.records, seq)
	m.live.Remove(seq)
	unpost(m.paths, rec.Path, seq)
	for _, w := range Words(rec.Signature, m.opts.Words) {
		unpost(m.buckets, w, seq)
	}
	return nil
}

func (m *MemoryIndex) Query(ctx context.Context, sig signature.Signature, cutoff float64, candidates int) ([]Match, error) {
	words := Words(sig, m.opts.Words)

	m.mu.RLock()
	votes := make(map[uint64]int)
	for _, w := range words {
		bm, ok := m.buckets[w]
		if !ok {
			continue
		}
		it := bm.Iterator()
		for it.HasNext() {
			votes[uint64(it.Next())]++
		}
	}
	seqs := topCandidates(votes, candidates)
	records := make([]Record, 0, len(seqs))
	for _, seq := range seqs {
		records = append(records, m.records[uint32(seq)])
	}
	m.mu.RUnlock()

	return score(sig, records, cutoff)
}

func (m *MemoryIndex) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int(m.live.GetCardinality()), nil
}

func (m *MemoryIndex) List(ctx context.Context, offset, limit int) ([]string, error) {
	offset, limit = clampPage(offset, limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, 0, min(limit, int(m.live.GetCardinality())))
	if limit == 0 || uint64(offset) >= m.live.GetCardinality() {
		return paths, nil
	}
	start, err := m.live.Select(uint32(offset))
	if err != nil {
		return paths, nil
	}

	it := m.live.Iterator()
	it.AdvanceIfNeeded(start)
	for it.HasNext() && len(paths) < limit {
		paths = append(paths, m.records[it.Next()].Path)
	}
	return paths, nil
}

func (m *MemoryIndex) FindByPath(ctx context.Context, path string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bm, ok := m.paths[path]
	if !ok {
		return nil, nil
	}
	ids := make([]string, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		ids = append(ids, m.records[it.Next()].ID)
	}
	return ids, nil
}

// Close is a no-op for the in-memory index.
func (m *MemoryIndex) Close() error {
	return nil
}
