package index

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hubenschmidt/go-imgmatch/core"
	"github.com/hubenschmidt/go-imgmatch/signature"
)

// Key layout:
//
//	r/<seq>                     record (msgpack, zstd)
//	i/<id>                      seq
//	p/<len><path><seq>          id
//	w/<position><code><seq>     empty
//	meta/words                  WordOptions the w/ keys were cut with (msgpack)
//
// Integers are big-endian so key order is numeric order.
var (
	prefixRecord = []byte("r/")
	prefixID     = []byte("i/")
	prefixPath   = []byte("p/")
	prefixWord   = []byte("w/")
	sequenceKey  = []byte("seq")
	wordsKey     = []byte("meta/words")
)

const sequenceBandwidth = 1000

// BadgerOptions configures the BadgerDB index.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string

	// InMemory runs BadgerDB without disk persistence.
	InMemory bool

	// Logger receives badger's warnings and errors. Nil uses slog.Default.
	Logger *slog.Logger

	Options Options
}

// BadgerIndex implements Index on an embedded BadgerDB store.
type BadgerIndex struct {
	db   *badger.DB
	seq  *badger.Sequence
	opts Options
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

// NewBadgerIndex opens a BadgerDB-backed index.
func NewBadgerIndex(bopts BadgerOptions) (*BadgerIndex, error) {
	if !bopts.InMemory && bopts.Dir == "" {
		return nil, fmt.Errorf("%w: badger dir is required for on-disk mode", core.ErrInvalidConfig)
	}
	logger := bopts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dbOpts := badger.DefaultOptions(bopts.Dir).WithLogger(badgerLogger{logger.With("component", "badger")})
	if bopts.InMemory {
		dbOpts = dbOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, core.Storage("open badger", err)
	}

	if err := checkWordOptions(db, bopts.Options.Words); err != nil {
		db.Close()
		return nil, err
	}

	seq, err := db.GetSequence(sequenceKey, sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, core.Storage("badger sequence", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		seq.Release()
		db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		seq.Release()
		db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	return &BadgerIndex{db: db, seq: seq, opts: bopts.Options, enc: enc, dec: dec}, nil
}

// checkWordOptions records opts in a new store and rejects a store whose
// records were bucketed with different options. Deleting under other options
// would leave their word keys behind.
func checkWordOptions(db *badger.DB, opts WordOptions) error {
	var stored WordOptions
	err := db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(wordsKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			raw, err := msgpack.Marshal(&opts)
			if err != nil {
				return err
			}
			stored = opts
			return txn.Set(wordsKey, raw)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &stored)
		})
	})
	if err != nil {
		return core.Storage("word options", err)
	}
	if stored != opts {
		return fmt.Errorf("%w: store was indexed with words %d×%d, configured %d×%d",
			core.ErrInvalidConfig, stored.Count, stored.Length, opts.Count, opts.Length)
	}
	return nil
}

func be64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func join(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func recordKey(seq uint64) []byte {
	return join(prefixRecord, be64(seq))
}

func idKey(id string) []byte {
	return join(prefixID, []byte(id))
}

func pathPrefix(path string) []byte {
	return join(prefixPath, binary.BigEndian.AppendUint32(nil, uint32(len(path))), []byte(path))
}

func pathKey(path string, seq uint64) []byte {
	return join(pathPrefix(path), be64(seq))
}

func wordPrefix(w Word) []byte {
	return join(prefixWord, binary.BigEndian.AppendUint16(nil, uint16(w.Position)), be64(uint64(w.Code)))
}

func wordKey(w Word, seq uint64) []byte {
	return join(wordPrefix(w), be64(seq))
}

func (b *BadgerIndex) encode(rec Record) ([]byte, error) {
	raw, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return b.enc.EncodeAll(raw, nil), nil
}

func (b *BadgerIndex) decode(val []byte, seq uint64) (Record, error) {
	raw, err := b.dec.DecodeAll(val, nil)
	if err != nil {
		return Record{}, fmt.Errorf("decompress record: %w", err)
	}
	var rec Record
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	rec.Seq = seq
	return rec, nil
}

func (b *BadgerIndex) Insert(ctx context.Context, rec Record) (string, error) {
	n, err := b.seq.Next()
	if err != nil {
		return "", core.Storage("next seq", err)
	}
	seq := n + 1
	rec.ID = newID()

	val, err := b.encode(rec)
	if err != nil {
		return "", err
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recordKey(seq), val); err != nil {
			return err
		}
		if err := txn.Set(idKey(rec.ID), be64(seq)); err != nil {
			return err
		}
		if err := txn.Set(pathKey(rec.Path, seq), []byte(rec.ID)); err != nil {
			return err
		}
		for _, w := range Words(rec.Signature, b.opts.Words) {
			if err := txn.Set(wordKey(w, seq), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", core.Storage("insert record", err)
	}
	return rec.ID, nil
}

func (b *BadgerIndex) Delete(ctx context.Context, id string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(idKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		seqBytes, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		seq := binary.BigEndian.Uint64(seqBytes)

		rec, err := b.get(txn, seq)
		if err != nil {
			return err
		}

		keys := [][]byte{recordKey(seq), idKey(id), pathKey(rec.Path, seq)}
		for _, w := range Words(rec.Signature, b.opts.Words) {
			keys = append(keys, wordKey(w, seq))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return core.Storage("delete record", err)
	}
	return nil
}

func (b *BadgerIndex) get(txn *badger.Txn, seq uint64) (Record, error) {
	item, err := txn.Get(recordKey(seq))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	err = item.Value(func(val []byte) error {
		rec, err = b.decode(val, seq)
		return err
	})
	return rec, err
}

func keysOnly(prefix []byte) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	return opts
}

func (b *BadgerIndex) Query(ctx context.Context, sig signature.Signature, cutoff float64, candidates int) ([]Match, error) {
	words := Words(sig, b.opts.Words)

	var records []Record
	err := b.db.View(func(txn *badger.Txn) error {
		votes := make(map[uint64]int)
		for _, w := range words {
			prefix := wordPrefix(w)
			it := txn.NewIterator(keysOnly(prefix))
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				key := it.Item().Key()
				votes[binary.BigEndian.Uint64(key[len(prefix):])]++
			}
			it.Close()
		}

		seqs := topCandidates(votes, candidates)
		records = make([]Record, 0, len(seqs))
		for _, seq := range seqs {
			rec, err := b.get(txn, seq)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, core.Storage("query", err)
	}
	return score(sig, records, cutoff)
}

func (b *BadgerIndex) Count(ctx context.Context) (int, error) {
	var n int
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(keysOnly(prefixRecord))
		defer it.Close()
		for it.Seek(prefixRecord); it.ValidForPrefix(prefixRecord); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, core.Storage("count", err)
	}
	return n, nil
}

func (b *BadgerIndex) List(ctx context.Context, offset, limit int) ([]string, error) {
	offset, limit = clampPage(offset, limit)
	paths := []string{}
	if limit == 0 {
		return paths, nil
	}

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixRecord
		opts.PrefetchSize = min(limit, 100)
		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := 0
		for it.Seek(prefixRecord); it.ValidForPrefix(prefixRecord) && len(paths) < limit; it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			item := it.Item()
			seq := binary.BigEndian.Uint64(item.Key()[len(prefixRecord):])
			err := item.Value(func(val []byte) error {
				rec, err := b.decode(val, seq)
				if err != nil {
					return err
				}
				paths = append(paths, rec.Path)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, core.Storage("list", err)
	}
	return paths, nil
}

func (b *BadgerIndex) FindByPath(ctx context.Context, path string) ([]string, error) {
	prefix := pathPrefix(path)
	var ids []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			ids = append(ids, string(id))
		}
		return nil
	})
	if err != nil {
		return nil, core.Storage("find by path", err)
	}
	return ids, nil
}

func (b *BadgerIndex) Close() error {
	seqErr := b.seq.Release()
	b.enc.Close()
	b.dec.Close()
	if err := b.db.Close(); err != nil {
		return core.Storage("close badger", err)
	}
	return core.Storage("release sequence", seqErr)
}

// badgerLogger forwards badger's warnings and errors to slog and drops the rest.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
