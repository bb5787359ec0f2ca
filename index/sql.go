package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/hubenschmidt/go-imgmatch/core"
	"github.com/hubenschmidt/go-imgmatch/index/migrations"
	"github.com/hubenschmidt/go-imgmatch/signature"
)

// DefaultSQLitePath is used when no DSN is configured.
const DefaultSQLitePath = "data/imgmatch.db"

type dialect struct {
	name      string
	numbered  bool // $1 placeholders instead of ?
	migration func() ([]byte, error)
}

var (
	sqliteDialect = dialect{
		name:      "sqlite",
		migration: func() ([]byte, error) { return migrations.SQLite.ReadFile("sqlite/001_init.sql") },
	}
	postgresDialect = dialect{
		name:      "postgres",
		numbered:  true,
		migration: func() ([]byte, error) { return migrations.Postgres.ReadFile("postgres/001_init.sql") },
	}
)

// SQLIndex implements Index on SQLite or PostgreSQL. Buckets live in the
// record_words table and voting is a GROUP BY over it.
type SQLIndex struct {
	db      *sql.DB
	dialect dialect
	opts    Options
}

// NewSQLiteIndex opens (or creates) a SQLite index at path.
func NewSQLiteIndex(path string, opts Options) (*SQLIndex, error) {
	if path == "" {
		path = DefaultSQLitePath
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, core.Storage("open sqlite", err)
	}
	// SQLite allows one writer; a single connection also keeps :memory: alive.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, core.Storage("configure sqlite", err)
	}

	s := &SQLIndex{db: db, dialect: sqliteDialect, opts: opts}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresIndex connects to PostgreSQL and applies migrations.
func NewPostgresIndex(dsn string, opts Options) (*SQLIndex, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, core.Storage("open postgres", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, core.Storage("ping postgres", err)
	}

	s := &SQLIndex{db: db, dialect: postgresDialect, opts: opts}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLIndex) migrate() error {
	data, err := s.dialect.migration()
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := s.db.Exec(string(data)); err != nil {
		return core.Storage(s.dialect.name+" migration", err)
	}
	return nil
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *SQLIndex) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

func placeholders(n int, group string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = group
	}
	return strings.Join(parts, ", ")
}

func encodeSignature(sig signature.Signature) []byte {
	b := make([]byte, len(sig))
	for i, v := range sig {
		b[i] = byte(v)
	}
	return b
}

func decodeSignature(b []byte) signature.Signature {
	sig := make(signature.Signature, len(b))
	for i, v := range b {
		sig[i] = int8(v)
	}
	return sig
}

func nullMetadata(meta []byte) sql.NullString {
	return sql.NullString{String: string(meta), Valid: meta != nil}
}

func (s *SQLIndex) Insert(ctx context.Context, rec Record) (string, error) {
	id := newID()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", core.Storage("begin insert", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, s.rebind(`
		INSERT INTO records (id, path, signature, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING seq`),
		id, rec.Path, encodeSignature(rec.Signature), nullMetadata(rec.Metadata), time.Now().UnixMilli(),
	).Scan(&seq)
	if err != nil {
		return "", core.Storage("insert record", err)
	}

	words := Words(rec.Signature, s.opts.Words)
	if len(words) > 0 {
		args := make([]any, 0, len(words)*3)
		for _, w := range words {
			args = append(args, w.Position, w.Code, seq)
		}
		query := "INSERT INTO record_words (position, code, seq) VALUES " + placeholders(len(words), "(?, ?, ?)")
		if _, err := tx.ExecContext(ctx, s.rebind(query), args...); err != nil {
			return "", core.Storage("insert words", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", core.Storage("commit insert", err)
	}
	return id, nil
}

func (s *SQLIndex) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Storage("begin delete", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT seq FROM records WHERE id = ?`), id).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return core.Storage("find record", err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM record_words WHERE seq = ?`), seq); err != nil {
		return core.Storage("delete words", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM records WHERE seq = ?`), seq); err != nil {
		return core.Storage("delete record", err)
	}

	if err := tx.Commit(); err != nil {
		return core.Storage("commit delete", err)
	}
	return nil
}

func (s *SQLIndex) Query(ctx context.Context, sig signature.Signature, cutoff float64, candidates int) ([]Match, error) {
	words := Words(sig, s.opts.Words)
	if len(words) == 0 {
		return []Match{}, nil
	}
	if candidates <= 0 {
		candidates = DefaultCandidates
	}

	seqs, err := s.vote(ctx, words, candidates)
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return []Match{}, nil
	}

	records, err := s.fetch(ctx, seqs)
	if err != nil {
		return nil, err
	}
	return score(sig, records, cutoff)
}

func (s *SQLIndex) vote(ctx context.Context, words []Word, candidates int) ([]int64, error) {
	var b strings.Builder
	args := make([]any, 0, len(words)*2+1)
	b.WriteString("SELECT seq, COUNT(*) AS hits FROM record_words WHERE ")
	for i, w := range words {
		if i > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString("(position = ? AND code = ?)")
		args = append(args, w.Position, w.Code)
	}
	b.WriteString(" GROUP BY seq ORDER BY hits DESC, seq ASC LIMIT ?")
	args = append(args, candidates)

	rows, err := s.db.QueryContext(ctx, s.rebind(b.String()), args...)
	if err != nil {
		return nil, core.Storage("vote", err)
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq, hits int64
		if err := rows.Scan(&seq, &hits); err != nil {
			return nil, core.Storage("scan vote", err)
		}
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Storage("vote", err)
	}
	return seqs, nil
}

func (s *SQLIndex) fetch(ctx context.Context, seqs []int64) ([]Record, error) {
	args := make([]any, len(seqs))
	for i, seq := range seqs {
		args[i] = seq
	}
	query := "SELECT seq, id, path, signature, metadata FROM records WHERE seq IN (" + placeholders(len(seqs), "?") + ")"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, core.Storage("fetch records", err)
	}
	defer rows.Close()

	records := make([]Record, 0, len(seqs))
	for rows.Next() {
		var (
			rec  Record
			seq  int64
			sig  []byte
			meta sql.NullString
		)
		if err := rows.Scan(&seq, &rec.ID, &rec.Path, &sig, &meta); err != nil {
			return nil, core.Storage("scan record", err)
		}
		rec.Seq = uint64(seq)
		rec.Signature = decodeSignature(sig)
		if meta.Valid {
			rec.Metadata = []byte(meta.String)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Storage("fetch records", err)
	}
	return records, nil
}

func (s *SQLIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, core.Storage("count", err)
	}
	return n, nil
}

func (s *SQLIndex) List(ctx context.Context, offset, limit int) ([]string, error) {
	offset, limit = clampPage(offset, limit)
	if limit == 0 {
		return []string{}, nil
	}
	return s.queryStrings(ctx, "list", `SELECT path FROM records ORDER BY seq LIMIT ? OFFSET ?`, limit, offset)
}

func (s *SQLIndex) FindByPath(ctx context.Context, path string) ([]string, error) {
	return s.queryStrings(ctx, "find by path", `SELECT id FROM records WHERE path = ? ORDER BY seq`, path)
}

func (s *SQLIndex) queryStrings(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, core.Storage(op, err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, core.Storage(op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Storage(op, err)
	}
	return out, nil
}

func (s *SQLIndex) Close() error {
	return s.db.Close()
}
