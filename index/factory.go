package index

import (
	"fmt"
	"log/slog"
	"strings"
)

// Open creates an index based on the DSN.
//   - Empty DSN: SQLite at data/imgmatch.db
//   - memory://: in-process roaring index
//   - badger://<dir>: BadgerDB at dir, in memory when dir is empty
//   - postgres:// or postgresql://: PostgreSQL
//   - Anything else: SQLite at the specified path
func Open(dsn string, opts Options, logger *slog.Logger) (Index, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	switch {
	case dsn == "":
		return openSQLite(DefaultSQLitePath, opts)
	case strings.HasPrefix(dsn, "memory://"):
		return NewMemoryIndex(opts), nil
	case strings.HasPrefix(dsn, "badger://"):
		dir := strings.TrimPrefix(dsn, "badger://")
		idx, err := NewBadgerIndex(BadgerOptions{Dir: dir, InMemory: dir == "", Logger: logger, Options: opts})
		if err != nil {
			return nil, fmt.Errorf("badger: %w", err)
		}
		return idx, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		idx, err := NewPostgresIndex(dsn, opts)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return idx, nil
	}

	return openSQLite(dsn, opts)
}

func openSQLite(path string, opts Options) (Index, error) {
	idx, err := NewSQLiteIndex(path, opts)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	return idx, nil
}

// Backend names the storage kind a DSN selects, for logging.
func Backend(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "memory://"):
		return "memory"
	case strings.HasPrefix(dsn, "badger://"):
		return "badger"
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	}
	return "sqlite"
}
