// Package sqlitecache persists confirmed revisions in a local sqlite file so
// that a replica restarts warm. It implements `mirror.Store`.
package sqlitecache

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	"github.com/glasswing/mirror"
	"github.com/glasswing/mirror/fact"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSql string

const schemaVersion = 1

type Cache struct {
	db *sql.DB
}

// Open creates or opens the cache file at `path`.
// Safe to call repeatedly on the same path, but the cache is single writer.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}

	// sqlite allows one writer at a time. A second connection would just
	// trade SQLITE_BUSY errors for queueing we can do here.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache schema: %w", err)
	}

	return &Cache{
		db: db,
	}, nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}

	switch version {
	case 0:
		if _, err := db.Exec(schemaSql); err != nil {
			return err
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return err
		}
	case schemaVersion:
	default:
		return fmt.Errorf("cache schema version %d is newer than this build", version)
	}
	return nil
}

// Pull returns the cached revisions for whichever of the addresses the
// cache holds.
func (self *Cache) Pull(ctx context.Context, addresses []fact.Address) (map[fact.Address]*fact.Revision, error) {
	out := map[fact.Address]*fact.Revision{}
	if len(addresses) == 0 {
		return out, nil
	}

	keys := make([]any, len(addresses))
	placeholders := make([]string, len(addresses))
	for i, address := range addresses {
		keys[i] = address.Key()
		placeholders[i] = "?"
	}

	rows, err := self.db.QueryContext(
		ctx,
		fmt.Sprintf(
			"SELECT the, of, value, cause, since FROM revisions WHERE address IN (%s)",
			strings.Join(placeholders, ", "),
		),
		keys...,
	)
	if err != nil {
		return nil, fmt.Errorf("cache pull: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		revision, err := scanRevision(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("cache pull: %w", err)
		}
		out[revision.Address()] = revision
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache pull: %w", err)
	}

	return out, nil
}

// Merge folds revisions into the cache inside one transaction, resolving
// collisions per address with the supplied merge rule.
func (self *Cache) Merge(ctx context.Context, revisions []*fact.Revision, merge mirror.MergeFunc) error {
	if len(revisions) == 0 {
		return nil
	}

	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache merge: %w", err)
	}
	defer tx.Rollback()

	for _, incoming := range revisions {
		address := incoming.Address()

		existing, err := scanRevision(tx.QueryRowContext(
			ctx,
			"SELECT the, of, value, cause, since FROM revisions WHERE address = ?",
			address.Key(),
		).Scan)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("cache merge: %w", err)
		}

		winner := merge(existing, incoming)
		if winner == nil || winner == existing {
			continue
		}

		var value any
		if winner.Is != nil {
			value = []byte(winner.Is)
		}
		var cause any
		if winner.Cause != nil {
			cause = winner.Cause.String()
		}

		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO revisions (address, the, of, value, cause, since)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(address) DO UPDATE SET
				value = excluded.value,
				cause = excluded.cause,
				since = excluded.since`,
			address.Key(),
			string(winner.The),
			string(winner.Of),
			value,
			cause,
			int64(winner.Since),
		)
		if err != nil {
			return fmt.Errorf("cache merge: %w", err)
		}
	}

	return tx.Commit()
}

// Size returns the number of cached addresses.
func (self *Cache) Size(ctx context.Context) (int, error) {
	var n int
	if err := self.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM revisions").Scan(&n); err != nil {
		return 0, fmt.Errorf("cache size: %w", err)
	}
	return n, nil
}

func (self *Cache) Close() error {
	return self.db.Close()
}

func scanRevision(scan func(dest ...any) error) (*fact.Revision, error) {
	var the string
	var of string
	var value []byte
	var cause sql.NullString
	var since int64

	if err := scan(&the, &of, &value, &cause, &since); err != nil {
		return nil, err
	}

	revision := &fact.Revision{
		The:   fact.Attribute(the),
		Of:    fact.Entity(of),
		Since: fact.Seq(since),
	}
	if value != nil {
		revision.Is = fact.Value(value)
	}
	if cause.Valid {
		hash, err := fact.ParseHash(cause.String)
		if err != nil {
			return nil, err
		}
		revision.Cause = &hash
	}
	return revision, nil
}
