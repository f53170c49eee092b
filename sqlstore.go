package docswarm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/bokwoon95/sq"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS items (
	id TEXT PRIMARY KEY,
	etag TEXT NOT NULL,
	meta TEXT NOT NULL,
	body BLOB,
	deleted INTEGER NOT NULL DEFAULT 0
);
`

// SQLStore is a SQLite-backed ItemStore. Bodies are stored as JSON for
// document stores and raw bytes for attachment stores; metadata is stored as
// a JSON column either way.
//
// SQLStore implements TxHooker: writes issued inside WithTransaction share
// one SQLite transaction, and OnCommit callbacks registered during it run
// after the commit succeeds.
type SQLStore struct {
	db   *sql.DB
	kind ItemKind
	log  *logrus.Entry

	txMu  sync.Mutex
	tx    *sql.Tx
	hooks []func()
}

// OpenSQLStore opens (and if needed creates) the backing database.
func OpenSQLStore(path string, kind ItemKind, log *logrus.Entry) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	s := &SQLStore{
		db:   db,
		kind: kind,
		log:  log.WithField("component", "sqlstore"),
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type itemRow struct {
	ID      string
	Etag    string
	Meta    string
	Body    []byte
	Deleted bool
}

func itemMapper(row *sq.Row) (itemRow, error) {
	return itemRow{
		ID:      row.String("id"),
		Etag:    row.String("etag"),
		Meta:    row.String("meta"),
		Body:    row.Bytes("body"),
		Deleted: row.Bool("deleted"),
	}, nil
}

func (s *SQLStore) TryGetExisting(ctx context.Context, id string) (*Record, error) {
	item, err := sq.FetchOne(s.db, sq.
		Queryf("SELECT {*} FROM items WHERE id = {}", id).
		SetDialect(sq.DialectSQLite),
		itemMapper,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read item %s: %w", id, err)
	}

	var meta Metadata
	if err := json.Unmarshal([]byte(item.Meta), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", id, err)
	}
	body, err := s.decodeBody(item.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode body for %s: %w", id, err)
	}

	return &Record{
		Meta:    meta,
		Body:    body,
		Etag:    item.Etag,
		Deleted: item.Deleted,
	}, nil
}

func (s *SQLStore) AddWithoutConflict(ctx context.Context, id string, etag string, meta Metadata, body any) (string, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata for %s: %w", id, err)
	}
	bodyBytes, err := s.encodeBody(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode body for %s: %w", id, err)
	}

	newEtag := uuid.NewString()
	err = s.write(ctx, func(tx *sql.Tx) error {
		if etag != "" {
			if err := s.checkEtag(ctx, tx, id, etag); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO items (id, etag, meta, body, deleted) VALUES (?, ?, ?, ?, 0)
			ON CONFLICT(id) DO UPDATE SET etag = excluded.etag, meta = excluded.meta, body = excluded.body, deleted = 0
		`, id, newEtag, string(metaJSON), bodyBytes)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to write item %s: %w", id, err)
	}
	return newEtag, nil
}

func (s *SQLStore) DeleteItem(ctx context.Context, id string, etag string) error {
	err := s.write(ctx, func(tx *sql.Tx) error {
		if etag != "" {
			if err := s.checkEtag(ctx, tx, id, etag); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM items WHERE id = ?", id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete item %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) MarkAsDeleted(ctx context.Context, id string, meta Metadata) error {
	tombMeta := cloneMetadata(meta)
	tombMeta[MetaDeleteMarker] = true
	metaJSON, err := json.Marshal(tombMeta)
	if err != nil {
		return fmt.Errorf("failed to encode tombstone metadata for %s: %w", id, err)
	}

	err = s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO items (id, etag, meta, body, deleted) VALUES (?, ?, ?, NULL, 1)
			ON CONFLICT(id) DO UPDATE SET etag = excluded.etag, meta = excluded.meta, body = NULL, deleted = 1
		`, id, uuid.NewString(), string(metaJSON))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to tombstone item %s: %w", id, err)
	}
	return nil
}

// WithTransaction runs fn with every store write sharing one transaction.
// OnCommit callbacks registered during fn run after the commit succeeds and
// are discarded on rollback.
func (s *SQLStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	s.tx = tx
	s.hooks = nil
	defer func() {
		s.tx = nil
		s.hooks = nil
	}()

	if err := fn(ctx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, hook := range s.hooks {
		hook()
	}
	return nil
}

// OnCommit defers fn to the end of the active transaction, or runs it
// immediately when no transaction is open.
func (s *SQLStore) OnCommit(fn func()) {
	if s.tx != nil {
		s.hooks = append(s.hooks, fn)
		return
	}
	fn()
}

// write runs fn inside the active batch transaction, or a fresh one.
func (s *SQLStore) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) checkEtag(ctx context.Context, tx *sql.Tx, id string, etag string) error {
	var current string
	err := tx.QueryRowContext(ctx, "SELECT etag FROM items WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("item %s: %w", id, ErrConcurrentWrite)
	}
	if err != nil {
		return err
	}
	if current != etag {
		return fmt.Errorf("item %s: %w", id, ErrConcurrentWrite)
	}
	return nil
}

func (s *SQLStore) encodeBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if s.kind == ItemAttachment {
		data, ok := body.([]byte)
		if !ok {
			return nil, fmt.Errorf("attachment body has unexpected type %T", body)
		}
		return data, nil
	}
	return json.Marshal(body)
}

func (s *SQLStore) decodeBody(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if s.kind == ItemAttachment {
		return data, nil
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	return body, nil
}
