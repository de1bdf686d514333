// SQLite-backed PatternStore (modernc.org/sqlite, pure Go driver).
//
// SCHEMA:
//   patterns(kb_id, identity, length, events_blob, emotive_profile,
//            metadata, frequency)            PK (kb_id, identity)
//   pattern_symbols(kb_id, symbol, identity) PK (kb_id, symbol, identity)
//
// The pattern_symbols table is the inverted index used by candidate
// retrieval and document-frequency queries. Upserts run in a single
// transaction, so RetrieveCandidates is linearizable with respect to
// completed upserts on the same kb_id.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/katoengine/kato/internal/pattern"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS patterns (
	kb_id           TEXT NOT NULL,
	identity        TEXT NOT NULL,
	length          INTEGER NOT NULL,
	events_blob     TEXT NOT NULL,
	emotive_profile TEXT NOT NULL,
	metadata        TEXT NOT NULL,
	frequency       INTEGER NOT NULL,
	PRIMARY KEY (kb_id, identity)
);
CREATE TABLE IF NOT EXISTS pattern_symbols (
	kb_id    TEXT NOT NULL,
	symbol   TEXT NOT NULL,
	identity TEXT NOT NULL,
	PRIMARY KEY (kb_id, symbol, identity)
);
CREATE INDEX IF NOT EXISTS idx_pattern_symbols_kb_symbol
	ON pattern_symbols (kb_id, symbol);
`

// SQLiteStore is the durable PatternStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a pattern database at path. The
// special path ":memory:" yields a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if dsn != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open pattern db: %w", err)
	}
	// modernc sqlite serializes writes; one writer connection avoids
	// SQLITE_BUSY churn under concurrent learns.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate pattern db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Upsert inserts or merges a pattern in one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, p *pattern.Pattern, persistence int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, wrapUnavailable("begin upsert", err)
	}
	defer tx.Rollback()

	existing, err := s.getTx(ctx, tx, p.KBID, p.Identity)
	merged := false
	switch {
	case err == nil:
		existing.Merge(p, persistence)
		if err := s.updateTx(ctx, tx, existing); err != nil {
			return false, err
		}
		merged = true
	case errors.Is(err, ErrPatternNotFound):
		stored := p.Clone()
		if persistence > 0 && len(stored.EmotiveProfile) > persistence {
			stored.EmotiveProfile = stored.EmotiveProfile[len(stored.EmotiveProfile)-persistence:]
		}
		if err := s.insertTx(ctx, tx, stored); err != nil {
			return false, err
		}
	default:
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, wrapUnavailable("commit upsert", err)
	}
	return merged, nil
}

// RetrieveCandidates resolves identities via the inverted index, then
// loads the rows ordered by identity.
func (s *SQLiteStore) RetrieveCandidates(ctx context.Context, kbID string, symbols []string) ([]*pattern.Pattern, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(symbols)), ",")
	args := make([]any, 0, len(symbols)+1)
	args = append(args, kbID)
	for _, sym := range symbols {
		args = append(args, sym)
	}
	query := fmt.Sprintf(
		`SELECT DISTINCT identity FROM pattern_symbols
		 WHERE kb_id = ? AND symbol IN (%s) ORDER BY identity`, placeholders)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapUnavailable("candidate query", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapUnavailable("candidate scan", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapUnavailable("candidate rows", err)
	}

	out := make([]*pattern.Pattern, 0, len(ids))
	for _, id := range ids {
		p, err := s.Get(ctx, kbID, id)
		if err != nil {
			if errors.Is(err, ErrPatternNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Get loads one pattern row.
func (s *SQLiteStore) Get(ctx context.Context, kbID, identity string) (*pattern.Pattern, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT length, events_blob, emotive_profile, metadata, frequency
		 FROM patterns WHERE kb_id = ? AND identity = ?`, kbID, identity)
	return scanPattern(row, kbID, identity)
}

func (s *SQLiteStore) getTx(ctx context.Context, tx *sql.Tx, kbID, identity string) (*pattern.Pattern, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT length, events_blob, emotive_profile, metadata, frequency
		 FROM patterns WHERE kb_id = ? AND identity = ?`, kbID, identity)
	return scanPattern(row, kbID, identity)
}

// DocFreq counts index rows for a symbol.
func (s *SQLiteStore) DocFreq(ctx context.Context, kbID, symbol string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pattern_symbols WHERE kb_id = ? AND symbol = ?`,
		kbID, symbol).Scan(&n)
	if err != nil {
		return 0, wrapUnavailable("docfreq query", err)
	}
	return n, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) insertTx(ctx context.Context, tx *sql.Tx, p *pattern.Pattern) error {
	events, profile, metadata, err := encodePattern(p)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO patterns
		 (kb_id, identity, length, events_blob, emotive_profile, metadata, frequency)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.KBID, p.Identity, p.Length, events, profile, metadata, p.Frequency)
	if err != nil {
		return wrapUnavailable("pattern insert", err)
	}
	for sym := range pattern.SymbolBag(p.Events) {
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO pattern_symbols (kb_id, symbol, identity)
			 VALUES (?, ?, ?)`, p.KBID, sym, p.Identity)
		if err != nil {
			return wrapUnavailable("symbol index insert", err)
		}
	}
	return nil
}

func (s *SQLiteStore) updateTx(ctx context.Context, tx *sql.Tx, p *pattern.Pattern) error {
	_, profile, metadata, err := encodePattern(p)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE patterns SET frequency = ?, emotive_profile = ?, metadata = ?
		 WHERE kb_id = ? AND identity = ?`,
		p.Frequency, profile, metadata, p.KBID, p.Identity)
	if err != nil {
		return wrapUnavailable("pattern update", err)
	}
	return nil
}

func encodePattern(p *pattern.Pattern) (events, profile, metadata string, err error) {
	eb, err := json.Marshal(p.Events)
	if err != nil {
		return "", "", "", fmt.Errorf("encode events: %w", err)
	}
	pb, err := json.Marshal(p.EmotiveProfile)
	if err != nil {
		return "", "", "", fmt.Errorf("encode emotive profile: %w", err)
	}
	mb, err := json.Marshal(p.MetadataAccumulator)
	if err != nil {
		return "", "", "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(eb), string(pb), string(mb), nil
}

func scanPattern(row *sql.Row, kbID, identity string) (*pattern.Pattern, error) {
	var (
		length    int
		events    string
		profile   string
		metadata  string
		frequency int
	)
	err := row.Scan(&length, &events, &profile, &metadata, &frequency)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPatternNotFound
	}
	if err != nil {
		return nil, wrapUnavailable("pattern scan", err)
	}
	p := &pattern.Pattern{
		Identity:  identity,
		KBID:      kbID,
		Length:    length,
		Frequency: frequency,
	}
	if err := json.Unmarshal([]byte(events), &p.Events); err != nil {
		return nil, fmt.Errorf("decode events for %s: %w", identity, err)
	}
	if err := json.Unmarshal([]byte(profile), &p.EmotiveProfile); err != nil {
		return nil, fmt.Errorf("decode emotive profile for %s: %w", identity, err)
	}
	if err := json.Unmarshal([]byte(metadata), &p.MetadataAccumulator); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", identity, err)
	}
	return p, nil
}

func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

var _ PatternStore = (*SQLiteStore)(nil)
