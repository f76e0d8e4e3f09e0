package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/klistr-network/ilp-relay/pkg/filter"
	"github.com/klistr-network/ilp-relay/pkg/nostrmodel"
)

// DefaultQueryTimeout bounds every PgStore query, mirroring stronghold's
// db.DefaultQueryTimeout so a slow Postgres instance cannot hang the BLS's
// write path indefinitely.
const DefaultQueryTimeout = 30 * time.Second

// PgConfig configures a Postgres-backed Store, following the
// environment-variable-driven Config/LoadConfig idiom stronghold's
// internal/db package uses.
type PgConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

func (c PgConfig) connString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// PgStore is a Postgres-backed Interface implementation over the
// relational schema described in spec §6 ("Persisted state"):
// events(id PK, pubkey, created_at, kind, content, sig, tags_json) plus an
// index on (kind, created_at desc) and a tag join table for "#x" filters.
type PgStore struct {
	pool *pgxpool.Pool

	// auditEphemeralSPSP and auditNodePubkey mirror MemoryStore's knob of
	// the same name (spec §9 "Ephemeral SPSP auditability"): off by
	// default, recording into the separate spsp_audit table rather than
	// the main events table when enabled.
	auditEphemeralSPSP bool
	auditNodePubkey    string
}

// NewPgStore opens a connection pool per cfg, pinging it before returning,
// and applies the same pool-sizing defaults as stronghold's db.New.
func NewPgStore(ctx context.Context, cfg PgConfig) (*PgStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.connString())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 25
	}
	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PgStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PgStore) Close() {
	s.pool.Close()
}

// WithAuditEphemeralSPSP enables recording of SPSP (kind 23194/23195)
// events addressed to nodePubkey via a "p" tag into the spsp_audit table,
// leaving default ephemeral-kind handling (never persisted to events)
// untouched. Returns s for chaining at construction time.
func (s *PgStore) WithAuditEphemeralSPSP(nodePubkey string) *PgStore {
	s.auditEphemeralSPSP = true
	s.auditNodePubkey = nodePubkey
	return s
}

// AuditedSpspEvents returns every audited SPSP event recorded so far,
// oldest first.
func (s *PgStore) AuditedSpspEvents(ctx context.Context) ([]*nostrmodel.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT id, pubkey, created_at, kind, content, sig, tags_json FROM spsp_audit ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, &StorageError{Op: "audited spsp events", Err: err}
	}
	defer rows.Close()

	var out []*nostrmodel.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, &StorageError{Op: "audited spsp events: scan", Err: err}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "audited spsp events: iterate", Err: err}
	}
	return out, nil
}

// Schema is the DDL a deployment must apply before using PgStore. It is
// exposed as a constant rather than run automatically, matching a
// preference for explicit, reviewable migrations seen elsewhere in the
// corpus (stronghold keeps its migrations as versioned .sql files under
// internal/db/migrations rather than auto-applying DDL from Go code).
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	pubkey     TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	kind       INTEGER NOT NULL,
	content    TEXT NOT NULL,
	sig        TEXT NOT NULL,
	tags_json  TEXT NOT NULL,
	d_tag      TEXT NOT NULL DEFAULT '',
	visible    BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS events_kind_created_at_idx ON events (kind, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS events_replaceable_slot_idx ON events (pubkey, kind, d_tag) WHERE visible;

CREATE TABLE IF NOT EXISTS event_tags (
	event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	letter   TEXT NOT NULL,
	value    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS event_tags_letter_value_idx ON event_tags (letter, value);

-- spsp_audit is distinct from events: it holds kind 23194/23195 events
-- addressed to this node's own pubkey, recorded only when
-- WithAuditEphemeralSPSP is enabled. Ephemeral events never live in the
-- events table, so this side table is the only durable trace of them.
CREATE TABLE IF NOT EXISTS spsp_audit (
	id         TEXT PRIMARY KEY,
	pubkey     TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	kind       INTEGER NOT NULL,
	content    TEXT NOT NULL,
	sig        TEXT NOT NULL,
	tags_json  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS spsp_audit_created_at_idx ON spsp_audit (created_at);
`

// Store implements Interface by upserting into the events table inside a
// transaction: insert the row, then — for replaceable/addressable kinds —
// mark any previously-visible row for the same slot invisible if (and only
// if) the incoming event is newer, keeping the unique index on
// (pubkey, kind, d_tag) WHERE visible satisfied at all times (spec §4.1
// "replaceable semantics are applied atomically with the insert").
func (s *PgStore) Store(ctx context.Context, e *nostrmodel.Event) (bool, error) {
	if nostrmodel.IsEphemeral(e.Kind) {
		if s.auditEphemeralSPSP && isSpspEventFor(e, s.auditNodePubkey) {
			if err := s.recordSpspAudit(ctx, e); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, &StorageError{Op: "store: begin", Err: err}
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM events WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
		return false, &StorageError{Op: "store: check existing", Err: err}
	}
	if exists {
		return true, tx.Commit(ctx)
	}

	dTag := ""
	replaceable := nostrmodel.IsReplaceable(e.Kind) || nostrmodel.IsAddressable(e.Kind)
	if nostrmodel.IsAddressable(e.Kind) {
		dTag = nostrmodel.DTag(e)
	}

	visible := true
	if replaceable {
		var newestCreatedAt int64
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(created_at), -1) FROM events WHERE pubkey = $1 AND kind = $2 AND d_tag = $3 AND visible`,
			e.PubKey, e.Kind, dTag,
		).Scan(&newestCreatedAt)
		if err != nil {
			return false, &StorageError{Op: "store: check replaceable slot", Err: err}
		}
		if int64(e.CreatedAt) <= newestCreatedAt {
			visible = false
		} else {
			if _, err := tx.Exec(ctx,
				`UPDATE events SET visible = FALSE WHERE pubkey = $1 AND kind = $2 AND d_tag = $3 AND visible`,
				e.PubKey, e.Kind, dTag,
			); err != nil {
				return false, &StorageError{Op: "store: clear replaceable slot", Err: err}
			}
		}
	}

	tagsJSON, err := json.Marshal(e.Tags)
	if err != nil {
		return false, &StorageError{Op: "store: marshal tags", Err: err}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO events (id, pubkey, created_at, kind, content, sig, tags_json, d_tag, visible)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.PubKey, int64(e.CreatedAt), e.Kind, e.Content, e.Sig, string(tagsJSON), dTag, visible,
	); err != nil {
		return false, &StorageError{Op: "store: insert", Err: err}
	}

	for _, tag := range e.Tags {
		if len(tag) < 2 {
			continue
		}
		if _, err := tx.Exec(ctx, `INSERT INTO event_tags (event_id, letter, value) VALUES ($1,$2,$3)`, e.ID, tag[0], tag[1]); err != nil {
			return false, &StorageError{Op: "store: insert tag", Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, &StorageError{Op: "store: commit", Err: err}
	}
	return true, nil
}

// Get implements Interface.
func (s *PgStore) Get(ctx context.Context, id string) (*nostrmodel.Event, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := s.pool.QueryRow(ctx, `SELECT id, pubkey, created_at, kind, content, sig, tags_json FROM events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &StorageError{Op: "get", Err: err}
	}
	return e, true, nil
}

// Query implements Interface. Filters translate to a WHERE clause built
// from the same fields pkg/filter.Filter matches in-process, so the
// in-memory and Postgres stores agree on semantics.
func (s *PgStore) Query(ctx context.Context, f filter.Filter) ([]*nostrmodel.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	sql, args := buildQuery(f)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}
	defer rows.Close()

	var out []*nostrmodel.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, &StorageError{Op: "query: scan", Err: err}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "query: iterate", Err: err}
	}
	return out, nil
}

// recordSpspAudit inserts e into spsp_audit, ignoring a duplicate id (the
// same SPSP event may be observed more than once across reconnects).
func (s *PgStore) recordSpspAudit(ctx context.Context, e *nostrmodel.Event) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	tagsJSON, err := json.Marshal(e.Tags)
	if err != nil {
		return &StorageError{Op: "audit spsp: marshal tags", Err: err}
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO spsp_audit (id, pubkey, created_at, kind, content, sig, tags_json)
		 VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (id) DO NOTHING`,
		e.ID, e.PubKey, int64(e.CreatedAt), e.Kind, e.Content, e.Sig, string(tagsJSON),
	); err != nil {
		return &StorageError{Op: "audit spsp: insert", Err: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*nostrmodel.Event, error) {
	var (
		id, pubkey, content, sig, tagsJSON string
		createdAt                          int64
		kind                               int
	)
	if err := row.Scan(&id, &pubkey, &createdAt, &kind, &content, &sig, &tagsJSON); err != nil {
		return nil, err
	}
	var tags nostrmodel.Tags
	if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	return &nostrmodel.Event{
		ID:        id,
		PubKey:    pubkey,
		CreatedAt: nostrmodel.Timestamp(createdAt),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
		Sig:       sig,
	}, nil
}

// buildQuery assembles a parameterized SQL query implementing f, visible
// rows only, sorted by created_at desc, id asc per spec §4.1 "query".
func buildQuery(f filter.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	where = append(where, "visible")

	if len(f.IDs) > 0 {
		var ors []string
		for _, p := range f.IDs {
			ors = append(ors, "id LIKE "+arg(p+"%"))
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	if len(f.Authors) > 0 {
		var ors []string
		for _, p := range f.Authors {
			ors = append(ors, "pubkey LIKE "+arg(p+"%"))
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	if len(f.Kinds) > 0 {
		var ors []string
		for _, k := range f.Kinds {
			ors = append(ors, "kind = "+arg(k))
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	if f.Since != nil {
		where = append(where, "created_at >= "+arg(*f.Since))
	}
	if f.Until != nil {
		where = append(where, "created_at <= "+arg(*f.Until))
	}

	query := "SELECT id, pubkey, created_at, kind, content, sig, tags_json FROM events WHERE " + strings.Join(where, " AND ")

	for letter, values := range f.Tags {
		var ors []string
		for _, v := range values {
			ors = append(ors, "(letter = "+arg(letter)+" AND value = "+arg(v)+")")
		}
		query += fmt.Sprintf(" AND id IN (SELECT event_id FROM event_tags WHERE %s)", strings.Join(ors, " OR "))
	}

	query += " ORDER BY created_at DESC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	return query, args
}
