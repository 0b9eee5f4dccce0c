// Package storage is the Storage Gateway: the only component that holds a
// connection to the relational store. Everything else goes through the
// narrow typed API exposed here.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/rs/zerolog"

	"github.com/relaywave/wacore/internal/errs"
	"github.com/relaywave/wacore/internal/models"
)

//go:embed migrations
var migrationsFS embed.FS

// Config configures the connection pool and slow-query monitor.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	PoolSize        int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SlowQuery       time.Duration // queries at or above this are logged
}

// Gateway owns the bounded connection pool. Construct one per process.
type Gateway struct {
	db     *sql.DB
	log    zerolog.Logger
	slow   time.Duration
	closed bool
}

// Open connects, pins the session to UTC, and runs schema migrations once.
// A validation failure upstream of this call (missing host/user/password/
// database) is the config loader's job, not this one's; by the time Open
// is called the fields are assumed present.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*Gateway, error) {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}

	if err := ensureDatabase(ctx, cfg); err != nil {
		return nil, errs.ConfigFatal("storage.Open", err)
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errs.ConfigFatal("storage.Open", err)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errs.ConfigFatal("storage.Open", err)
	}

	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, errs.ConfigFatal("storage.Open", err)
	}

	slow := cfg.SlowQuery
	if slow <= 0 {
		slow = 200 * time.Millisecond
	}

	return &Gateway{db: db, log: log, slow: slow}, nil
}

// ensureDatabase connects to the server's maintenance database ("postgres")
// and creates cfg.Database if it does not already exist, satisfying §4.A's
// "creates the database if absent" boot step. Postgres has no
// CREATE DATABASE IF NOT EXISTS, so existence is checked against pg_database
// first.
func ensureDatabase(ctx context.Context, cfg Config) error {
	maintDSN := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=postgres sslmode=%s TimeZone=UTC",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.SSLMode,
	)
	maint, err := sql.Open("pgx", maintDSN)
	if err != nil {
		return fmt.Errorf("open maintenance connection: %w", err)
	}
	defer maint.Close()

	var exists bool
	err = maint.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, cfg.Database).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check database existence: %w", err)
	}
	if exists {
		return nil
	}
	// Database identifiers can't be parameterized; cfg.Database is operator
	// config, not end-user input, so a quoted-identifier format is safe.
	if _, err := maint.ExecContext(ctx, fmt.Sprintf(`CREATE DATABASE %s`, quoteIdent(cfg.Database))); err != nil {
		return fmt.Errorf("create database %q: %w", cfg.Database, err)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func runMigrations(db *sql.DB, database string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migrate driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, database, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	// Close only the source, not the migrate instance: Close() on m would
	// also close driver's *sql.DB, which we still need for the pool.
	return src.Close()
}

// Close closes the pool. After Close, ExecuteQuery and WithTransaction
// fail with a permanent-storage error; the other methods do not check the
// flag and return the closed pool's error, which classify marks transient.
func (g *Gateway) Close() error {
	g.closed = true
	return g.db.Close()
}

func (g *Gateway) checkOpen() error {
	if g.closed {
		return errs.PermanentStorage("storage", errors.New("gateway closed"))
	}
	return nil
}

// instrument wraps a query so durations at or above the slow-query
// threshold are logged with structured fields.
func (g *Gateway) instrument(op, sqlShape string, start time.Time) {
	d := time.Since(start)
	if d >= g.slow {
		g.log.Warn().
			Str("op", op).
			Str("sql_shape", sqlShape).
			Dur("duration", d).
			Msg("slow query")
	}
}

// ExecuteQuery runs an arbitrary statement with parameters, honoring the
// slow-query monitor. It is the escape hatch 4.A's contract names for
// callers that need something the typed helpers below don't cover.
func (g *Gateway) ExecuteQuery(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := g.checkOpen(); err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := g.db.ExecContext(ctx, query, args...)
	g.instrument("ExecuteQuery", query, start)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// WithTransaction acquires a connection, begins a transaction, runs fn,
// commits on success and rolls back on any error, and always releases the
// connection back to the pool.
func (g *Gateway) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	// Constraint violations (SQLSTATE class 23) and malformed payloads
	// (class 22, data exceptions) are permanent; anything else surfacing
	// from the driver (refused connection, timeout, deadline) is treated as
	// transient and left to the write queue's retry policy to classify
	// further by retry count.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")) {
		return errs.PermanentStorage("storage", err)
	}
	return errs.TransientStorage("storage", err)
}

// --- Messages ---------------------------------------------------------

func (g *Gateway) UpsertMessage(ctx context.Context, m models.Message) error {
	raw, err := json.Marshal(m.RawMessage)
	if err != nil {
		return errs.PermanentStorage("UpsertMessage", err)
	}
	start := time.Now()
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO messages (chat_id, message_id, sender_id, content, raw_message, "timestamp")
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chat_id, message_id) DO UPDATE SET
			sender_id = EXCLUDED.sender_id,
			content = EXCLUDED.content,
			raw_message = EXCLUDED.raw_message,
			"timestamp" = EXCLUDED."timestamp"
	`, m.ChatID, m.MessageID, m.SenderID, m.ContentExtract, raw, m.Timestamp)
	g.instrument("UpsertMessage", "INSERT messages", start)
	if err != nil {
		return classify(err)
	}
	return nil
}

// FindRawMessagesBatch pages raw_message blobs in message_id order for the
// identity resolver's boot-time backfill scan (§4.D): it mines the
// "participantAlt" field out of each blob without needing a typed model.
// Returns the batch and the last message_id seen, for keyset pagination.
func (g *Gateway) FindRawMessagesBatch(ctx context.Context, afterMessageID string, limit int) ([][]byte, string, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT message_id, raw_message FROM messages
		WHERE message_id > $1 ORDER BY message_id ASC LIMIT $2
	`, afterMessageID, limit)
	if err != nil {
		return nil, afterMessageID, classify(err)
	}
	defer rows.Close()

	var out [][]byte
	last := afterMessageID
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, last, classify(err)
		}
		out = append(out, raw)
		last = id
	}
	return out, last, rows.Err()
}

func (g *Gateway) FindMessageByID(ctx context.Context, chatID, messageID string) (*models.Message, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT chat_id, message_id, sender_id, content, raw_message, "timestamp", created_at
		FROM messages WHERE chat_id = $1 AND message_id = $2
	`, chatID, messageID)
	return scanMessage(row)
}

// RewriteMessageSender rewrites sender_id for a bounded batch of rows
// carrying the old (lid-form) sender id within chatID-agnostic scope,
// returning the number of rows touched. Used by the identity reconciliation
// sweep; the caller runs this repeatedly inside WithTransaction until it
// returns fewer than batch rows.
func (g *Gateway) RewriteMessageSender(ctx context.Context, tx *sql.Tx, oldSenderID, newSenderID string, batch int) (int, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET sender_id = $1
		WHERE message_id IN (
			SELECT message_id FROM messages WHERE sender_id = $2 LIMIT $3
		) AND sender_id = $2
	`, newSenderID, oldSenderID, batch)
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanMessage(row *sql.Row) (*models.Message, error) {
	var m models.Message
	var raw []byte
	if err := row.Scan(&m.ChatID, &m.MessageID, &m.SenderID, &m.ContentExtract, &raw, &m.Timestamp, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &m.RawMessage)
	}
	return &m, nil
}

// --- Chats --------------------------------------------------------------

func (g *Gateway) UpsertChat(ctx context.Context, c models.Chat, partial bool) error {
	raw, err := json.Marshal(c.RawChat)
	if err != nil {
		return errs.PermanentStorage("UpsertChat", err)
	}
	start := time.Now()
	var query string
	if partial {
		// Partial upserts merge over the existing row: only set name when
		// non-empty, matching the write queue's "force-name" semantics.
		query = `
			INSERT INTO chats (id, name, raw_chat, updated_at)
			VALUES ($1, NULLIF($2, ''), $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				name = COALESCE(NULLIF(EXCLUDED.name, ''), chats.name),
				raw_chat = EXCLUDED.raw_chat,
				updated_at = EXCLUDED.updated_at
		`
	} else {
		query = `
			INSERT INTO chats (id, name, raw_chat, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				raw_chat = EXCLUDED.raw_chat,
				updated_at = EXCLUDED.updated_at
		`
	}
	_, err = g.db.ExecContext(ctx, query, c.ChatID, c.Name, raw, c.UpdatedAt)
	g.instrument("UpsertChat", "INSERT chats", start)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (g *Gateway) FindChatByID(ctx context.Context, chatID string) (*models.Chat, error) {
	row := g.db.QueryRowContext(ctx, `SELECT id, name, raw_chat, updated_at FROM chats WHERE id = $1`, chatID)
	var c models.Chat
	var raw []byte
	if err := row.Scan(&c.ChatID, &c.Name, &raw, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &c.RawChat)
	}
	return &c, nil
}

func (g *Gateway) DeleteChat(ctx context.Context, chatID string) error {
	_, err := g.db.ExecContext(ctx, `DELETE FROM chats WHERE id = $1`, chatID)
	if err != nil {
		return classify(err)
	}
	return nil
}

// --- Group metadata -------------------------------------------------------

func (g *Gateway) UpsertGroupMetadata(ctx context.Context, gm models.GroupMetadata) error {
	parts, err := json.Marshal(gm.Participants)
	if err != nil {
		return errs.PermanentStorage("UpsertGroupMetadata", err)
	}
	start := time.Now()
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO groups_metadata (id, subject, description, owner, creation, participants, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			subject = EXCLUDED.subject,
			description = EXCLUDED.description,
			owner = EXCLUDED.owner,
			creation = EXCLUDED.creation,
			participants = EXCLUDED.participants,
			updated_at = EXCLUDED.updated_at
	`, gm.GroupID, gm.Subject, gm.Description, gm.OwnerID, gm.CreationTime, parts, gm.UpdatedAt)
	g.instrument("UpsertGroupMetadata", "INSERT groups_metadata", start)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (g *Gateway) FindGroupMetadataByID(ctx context.Context, groupID string) (*models.GroupMetadata, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT id, subject, description, owner, creation, participants, updated_at
		FROM groups_metadata WHERE id = $1
	`, groupID)
	var gm models.GroupMetadata
	var parts []byte
	var creation sql.NullTime
	if err := row.Scan(&gm.GroupID, &gm.Subject, &gm.Description, &gm.OwnerID, &creation, &parts, &gm.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	if creation.Valid {
		gm.CreationTime = creation.Time
	}
	if len(parts) > 0 {
		_ = json.Unmarshal(parts, &gm.Participants)
	}
	return &gm, nil
}

// --- Identity mapping -----------------------------------------------------

// UpsertIdentityMapping inserts if absent; otherwise updates jid only when
// the new value is non-null, always advances last_seen, updates source.
// Never overwrites a known jid with null (§4.D forbidden case).
func (g *Gateway) UpsertIdentityMapping(ctx context.Context, tx *sql.Tx, m models.IdentityMapping) error {
	exec := g.db.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	start := time.Now()
	_, err := exec(ctx, `
		INSERT INTO lid_map (lid, jid, first_seen, last_seen, source)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (lid) DO UPDATE SET
			jid = COALESCE($2, lid_map.jid),
			last_seen = GREATEST(lid_map.last_seen, EXCLUDED.last_seen),
			source = EXCLUDED.source
	`, m.LID, m.JID, m.FirstSeen, m.LastSeen, m.Source)
	g.instrument("UpsertIdentityMapping", "INSERT lid_map", start)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (g *Gateway) FindIdentityMappingByLID(ctx context.Context, lid string) (*models.IdentityMapping, error) {
	row := g.db.QueryRowContext(ctx, `SELECT lid, jid, first_seen, last_seen, source FROM lid_map WHERE lid = $1`, lid)
	var m models.IdentityMapping
	var jid sql.NullString
	if err := row.Scan(&m.LID, &jid, &m.FirstSeen, &m.LastSeen, &m.Source); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	if jid.Valid {
		m.JID = &jid.String
	}
	return &m, nil
}

// FindIdentityMappingsAfter pages resolved mappings in lid order, used to
// resume the reconciliation sweep across restarts via a stored low-water
// mark (see identity resolver).
func (g *Gateway) FindIdentityMappingsAfter(ctx context.Context, afterLID string, limit int) ([]models.IdentityMapping, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT lid, jid, first_seen, last_seen, source FROM lid_map
		WHERE lid > $1 AND jid IS NOT NULL
		ORDER BY lid ASC LIMIT $2
	`, afterLID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.IdentityMapping
	for rows.Next() {
		var m models.IdentityMapping
		var jid sql.NullString
		if err := rows.Scan(&m.LID, &jid, &m.FirstSeen, &m.LastSeen, &m.Source); err != nil {
			return nil, classify(err)
		}
		if jid.Valid {
			m.JID = &jid.String
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (g *Gateway) SweepLowWaterMark(ctx context.Context) (string, error) {
	row := g.db.QueryRowContext(ctx, `SELECT low_water_mark FROM identity_sweep_state WHERE id = 1`)
	var mark string
	if err := row.Scan(&mark); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", classify(err)
	}
	return mark, nil
}

func (g *Gateway) SetSweepLowWaterMark(ctx context.Context, mark string) error {
	_, err := g.db.ExecContext(ctx, `UPDATE identity_sweep_state SET low_water_mark = $1 WHERE id = 1`, mark)
	if err != nil {
		return classify(err)
	}
	return nil
}

// --- Group config ---------------------------------------------------------

func (g *Gateway) FindGroupConfig(ctx context.Context, groupID string) (map[string]any, error) {
	row := g.db.QueryRowContext(ctx, `SELECT config FROM group_configs WHERE id = $1`, groupID)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return map[string]any{}, nil
		}
		return nil, classify(err)
	}
	out := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out, nil
}

// FindGroupConfigRaw returns the stored config blob verbatim, or "{}" when
// no row exists, so callers can apply gjson/sjson surgery without a
// decode/encode round trip.
func (g *Gateway) FindGroupConfigRaw(ctx context.Context, groupID string) ([]byte, error) {
	row := g.db.QueryRowContext(ctx, `SELECT config FROM group_configs WHERE id = $1`, groupID)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []byte("{}"), nil
		}
		return nil, classify(err)
	}
	if len(raw) == 0 {
		return []byte("{}"), nil
	}
	return raw, nil
}

// UpsertGroupConfigMerged writes the already shallow-merged blob (the
// caller, internal/groupconfig, performs the merge via gjson/sjson under
// its own serialization before calling this so the write itself is atomic).
func (g *Gateway) UpsertGroupConfigMerged(ctx context.Context, groupID string, merged []byte) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO group_configs (id, config) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET config = EXCLUDED.config
	`, groupID, merged)
	if err != nil {
		return classify(err)
	}
	return nil
}

// --- Contacts ---------------------------------------------------------

func (g *Gateway) UpsertContact(ctx context.Context, c models.Contact) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO contacts (user_id, display_name, phone_form, alt_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			phone_form = EXCLUDED.phone_form,
			alt_id = EXCLUDED.alt_id
	`, c.UserID, c.DisplayName, c.PhoneForm, c.AltID)
	if err != nil {
		return classify(err)
	}
	return nil
}
