package core

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

const (
	maxOpenConns    = 16
	maxIdleConns    = 8
	maxConnLifetime = time.Minute * 15
)

const (
	mysqlLedgerSchema = `
		CREATE TABLE IF NOT EXISTS migrations (
			id INT PRIMARY KEY,
			created_at TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS scheduled_events (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			event_id VARCHAR(64) NOT NULL UNIQUE,
			event_class VARCHAR(255) NOT NULL,
			event_payload TEXT NOT NULL,
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			is_not_consumed BOOLEAN NOT NULL DEFAULT FALSE,
			canceled BOOLEAN NOT NULL DEFAULT FALSE,
			scheduled_at VARCHAR(32) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS outbox_messages (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			event_id VARCHAR(64) NOT NULL,
			op VARCHAR(16) NOT NULL,
			payload TEXT NOT NULL,
			due_time TIMESTAMP NOT NULL,
			dispatched BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`

	postgresLedgerSchema = `
		CREATE TABLE IF NOT EXISTS migrations (
			id INT PRIMARY KEY,
			created_at TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS scheduled_events (
			id BIGSERIAL PRIMARY KEY,
			event_id VARCHAR(64) NOT NULL UNIQUE,
			event_class VARCHAR(255) NOT NULL,
			event_payload TEXT NOT NULL,
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			is_not_consumed BOOLEAN NOT NULL DEFAULT FALSE,
			canceled BOOLEAN NOT NULL DEFAULT FALSE,
			scheduled_at VARCHAR(32) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS outbox_messages (
			id BIGSERIAL PRIMARY KEY,
			event_id VARCHAR(64) NOT NULL,
			op VARCHAR(16) NOT NULL,
			payload TEXT NOT NULL,
			due_time TIMESTAMP NOT NULL,
			dispatched BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`
)

var ledgerMigrations = map[int]string{}

var ErrNotFound = errors.New("the requested item cannot be found")

// LedgerTx exposes the writes allowed inside a row-locked ledger
// transaction.
type LedgerTx interface {
	Save(rec *EventRecord) error
	AppendOutbox(msg *OutboxMessage) error
}

// LedgerStore is the durable event ledger every other component reads
// and writes through.
//
// UpdateIncomplete is the exactly-once primitive: it locks the row for
// the given event id with SELECT ... FOR UPDATE, holds the lock for
// the duration of fn and releases it at commit. It reports
// handled=false without calling fn when the row is missing or already
// completed; callers must treat that as "already handled, no-op."
type LedgerStore interface {
	Register(ctx context.Context, rec *EventRecord, msg *OutboxMessage) error
	Save(ctx context.Context, rec *EventRecord) error
	FindByEventID(ctx context.Context, eventID string) (*EventRecord, error)
	FindIncompleteByClass(ctx context.Context, eventClass string) ([]*EventRecord, error)
	UpdateIncomplete(ctx context.Context, eventID string, fn func(tx LedgerTx, rec *EventRecord) error) (bool, error)
	PendingOutbox(ctx context.Context, limit int) ([]*OutboxMessage, error)
	MarkOutboxDispatched(ctx context.Context, id int64) error
}

type SqlLedgerStoreConfig struct {
	Url    string
	Driver string
}

type sqlLedgerStore struct {
	db *sql.DB
	SqlLedgerStoreConfig
}

func NewSqlLedgerStore(conf SqlLedgerStoreConfig) (LedgerStore, error) {
	db, err := sql.Open(conf.Driver, conf.Url)

	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(maxConnLifetime)

	s := &sqlLedgerStore{db: db, SqlLedgerStoreConfig: conf}

	if err := s.init(); err != nil {
		return nil, err
	}

	if err := s.runMigrations(); err != nil {
		return nil, err
	}

	return s, nil
}

var placeholderPattern = regexp.MustCompile(`\$\d+`)

// rebind rewrites postgres-style $N placeholders for drivers that use ?.
func rebind(driver, q string) string {
	if driver != "mysql" {
		return q
	}

	return placeholderPattern.ReplaceAllString(q, "?")
}

func (s *sqlLedgerStore) rebind(q string) string {
	return rebind(s.Driver, q)
}

func (s *sqlLedgerStore) init() error {
	schema := postgresLedgerSchema

	if s.Driver == "mysql" {
		schema = mysqlLedgerSchema
	}

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}

		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

func (s *sqlLedgerStore) runMigrations() error {
	tx, err := s.createTx(context.Background())

	if err != nil {
		return err
	}

	migrationNumber := 0

	row := tx.QueryRow("SELECT id FROM migrations ORDER BY created_at DESC LIMIT 1;")

	if err := row.Scan(&migrationNumber); err != nil {
		if err != sql.ErrNoRows {
			if rollErr := tx.Rollback(); rollErr != nil {
				return rollErr
			}

			return err
		}
	}

	applied := migrationNumber

	stmt, ok := ledgerMigrations[migrationNumber+1]

	for ok {
		if _, err := s.db.Exec(stmt); err != nil {
			if rollErr := tx.Rollback(); rollErr != nil {
				return rollErr
			}

			return err
		}

		migrationNumber++
		stmt, ok = ledgerMigrations[migrationNumber+1]
	}

	if migrationNumber != applied {
		if _, err := tx.Exec(s.rebind("INSERT INTO migrations VALUES ($1, $2);"), migrationNumber, time.Now()); err != nil {
			if rollErr := tx.Rollback(); rollErr != nil {
				return rollErr
			}

			return err
		}
	}

	return tx.Commit()
}

func (s *sqlLedgerStore) createTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelDefault,
		ReadOnly:  false,
	})
}

type sqlLedgerTx struct {
	tx    *sql.Tx
	ctx   context.Context
	store *sqlLedgerStore
}

func (t *sqlLedgerTx) Save(rec *EventRecord) error {
	_, err := t.tx.ExecContext(
		t.ctx,
		t.store.rebind(`UPDATE scheduled_events SET completed = $1, is_not_consumed = $2, canceled = $3 WHERE event_id = $4;`),
		rec.Completed,
		rec.IsNotConsumed,
		rec.Canceled,
		rec.EventID,
	)

	return err
}

func (t *sqlLedgerTx) AppendOutbox(msg *OutboxMessage) error {
	_, err := t.tx.ExecContext(
		t.ctx,
		t.store.rebind(`INSERT INTO outbox_messages (event_id, op, payload, due_time) VALUES ($1, $2, $3, $4);`),
		msg.EventID,
		msg.Op,
		msg.Payload,
		msg.DueTime,
	)

	return err
}

func (s *sqlLedgerStore) Register(ctx context.Context, rec *EventRecord, msg *OutboxMessage) error {
	tx, err := s.createTx(ctx)

	if err != nil {
		return err
	}

	_, err = tx.ExecContext(
		ctx,
		s.rebind(`INSERT INTO scheduled_events (event_id, event_class, event_payload, completed, is_not_consumed, canceled, scheduled_at) VALUES ($1, $2, $3, $4, $5, $6, $7);`),
		rec.EventID,
		rec.EventClass,
		rec.EventPayload,
		rec.Completed,
		rec.IsNotConsumed,
		rec.Canceled,
		rec.ScheduledAt,
	)

	if err != nil {
		if rollErr := tx.Rollback(); rollErr != nil {
			return rollErr
		}

		return err
	}

	if msg != nil {
		ltx := &sqlLedgerTx{tx: tx, ctx: ctx, store: s}

		if err := ltx.AppendOutbox(msg); err != nil {
			if rollErr := tx.Rollback(); rollErr != nil {
				return rollErr
			}

			return err
		}
	}

	return tx.Commit()
}

func (s *sqlLedgerStore) Save(ctx context.Context, rec *EventRecord) error {
	tx, err := s.createTx(ctx)

	if err != nil {
		return err
	}

	ltx := &sqlLedgerTx{tx: tx, ctx: ctx, store: s}

	if err := ltx.Save(rec); err != nil {
		if rollErr := tx.Rollback(); rollErr != nil {
			return rollErr
		}

		return err
	}

	return tx.Commit()
}

const eventRecordColumns = `id, event_id, event_class, event_payload, completed, is_not_consumed, canceled, scheduled_at, created_at`

func scanEventRecord(row interface{ Scan(...interface{}) error }) (*EventRecord, error) {
	rec := &EventRecord{}

	err := row.Scan(
		&rec.ID,
		&rec.EventID,
		&rec.EventClass,
		&rec.EventPayload,
		&rec.Completed,
		&rec.IsNotConsumed,
		&rec.Canceled,
		&rec.ScheduledAt,
		&rec.CreatedAt,
	)

	if err != nil {
		return nil, err
	}

	return rec, nil
}

func (s *sqlLedgerStore) FindByEventID(ctx context.Context, eventID string) (*EventRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		s.rebind(`SELECT `+eventRecordColumns+` FROM scheduled_events WHERE event_id = $1;`),
		eventID,
	)

	rec, err := scanEventRecord(row)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	return rec, err
}

func (s *sqlLedgerStore) FindIncompleteByClass(ctx context.Context, eventClass string) ([]*EventRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		s.rebind(`SELECT `+eventRecordColumns+` FROM scheduled_events WHERE event_class = $1 AND completed = FALSE;`),
		eventClass,
	)

	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var out []*EventRecord

	for rows.Next() {
		rec, err := scanEventRecord(rows)

		if err != nil {
			return nil, err
		}

		out = append(out, rec)
	}

	return out, rows.Err()
}

func (s *sqlLedgerStore) UpdateIncomplete(ctx context.Context, eventID string, fn func(tx LedgerTx, rec *EventRecord) error) (bool, error) {
	tx, err := s.createTx(ctx)

	if err != nil {
		return false, err
	}

	row := tx.QueryRowContext(
		ctx,
		s.rebind(`SELECT `+eventRecordColumns+` FROM scheduled_events WHERE event_id = $1 AND completed = FALSE FOR UPDATE;`),
		eventID,
	)

	rec, err := scanEventRecord(row)

	if err == sql.ErrNoRows {
		if rollErr := tx.Rollback(); rollErr != nil {
			return false, rollErr
		}

		return false, nil
	}

	if err != nil {
		if rollErr := tx.Rollback(); rollErr != nil {
			return false, rollErr
		}

		return false, err
	}

	ltx := &sqlLedgerTx{tx: tx, ctx: ctx, store: s}

	if err := fn(ltx, rec); err != nil {
		if rollErr := tx.Rollback(); rollErr != nil {
			return false, rollErr
		}

		return false, err
	}

	return true, tx.Commit()
}

func (s *sqlLedgerStore) PendingOutbox(ctx context.Context, limit int) ([]*OutboxMessage, error) {
	rows, err := s.db.QueryContext(
		ctx,
		s.rebind(`SELECT id, event_id, op, payload, due_time, dispatched, created_at FROM outbox_messages WHERE dispatched = FALSE ORDER BY id LIMIT $1;`),
		limit,
	)

	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var out []*OutboxMessage

	for rows.Next() {
		msg := &OutboxMessage{}

		err := rows.Scan(
			&msg.ID,
			&msg.EventID,
			&msg.Op,
			&msg.Payload,
			&msg.DueTime,
			&msg.Dispatched,
			&msg.CreatedAt,
		)

		if err != nil {
			return nil, err
		}

		out = append(out, msg)
	}

	return out, rows.Err()
}

func (s *sqlLedgerStore) MarkOutboxDispatched(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(
		ctx,
		s.rebind(`UPDATE outbox_messages SET dispatched = TRUE WHERE id = $1;`),
		id,
	)

	return err
}
