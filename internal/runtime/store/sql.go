package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	sagapkg "github.com/drblury/flowbus/internal/runtime/saga"
	timeoutpkg "github.com/drblury/flowbus/internal/runtime/timeout"
	typeregistrypkg "github.com/drblury/flowbus/internal/runtime/typeregistry"
)

// Dialect selects placeholder syntax.
type Dialect int

const (
	SQLite Dialect = iota + 1
	Postgres
)

func (d Dialect) String() string {
	switch d {
	case SQLite:
		return "sqlite"
	case Postgres:
		return "postgres"
	}
	return "unknown"
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// OpenSQLite opens a SQLite database. Use ":memory:" for tests.
func OpenSQLite(path string) (*sql.DB, error) {
	if path == "" {
		path = "flowbus.db"
	}
	dsn := path + "?_busy_timeout=5000"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and avoids
	// SQLITE_BUSY between writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// OpenPostgres opens a PostgreSQL database and checks the connection.
func OpenPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return db, nil
}

const sagaSchema = `
CREATE TABLE IF NOT EXISTS flowbus_sagas (
	id TEXT PRIMARY KEY,
	type_name TEXT NOT NULL,
	data TEXT NOT NULL,
	updated_at BIGINT NOT NULL
)`

// SQLSagaPersister stores sagas as JSON rows.
type SQLSagaPersister struct {
	db      *sql.DB
	dialect Dialect
	types   *typeregistrypkg.Registry
}

func NewSQLSagaPersister(ctx context.Context, db *sql.DB, dialect Dialect, types *typeregistrypkg.Registry) (*SQLSagaPersister, error) {
	if types == nil {
		types = typeregistrypkg.New()
	}
	if _, err := db.ExecContext(ctx, sagaSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize saga schema: %w", err)
	}
	return &SQLSagaPersister{db: db, dialect: dialect, types: types}, nil
}

func (p *SQLSagaPersister) Find(ctx context.Context, id string) (sagapkg.Saga, bool, error) {
	var typeName, data string
	err := p.db.QueryRowContext(ctx,
		p.dialect.rebind(`SELECT type_name, data FROM flowbus_sagas WHERE id = ?`), id,
	).Scan(&typeName, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return decodeSaga(p.types, typeName, []byte(data))
}

func (p *SQLSagaPersister) Save(ctx context.Context, s sagapkg.Saga) error {
	typeName, data, err := encodeSaga(p.types, s)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, p.dialect.rebind(`
		INSERT INTO flowbus_sagas (id, type_name, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			type_name = excluded.type_name,
			data = excluded.data,
			updated_at = excluded.updated_at`),
		s.SagaID(), typeName, string(data), time.Now().UnixNano(),
	)
	return err
}

func (p *SQLSagaPersister) Complete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, p.dialect.rebind(`DELETE FROM flowbus_sagas WHERE id = ?`), id)
	return err
}

const timeoutSchema = `
CREATE TABLE IF NOT EXISTS flowbus_timeouts (
	id TEXT PRIMARY KEY,
	type_name TEXT NOT NULL,
	payload TEXT NOT NULL,
	saga_id TEXT,
	duration_ns BIGINT NOT NULL,
	created_ns BIGINT NOT NULL,
	due_ns BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_flowbus_timeouts_due ON flowbus_timeouts(due_ns);
CREATE INDEX IF NOT EXISTS idx_flowbus_timeouts_type ON flowbus_timeouts(type_name, saga_id)`

// SQLTimeoutPersister stores pending timeouts as rows. The saga id of a
// correlated payload is kept in its own column so cancellation can narrow
// in SQL.
type SQLTimeoutPersister struct {
	gate    timeoutpkg.AbortGate
	db      *sql.DB
	dialect Dialect
	types   *typeregistrypkg.Registry
}

func NewSQLTimeoutPersister(ctx context.Context, db *sql.DB, dialect Dialect, types *typeregistrypkg.Registry) (*SQLTimeoutPersister, error) {
	if types == nil {
		types = typeregistrypkg.New()
	}
	for _, stmt := range strings.Split(timeoutSchema, ";") {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize timeout schema: %w", err)
		}
	}
	return &SQLTimeoutPersister{db: db, dialect: dialect, types: types}, nil
}

func (p *SQLTimeoutPersister) Save(ctx context.Context, m *timeoutpkg.Message) error {
	p.gate.EnterSave()
	defer p.gate.LeaveSave()

	p.types.Register(m.DelayedMessage)
	typeName, payload, err := p.types.Encode(m.DelayedMessage)
	if err != nil {
		return err
	}
	var sagaID sql.NullString
	if id, ok := timeoutpkg.SagaIDOf(m.DelayedMessage); ok {
		sagaID = sql.NullString{String: id, Valid: true}
	}
	_, err = p.db.ExecContext(ctx, p.dialect.rebind(`
		INSERT INTO flowbus_timeouts (id, type_name, payload, saga_id, duration_ns, created_ns, due_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		m.ID, typeName, string(payload), sagaID,
		int64(m.Duration), m.Created.UnixNano(), m.At.UnixNano(),
	)
	return err
}

func (p *SQLTimeoutPersister) FindAllExpiredTimeouts(ctx context.Context, now time.Time) ([]*timeoutpkg.Message, error) {
	rows, err := p.db.QueryContext(ctx, p.dialect.rebind(`
		SELECT id, type_name, payload, duration_ns, created_ns, due_ns
		FROM flowbus_timeouts WHERE due_ns <= ? ORDER BY due_ns, id`),
		now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		expired     []*timeoutpkg.Message
		undecodable []error
	)
	for rows.Next() {
		var (
			rec     timeoutRecord
			payload string
		)
		if err := rows.Scan(&rec.ID, &rec.TypeName, &payload, &rec.DurationNS, &rec.CreatedNS, &rec.DueNS); err != nil {
			return nil, err
		}
		rec.Payload = []byte(payload)
		m, err := rec.message(p.types)
		if err != nil {
			undecodable = append(undecodable, err)
			continue
		}
		expired = append(expired, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return expired, errors.Join(undecodable...)
}

func (p *SQLTimeoutPersister) AbortTimeout(ctx context.Context, cancel any) (int, error) {
	p.gate.EnterAbort()
	defer p.gate.LeaveAbort()

	typeName, err := payloadTypeName(p.types, cancel)
	if err != nil {
		return 0, err
	}

	var res sql.Result
	if sagaID, ok := timeoutpkg.SagaIDOf(cancel); ok {
		res, err = p.db.ExecContext(ctx, p.dialect.rebind(
			`DELETE FROM flowbus_timeouts WHERE type_name = ? AND saga_id = ?`), typeName, sagaID)
	} else {
		res, err = p.db.ExecContext(ctx, p.dialect.rebind(
			`DELETE FROM flowbus_timeouts WHERE type_name = ?`), typeName)
	}
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *SQLTimeoutPersister) Complete(ctx context.Context, m *timeoutpkg.Message) (bool, error) {
	res, err := p.db.ExecContext(ctx, p.dialect.rebind(`DELETE FROM flowbus_timeouts WHERE id = ?`), m.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *SQLTimeoutPersister) Pending(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM flowbus_timeouts`).Scan(&n)
	return n, err
}
