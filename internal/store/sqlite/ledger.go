// Package sqlite implements the ledger (users, holdings, trade batches and
// applied executions) on SQLite. Every mutation runs inside one transaction
// so a failed execution leaves no partial state behind.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"stockexchange-v1/internal/model"
)

// Compile-time check that Ledger implements model.Ledger.
var _ model.Ledger = (*Ledger)(nil)

// LedgerConfig configures the SQLite ledger.
type LedgerConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/ledger.db"
	Logger *slog.Logger
}

// Ledger is a single-writer SQLite ledger.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// DB returns the underlying sql.DB for health checks.
func (l *Ledger) DB() *sql.DB { return l.db }

// New opens the ledger database in WAL mode and creates the schema.
func New(cfg LedgerConfig) (*Ledger, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// One connection: transactions are serialized, which also serializes
	// per-user read-modify-write sequences.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ledger")
	logger.Info("opened ledger", "path", cfg.DBPath)
	return &Ledger{db: db, logger: logger}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			username   TEXT PRIMARY KEY,
			balance    TEXT NOT NULL DEFAULT '0',
			auth_token TEXT
		);

		CREATE TABLE IF NOT EXISTS holdings (
			username TEXT    NOT NULL REFERENCES users(username),
			symbol   TEXT    NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity >= 0),
			PRIMARY KEY (username, symbol)
		);

		CREATE TABLE IF NOT EXISTS batches (
			batch_id        INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol          TEXT    NOT NULL,
			side            TEXT    NOT NULL,
			quantity        INTEGER NOT NULL,
			price           TEXT    NOT NULL,
			executed_at     INTEGER NOT NULL,
			execution_token TEXT    NOT NULL
		);

		CREATE TABLE IF NOT EXISTS user_batches (
			username TEXT    NOT NULL REFERENCES users(username),
			batch_id INTEGER NOT NULL REFERENCES batches(batch_id),
			PRIMARY KEY (username, batch_id)
		);

		CREATE TABLE IF NOT EXISTS executions (
			token      TEXT PRIMARY KEY,
			job_id     TEXT,
			username   TEXT    NOT NULL,
			side       TEXT    NOT NULL,
			symbol     TEXT    NOT NULL,
			result     TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_user_batches_username ON user_batches(username);
		CREATE INDEX IF NOT EXISTS idx_executions_username ON executions(username);
	`)
	return err
}

func storeErr(op string, err error) error {
	return fmt.Errorf("sqlite %s: %w: %w", op, model.ErrStore, err)
}

// Update runs fn in a transaction. The transaction is rolled back if fn
// returns an error or panics, or if the commit fails.
func (l *Ledger) Update(ctx context.Context, username string, fn func(tx model.LedgerTx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			l.logger.Error("rollback failed", "username", username, "error", rbErr)
		}
	}()

	if err := fn(&ledgerTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	committed = true
	return nil
}

// LookupExecution returns the recorded Result for token, or nil.
func (l *Ledger) LookupExecution(ctx context.Context, token string) (*model.Result, error) {
	return findExecution(ctx, l.db, token)
}

// UpsertUser creates or replaces a user record. Used for seeding.
func (l *Ledger) UpsertUser(ctx context.Context, u model.User) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO users (username, balance, auth_token) VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET balance = excluded.balance, auth_token = excluded.auth_token
	`, u.Username, u.Balance.String(), nullString(u.AuthToken))
	if err != nil {
		return storeErr("upsert user", err)
	}
	return nil
}

// User reads a user outside any transaction.
func (l *Ledger) User(ctx context.Context, username string) (model.User, error) {
	return findUser(ctx, l.db, username)
}

// Holdings returns every holding of username ordered by symbol.
func (l *Ledger) Holdings(ctx context.Context, username string) ([]model.Holding, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT username, symbol, quantity FROM holdings
		WHERE username = ?
		ORDER BY symbol ASC
	`, username)
	if err != nil {
		return nil, storeErr("query holdings", err)
	}
	defer rows.Close()

	holdings := []model.Holding{}
	for rows.Next() {
		var h model.Holding
		if err := rows.Scan(&h.Username, &h.Symbol, &h.Quantity); err != nil {
			return nil, storeErr("scan holding", err)
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// Batches returns the last limit trade batches owned by username, newest first.
func (l *Ledger) Batches(ctx context.Context, username string, limit int) ([]model.Batch, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT b.batch_id, b.symbol, b.side, b.quantity, b.price, b.executed_at, b.execution_token
		FROM batches b
		JOIN user_batches ub ON ub.batch_id = b.batch_id
		WHERE ub.username = ?
		ORDER BY b.batch_id DESC
		LIMIT ?
	`, username, limit)
	if err != nil {
		return nil, storeErr("query batches", err)
	}
	defer rows.Close()

	batches := []model.Batch{}
	for rows.Next() {
		var (
			b          model.Batch
			side       string
			price      string
			executedAt int64
		)
		if err := rows.Scan(&b.BatchID, &b.Symbol, &side, &b.Quantity, &price, &executedAt, &b.ExecutionToken); err != nil {
			return nil, storeErr("scan batch", err)
		}
		b.Side = model.Side(side)
		if b.Price, err = decimal.NewFromString(price); err != nil {
			return nil, storeErr("parse batch price", err)
		}
		b.ExecutedAt = time.UnixMilli(executedAt).UTC()
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// Ping checks the database connection.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findUser(ctx context.Context, q queryer, username string) (model.User, error) {
	var (
		u       model.User
		balance string
		token   sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT username, balance, auth_token FROM users WHERE username = ?`, username,
	).Scan(&u.Username, &balance, &token)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, model.ErrNoSuchUser
	}
	if err != nil {
		return model.User{}, storeErr("find user", err)
	}
	if u.Balance, err = decimal.NewFromString(balance); err != nil {
		return model.User{}, storeErr("parse balance", err)
	}
	u.AuthToken = token.String
	return u, nil
}

func findExecution(ctx context.Context, q queryer, token string) (*model.Result, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT result FROM executions WHERE token = ?`, token).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find execution", err)
	}
	var res model.Result
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		return nil, storeErr("decode execution", err)
	}
	return &res, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
