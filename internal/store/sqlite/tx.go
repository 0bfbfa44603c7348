package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"stockexchange-v1/internal/model"
)

// ledgerTx implements model.LedgerTx on an open transaction.
type ledgerTx struct {
	tx *sql.Tx
}

func (t *ledgerTx) FindUser(ctx context.Context, username string) (model.User, error) {
	return findUser(ctx, t.tx, username)
}

func (t *ledgerTx) SaveUser(ctx context.Context, u model.User) error {
	if u.Balance.IsNegative() {
		return storeErr("save user", fmt.Errorf("negative balance %s for %s", u.Balance, u.Username))
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE users SET balance = ?, auth_token = ? WHERE username = ?`,
		u.Balance.String(), nullString(u.AuthToken), u.Username,
	)
	if err != nil {
		return storeErr("save user", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.ErrNoSuchUser
	}
	return nil
}

func (t *ledgerTx) FindHolding(ctx context.Context, username, symbol string) (model.Holding, error) {
	h := model.Holding{Username: username, Symbol: symbol}
	err := t.tx.QueryRowContext(ctx,
		`SELECT quantity FROM holdings WHERE username = ? AND symbol = ?`, username, symbol,
	).Scan(&h.Quantity)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Holding{}, model.ErrNoSuchHolding
	}
	if err != nil {
		return model.Holding{}, storeErr("find holding", err)
	}
	return h, nil
}

func (t *ledgerTx) SaveHolding(ctx context.Context, h model.Holding) error {
	if h.Quantity < 0 {
		return storeErr("save holding", fmt.Errorf("negative quantity %d for %s/%s", h.Quantity, h.Username, h.Symbol))
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO holdings (username, symbol, quantity) VALUES (?, ?, ?)
		ON CONFLICT(username, symbol) DO UPDATE SET quantity = excluded.quantity
	`, h.Username, h.Symbol, h.Quantity)
	if err != nil {
		return storeErr("save holding", err)
	}
	return nil
}

func (t *ledgerTx) CreateBatch(ctx context.Context, b model.Batch) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO batches (symbol, side, quantity, price, executed_at, execution_token)
		VALUES (?, ?, ?, ?, ?, ?)
	`, b.Symbol, string(b.Side), b.Quantity, b.Price.String(), b.ExecutedAt.UnixMilli(), b.ExecutionToken)
	if err != nil {
		return 0, storeErr("create batch", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storeErr("batch id", err)
	}
	return id, nil
}

func (t *ledgerTx) CreateOwnership(ctx context.Context, username string, batchID int64) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO user_batches (username, batch_id) VALUES (?, ?)`, username, batchID)
	if err != nil {
		return storeErr("create ownership", err)
	}
	return nil
}

func (t *ledgerTx) FindExecution(ctx context.Context, token string) (*model.Result, error) {
	return findExecution(ctx, t.tx, token)
}

func (t *ledgerTx) RecordExecution(ctx context.Context, exec model.Execution, res model.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return storeErr("encode execution", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO executions (token, job_id, username, side, symbol, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, exec.Token, exec.JobID, exec.Username, string(exec.Side), exec.Symbol, string(data), res.ExecutedAt.UnixMilli())
	if err != nil {
		return storeErr("record execution", err)
	}
	return nil
}
