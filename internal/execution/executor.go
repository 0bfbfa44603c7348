// Package execution performs priced trades against the ledger.
//
// One parameterized path handles both sides: the price is fetched first,
// then the funds/holdings check and every ledger write run inside a single
// ledger transaction under a per-user lock. Any failure rolls the whole
// transaction back, so a balance is never debited without the matching
// holding change.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stockexchange-v1/internal/logger"
	"stockexchange-v1/internal/model"
)

// Result messages, worded for end users.
const (
	msgBuyOK                = "Buy stocks successfully."
	msgSellOK               = "Sell stocks successfully."
	msgNoSuchUser           = "No such user."
	msgLogin                = "Please Login."
	msgInsufficientFunds    = "Insufficient balance, please deposit."
	msgNoSuchHolding        = "User does not have this stock."
	msgInsufficientHoldings = "Insufficient stocks."
	msgPriceUnavailable     = "Price unavailable, please retry later."
	msgStoreFault           = "Execution failed, no changes were applied."
)

// Config configures an Executor.
type Config struct {
	Logger *slog.Logger

	// Now returns the execution timestamp. Defaults to time.Now.
	Now func() time.Time

	// OnResult is called after every execution (for metrics).
	OnResult func(side model.Side, res model.Result, d time.Duration)
}

// Executor runs orders against a price oracle and a ledger.
type Executor struct {
	oracle   model.PriceOracle
	ledger   model.Ledger
	locks    *userLocks
	logger   *slog.Logger
	now      func() time.Time
	onResult func(side model.Side, res model.Result, d time.Duration)
}

// New creates an Executor.
func New(oracle model.PriceOracle, ledger model.Ledger, cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Executor{
		oracle:   oracle,
		ledger:   ledger,
		locks:    newUserLocks(),
		logger:   cfg.Logger.With("component", "executor"),
		now:      cfg.Now,
		onResult: cfg.OnResult,
	}
}

// ExecuteBuy buys quantity of symbol for username under a fresh token.
func (e *Executor) ExecuteBuy(ctx context.Context, username, symbol string, quantity int64) model.Result {
	return e.Execute(ctx, model.Execution{
		Side: model.SideBuy, Username: username, Symbol: symbol, Quantity: quantity,
	})
}

// ExecuteSell sells quantity of symbol for username under a fresh token.
func (e *Executor) ExecuteSell(ctx context.Context, username, symbol string, quantity int64) model.Result {
	return e.Execute(ctx, model.Execution{
		Side: model.SideSell, Username: username, Symbol: symbol, Quantity: quantity,
	})
}

// Execute performs one occurrence. A token already applied to the ledger
// returns the recorded result without touching the ledger again. Failures
// are reported on the Result, never returned as errors.
func (e *Executor) Execute(ctx context.Context, exec model.Execution) model.Result {
	if exec.Token == "" {
		exec.Token = uuid.NewString()
	}
	if exec.SubmittedAt.IsZero() {
		exec.SubmittedAt = e.now()
	}
	ctx = logger.WithTraceID(ctx, exec.Token)

	start := time.Now()
	res := e.execute(ctx, exec)
	elapsed := time.Since(start)

	attrs := append(logger.LogWithTrace(ctx),
		"side", exec.Side, "username", exec.Username, "symbol", exec.Symbol,
		"quantity", exec.Quantity, "success", res.Success, "duration", elapsed)
	switch {
	case res.Replayed:
		e.logger.Info("execution replayed", attrs...)
	case res.Success:
		e.logger.Info("execution applied", append(attrs, "price", res.ExecutedPrice.String(), "total", res.Total.String())...)
	case model.IsSystemFault(res.Error):
		e.logger.Error("execution failed", append(attrs, "error", res.Error, "message", res.Message)...)
	default:
		e.logger.Info("execution rejected", append(attrs, "error", res.Error, "message", res.Message)...)
	}

	if e.onResult != nil {
		e.onResult(exec.Side, res, elapsed)
	}
	return res
}

func (e *Executor) execute(ctx context.Context, exec model.Execution) model.Result {
	if err := validate(exec); err != nil {
		return model.Failed(exec.Token, err.Error(), err)
	}

	prev, err := e.ledger.LookupExecution(ctx, exec.Token)
	if err != nil {
		return model.Failed(exec.Token, msgStoreFault, err)
	}
	if prev != nil {
		return replayed(*prev)
	}

	// The price is fetched before any ledger access; a failure here
	// aborts with nothing written.
	price, err := e.oracle.Price(ctx, exec.Symbol)
	if err != nil {
		if !errors.Is(err, model.ErrPriceUnavailable) {
			err = fmt.Errorf("%w: %v", model.ErrPriceUnavailable, err)
		}
		return model.Failed(exec.Token, msgPriceUnavailable, err)
	}
	total := price.Mul(decimal.NewFromInt(exec.Quantity))

	unlock := e.locks.Lock(exec.Username)
	defer unlock()

	var res model.Result
	err = e.ledger.Update(ctx, exec.Username, func(tx model.LedgerTx) error {
		prev, err := tx.FindExecution(ctx, exec.Token)
		if err != nil {
			return err
		}
		if prev != nil {
			res = replayed(*prev)
			return nil
		}

		res, err = e.apply(ctx, tx, exec, price, total)
		if err != nil {
			return err
		}
		return tx.RecordExecution(ctx, exec, res)
	})
	if err != nil {
		return model.Failed(exec.Token, messageFor(err), err)
	}
	return res
}

// apply checks and mutates the ledger for one execution. The side decides
// only which precondition is checked and the sign of each delta.
func (e *Executor) apply(ctx context.Context, tx model.LedgerTx, exec model.Execution, price, total decimal.Decimal) (model.Result, error) {
	user, err := tx.FindUser(ctx, exec.Username)
	if err != nil {
		return model.Result{}, err
	}
	if !user.Authenticated() {
		return model.Result{}, model.ErrUnauthenticated
	}

	holding, err := tx.FindHolding(ctx, exec.Username, exec.Symbol)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNoSuchHolding) && exec.Side == model.SideBuy:
		holding = model.Holding{Username: exec.Username, Symbol: exec.Symbol}
	default:
		return model.Result{}, err
	}

	msg := msgBuyOK
	switch exec.Side {
	case model.SideBuy:
		if user.Balance.LessThan(total) {
			return model.Result{}, fmt.Errorf("%w: balance %s < total %s", model.ErrInsufficientFunds, user.Balance, total)
		}
		user.Balance = user.Balance.Sub(total)
		holding.Quantity += exec.Quantity
	case model.SideSell:
		if holding.Quantity < exec.Quantity {
			return model.Result{}, fmt.Errorf("%w: holding %d < quantity %d", model.ErrInsufficientHoldings, holding.Quantity, exec.Quantity)
		}
		user.Balance = user.Balance.Add(total)
		holding.Quantity -= exec.Quantity
		msg = msgSellOK
	}

	executedAt := e.now().UTC()
	if err := tx.SaveUser(ctx, user); err != nil {
		return model.Result{}, err
	}
	batchID, err := tx.CreateBatch(ctx, model.Batch{
		Symbol:         exec.Symbol,
		Side:           exec.Side,
		Quantity:       exec.Quantity,
		Price:          price,
		ExecutedAt:     executedAt,
		ExecutionToken: exec.Token,
	})
	if err != nil {
		return model.Result{}, err
	}
	if err := tx.CreateOwnership(ctx, exec.Username, batchID); err != nil {
		return model.Result{}, err
	}
	if holding.Quantity < 0 {
		return model.Result{}, fmt.Errorf("%w: holding would go negative", model.ErrInsufficientHoldings)
	}
	if err := tx.SaveHolding(ctx, holding); err != nil {
		return model.Result{}, err
	}

	return model.Result{
		Success:          true,
		Message:          msg,
		ExecutedPrice:    price,
		ExecutedQuantity: exec.Quantity,
		Total:            total,
		ExecutionToken:   exec.Token,
		ExecutedAt:       executedAt,
	}, nil
}

func validate(exec model.Execution) error {
	o := model.Order{
		Username: exec.Username,
		Symbol:   exec.Symbol,
		Quantity: exec.Quantity,
		Side:     exec.Side,
	}
	return o.Validate()
}

func replayed(res model.Result) model.Result {
	res.Replayed = true
	return res
}

func messageFor(err error) string {
	switch {
	case errors.Is(err, model.ErrNoSuchUser):
		return msgNoSuchUser
	case errors.Is(err, model.ErrUnauthenticated):
		return msgLogin
	case errors.Is(err, model.ErrInsufficientFunds):
		return msgInsufficientFunds
	case errors.Is(err, model.ErrNoSuchHolding):
		return msgNoSuchHolding
	case errors.Is(err, model.ErrInsufficientHoldings):
		return msgInsufficientHoldings
	default:
		return msgStoreFault
	}
}
