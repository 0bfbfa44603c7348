package model

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ── Port Interfaces ──
// These interfaces decouple the queue and the executor from concrete
// storage and transport (Redis, SQLite, HTTP).

// PriceOracle returns the current price of a symbol. Any failure must be
// reported as ErrPriceUnavailable; a default or stale price is never returned.
type PriceOracle interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Ledger is the store of record for balances, holdings and trade batches.
type Ledger interface {
	// Update runs fn inside a single transaction scoped to username.
	// If fn returns an error nothing fn wrote is persisted.
	Update(ctx context.Context, username string, fn func(tx LedgerTx) error) error

	// LookupExecution returns the Result recorded for token, or nil.
	LookupExecution(ctx context.Context, token string) (*Result, error)
}

// LedgerTx is the set of record operations available inside Ledger.Update.
// Every method may fail with an error wrapping ErrStore.
type LedgerTx interface {
	// FindUser fails with ErrNoSuchUser if username is unknown.
	FindUser(ctx context.Context, username string) (User, error)
	SaveUser(ctx context.Context, user User) error

	// FindHolding fails with ErrNoSuchHolding if there is no row.
	FindHolding(ctx context.Context, username, symbol string) (Holding, error)
	SaveHolding(ctx context.Context, h Holding) error

	// CreateBatch appends an audit record and returns its batch id.
	CreateBatch(ctx context.Context, b Batch) (int64, error)
	CreateOwnership(ctx context.Context, username string, batchID int64) error

	// FindExecution returns the Result recorded for token, or nil.
	FindExecution(ctx context.Context, token string) (*Result, error)
	RecordExecution(ctx context.Context, exec Execution, res Result) error
}

// JobStore persists jobs for one process. Mutations go through Update so the
// store can apply them atomically with respect to concurrent mutations of the
// same job (claim vs. cancel).
type JobStore interface {
	// NextID allocates a new job identifier for side.
	NextID(ctx context.Context, side Side) (string, error)

	// Create stores a new job.
	Create(ctx context.Context, job Job) error

	// Get fails with ErrJobNotFound for unknown ids and with an error
	// wrapping ErrStore when the store cannot be reached.
	Get(ctx context.Context, side Side, id string) (Job, error)

	// Update loads the job, applies fn and stores the result atomically.
	// If fn returns an error nothing is written and the error is returned.
	Update(ctx context.Context, side Side, id string, fn func(job *Job) error) (Job, error)

	// Due lists up to limit pending jobs whose run time is <= now.
	Due(ctx context.Context, side Side, now time.Time, limit int) ([]string, error)

	// Expired lists in-flight jobs whose lease ended before now.
	Expired(ctx context.Context, side Side, now time.Time, limit int) ([]string, error)

	// Pending returns the number of scheduled (pending) jobs for side.
	Pending(ctx context.Context, side Side) (int64, error)
}

// JobEvent is emitted on every job state change.
type JobEvent struct {
	Type string    `json:"type"`
	Job  Job       `json:"job"`
	At   time.Time `json:"at"`
}

// Job event types.
const (
	EventSubmitted   = "job.submitted"
	EventRescheduled = "job.rescheduled"
	EventCancelled   = "job.cancelled"
	EventDispatched  = "job.dispatched"
	EventCompleted   = "job.completed"
)

// EventSink receives job events. Implementations must not block.
type EventSink interface {
	Publish(ctx context.Context, ev JobEvent)
}
