package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Execution is one delivered occurrence of an order. Token is unique per
// intended execution and is reused when the same occurrence is redelivered.
type Execution struct {
	Token       string    `json:"token"`
	JobID       string    `json:"job_id,omitempty"`
	Side        Side      `json:"side"`
	Username    string    `json:"username"`
	Symbol      string    `json:"symbol"`
	Quantity    int64     `json:"quantity"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Result is the outcome of one execution, attached to the job's history.
type Result struct {
	Success          bool            `json:"success"`
	Message          string          `json:"message"`
	Error            string          `json:"error,omitempty"`
	ExecutedPrice    decimal.Decimal `json:"executed_price"`
	ExecutedQuantity int64           `json:"executed_quantity"`
	Total            decimal.Decimal `json:"total"`
	ExecutionToken   string          `json:"execution_token"`
	ExecutedAt       time.Time       `json:"executed_at"`
	Replayed         bool            `json:"replayed,omitempty"`
}

// Failed builds a failed Result for err, classified by ErrorKind.
func Failed(token, message string, err error) Result {
	return Result{
		Success:        false,
		Message:        message,
		Error:          ErrorKind(err),
		ExecutionToken: token,
		ExecutedAt:     time.Now().UTC(),
	}
}
