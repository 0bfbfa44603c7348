package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is the ledger's cash account. AuthToken is empty while logged out.
type User struct {
	Username  string          `json:"username"`
	Balance   decimal.Decimal `json:"balance"`
	AuthToken string          `json:"-"`
}

// Authenticated reports whether the user holds a session token.
func (u *User) Authenticated() bool {
	return u.AuthToken != ""
}

// Holding is a user's quantity of one symbol. Unique per (Username, Symbol).
type Holding struct {
	Username string `json:"username"`
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
}

// Batch is the append-only audit record of one executed trade.
type Batch struct {
	BatchID        int64           `json:"batch_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Quantity       int64           `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	ExecutedAt     time.Time       `json:"executed_at"`
	ExecutionToken string          `json:"execution_token"`
}
