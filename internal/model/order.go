package model

import (
	"fmt"
	"strings"
	"time"
)

// Side is the direction of an order. Each side has its own queue.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sides lists both queue sides in dispatch order.
var Sides = []Side{SideBuy, SideSell}

// ParseSide accepts "buy" or "sell" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: side must be buy or sell, got %q", ErrValidation, s)
}

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Schedule makes an order recurring: it fires every IntervalMs until
// Remaining occurrences have been dispatched.
type Schedule struct {
	IntervalMs int64 `json:"interval_ms"`
	Remaining  int   `json:"remaining_occurrences"`
}

// Interval returns the recurrence interval as a duration.
func (s Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// Validate checks the recurrence bounds.
func (s Schedule) Validate() error {
	if s.IntervalMs <= 0 {
		return fmt.Errorf("%w: interval_ms must be > 0, got %d", ErrInvalidSchedule, s.IntervalMs)
	}
	if s.Remaining <= 0 {
		return fmt.Errorf("%w: remaining_occurrences must be > 0, got %d", ErrInvalidSchedule, s.Remaining)
	}
	return nil
}

// Order is a buy or sell request as accepted by the queue.
// A nil Schedule means one-shot.
type Order struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Symbol      string    `json:"symbol"`
	Quantity    int64     `json:"quantity"`
	Side        Side      `json:"side"`
	SubmittedAt time.Time `json:"submitted_at"`
	Schedule    *Schedule `json:"schedule,omitempty"`
}

// Recurring reports whether the order carries a schedule.
func (o *Order) Recurring() bool {
	return o.Schedule != nil
}

// Validate rejects orders that must never reach a queue.
func (o *Order) Validate() error {
	if strings.TrimSpace(o.Username) == "" {
		return fmt.Errorf("%w: username is required", ErrValidation)
	}
	if strings.TrimSpace(o.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrValidation)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be a positive integer, got %d", ErrValidation, o.Quantity)
	}
	if !o.Side.Valid() {
		return fmt.Errorf("%w: side must be buy or sell, got %q", ErrValidation, o.Side)
	}
	if o.Schedule != nil {
		if err := o.Schedule.Validate(); err != nil {
			return err
		}
	}
	return nil
}
