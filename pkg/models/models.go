package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Interval is the cadence of a recurring schedule.
type Interval string

const (
	IntervalDaily   Interval = "daily"
	IntervalWeekly  Interval = "weekly"
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
	IntervalCustom  Interval = "custom"
)

// IsValid reports whether the interval is one of the known cadences.
func (i Interval) IsValid() bool {
	switch i {
	case IntervalDaily, IntervalWeekly, IntervalMonthly, IntervalYearly, IntervalCustom:
		return true
	}
	return false
}

// CurrencyUSDC is the only settlement currency currently supported.
const CurrencyUSDC = "USDC"

// NormalizeAddress lowercases a wallet address for sharding and lookups.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// IsValidAddress reports whether the string is a valid 20-byte hex address.
func IsValidAddress(addr string) bool {
	return common.IsHexAddress(addr)
}

// Recipient is a named wallet stored in a user's address book.
type Recipient struct {
	Name   string `json:"name"`
	Wallet string `json:"wallet"`
	Note   string `json:"note,omitempty"`
}

// Schedule is a user's standing instruction to send a fixed amount at a fixed cadence.
type Schedule struct {
	ID             uuid.UUID       `json:"id"`
	Name           string          `json:"name,omitempty"`
	Recipient      string          `json:"recipient"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Interval       Interval        `json:"interval"`
	IntervalMs     int64           `json:"interval_ms,omitempty"`
	StartDate      string          `json:"start_date"`
	TimeOfDay      string          `json:"time_of_day,omitempty"`
	TimesTotal     *int            `json:"times_total,omitempty"`
	TimesRemaining *int            `json:"times_remaining,omitempty"`
	Note           string          `json:"note,omitempty"`
	NextRun        time.Time       `json:"next_run"`
	CreatedAt      time.Time       `json:"created_at"`
	Active         bool            `json:"active"`
}

// TransactionType distinguishes one-shot sends from recurring fires.
type TransactionType string

const (
	TransactionSendOnce  TransactionType = "send_once"
	TransactionRecurring TransactionType = "recurring"
)

// TransactionStatus is the terminal outcome of a transfer attempt.
type TransactionStatus string

const (
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// Transaction is one append-only history record in a user's shard.
type Transaction struct {
	ID         uuid.UUID         `json:"id"`
	Type       TransactionType   `json:"type"`
	Name       string            `json:"name,omitempty"`
	Address    string            `json:"address"`
	Amount     decimal.Decimal   `json:"amount"`
	Currency   string            `json:"currency"`
	Status     TransactionStatus `json:"status"`
	TxHash     string            `json:"tx_hash,omitempty"`
	ScheduleID *uuid.UUID        `json:"schedule_id,omitempty"`
	Note       string            `json:"note,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// IndexEntry is the denormalized projection of a Schedule the dispatcher
// scans at every tick. It carries enough data to fire without consulting
// the owning shard.
type IndexEntry struct {
	ScheduleID     uuid.UUID       `json:"schedule_id"`
	UserAddress    string          `json:"user_address"`
	NextRun        time.Time       `json:"next_run"`
	Recipient      string          `json:"recipient"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Interval       Interval        `json:"interval"`
	IntervalMs     int64           `json:"interval_ms,omitempty"`
	TimesRemaining *int            `json:"times_remaining,omitempty"`
	Name           string          `json:"name,omitempty"`
	Note           string          `json:"note,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// EntryFromSchedule projects a shard schedule into its index form.
func EntryFromSchedule(userAddress string, s Schedule) IndexEntry {
	return IndexEntry{
		ScheduleID:     s.ID,
		UserAddress:    NormalizeAddress(userAddress),
		NextRun:        s.NextRun,
		Recipient:      s.Recipient,
		Amount:         s.Amount,
		Currency:       s.Currency,
		Interval:       s.Interval,
		IntervalMs:     s.IntervalMs,
		TimesRemaining: s.TimesRemaining,
		Name:           s.Name,
		Note:           s.Note,
		CreatedAt:      s.CreatedAt,
	}
}

// SchedulePatch carries the dispatcher's post-fire updates to a shard schedule.
// Nil fields are left untouched.
type SchedulePatch struct {
	NextRun        *time.Time
	TimesRemaining *int
	Active         *bool
}

// IntentKind is the top-level classification produced by the NL parser.
type IntentKind string

const (
	IntentSendOnce  IntentKind = "send_once"
	IntentRecurring IntentKind = "recurring_payment"
)

// ParsedIntent is the envelope returned by the opaque natural-language parser
// and normalized by the intent resolver.
type ParsedIntent struct {
	Intent     IntentKind      `json:"intent"`
	Name       string          `json:"name,omitempty"`
	Address    string          `json:"address,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Interval   Interval        `json:"interval,omitempty"`
	IntervalMs int64           `json:"interval_ms,omitempty"`
	StartDate  string          `json:"start_date,omitempty"`
	TimeOfDay  string          `json:"time_of_day,omitempty"`
	Times      *int            `json:"times,omitempty"`
	Note       string          `json:"note,omitempty"`
}

// Validate checks the fields every canonical intent must carry.
func (p *ParsedIntent) Validate() error {
	if p.Intent != IntentSendOnce && p.Intent != IntentRecurring {
		return fmt.Errorf("invalid intent kind: %q", p.Intent)
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", p.Amount)
	}
	if p.Address == "" {
		return fmt.Errorf("recipient address is required")
	}
	if !IsValidAddress(p.Address) {
		return fmt.Errorf("invalid recipient address: %s", p.Address)
	}
	if p.Times != nil && *p.Times <= 0 {
		return fmt.Errorf("times must be positive, got %d", *p.Times)
	}
	return nil
}

// DispatchRequest is the signed payload the dispatcher posts to the executor bridge.
type DispatchRequest struct {
	ScheduleID  string `json:"scheduleId"`
	UserAddress string `json:"userAddress"`
	Recipient   string `json:"recipient"`
	Amount      string `json:"amount"`
	Token       string `json:"token"`
	Timestamp   int64  `json:"timestamp"`
}

// Validate checks that every required dispatch field is present.
func (r *DispatchRequest) Validate() error {
	if r.ScheduleID == "" {
		return fmt.Errorf("scheduleId is required")
	}
	if _, err := uuid.Parse(r.ScheduleID); err != nil {
		return fmt.Errorf("invalid scheduleId: %v", err)
	}
	if !IsValidAddress(r.UserAddress) {
		return fmt.Errorf("invalid userAddress: %s", r.UserAddress)
	}
	if !IsValidAddress(r.Recipient) {
		return fmt.Errorf("invalid recipient: %s", r.Recipient)
	}
	if !IsValidAddress(r.Token) {
		return fmt.Errorf("invalid token: %s", r.Token)
	}
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return fmt.Errorf("invalid amount: %v", err)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", r.Amount)
	}
	if r.Timestamp <= 0 {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// DispatchResponse is the executor bridge's reply to a dispatch request.
type DispatchResponse struct {
	OK     bool   `json:"ok"`
	TxHash string `json:"txHash,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}
