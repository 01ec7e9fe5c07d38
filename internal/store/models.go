package store

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("store: not found")

// Tenant is one trading account driven by one model.
type Tenant struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	ModelName       string    `json:"model_name"`
	ExchangeAPIKey  string    `json:"-"`
	AccountIndex    string    `json:"account_index"`
	InvocationCount int64     `json:"invocation_count"`
	CreatedAt       time.Time `json:"created_at"`
}

type ActivityStatus string

const (
	ActivityPending   ActivityStatus = "pending"
	ActivityCompleted ActivityStatus = "completed"
	ActivityFailed    ActivityStatus = "failed"
)

type SubEventKind string

const (
	SubEventCreatePosition    SubEventKind = "create_position"
	SubEventCloseAllPositions SubEventKind = "close_all_positions"
)

// ActivityRecord is the audit row for one agent invocation. It is written
// empty when the job starts and completed (or failed) when it ends.
type ActivityRecord struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	TenantName string         `json:"tenant_name"`
	Status     ActivityStatus `json:"status"`
	Payload    string         `json:"payload"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	SubEvents  []SubEvent     `json:"sub_events"`
}

// SubEvent is one action taken during an invocation, in execution order.
type SubEvent struct {
	ID        string       `json:"id"`
	Kind      SubEventKind `json:"kind"`
	Metadata  string       `json:"metadata"`
	CreatedAt time.Time    `json:"created_at"`
}

// SeriesPoint is one sampled account value. Points are never modified.
type SeriesPoint struct {
	TenantID   string          `json:"tenant_id"`
	TenantName string          `json:"tenant_name"`
	Timestamp  time.Time       `json:"timestamp"`
	Value      decimal.Decimal `json:"value"`
}
