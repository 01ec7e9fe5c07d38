package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Seq columns give every table a stable insertion order; IDs are uuids.

type tenantRow struct {
	Seq             uint      `gorm:"primaryKey;autoIncrement"`
	ID              string    `gorm:"size:64;uniqueIndex;not null"`
	Name            string    `gorm:"size:191;not null"`
	ModelName       string    `gorm:"size:191;not null"`
	ExchangeAPIKey  string    `gorm:"size:255"`
	AccountIndex    string    `gorm:"size:64;not null"`
	InvocationCount int64     `gorm:"not null;default:0"`
	CreatedAt       time.Time `gorm:"not null"`
}

func (tenantRow) TableName() string {
	return "tenants"
}

func (r tenantRow) toRecord() Tenant {
	return Tenant{
		ID:              r.ID,
		Name:            r.Name,
		ModelName:       r.ModelName,
		ExchangeAPIKey:  r.ExchangeAPIKey,
		AccountIndex:    r.AccountIndex,
		InvocationCount: r.InvocationCount,
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

type activityRow struct {
	Seq       uint      `gorm:"primaryKey;autoIncrement"`
	ID        string    `gorm:"size:64;uniqueIndex;not null"`
	TenantID  string    `gorm:"size:64;index;not null"`
	Status    string    `gorm:"size:32;not null"`
	Payload   string    `gorm:"type:text"`
	Error     string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (activityRow) TableName() string {
	return "activities"
}

func (r activityRow) toRecord(tenantName string, events []SubEvent) ActivityRecord {
	if events == nil {
		events = []SubEvent{}
	}
	return ActivityRecord{
		ID:         r.ID,
		TenantID:   r.TenantID,
		TenantName: tenantName,
		Status:     ActivityStatus(r.Status),
		Payload:    r.Payload,
		Error:      r.Error,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
		SubEvents:  events,
	}
}

type subEventRow struct {
	Seq        uint      `gorm:"primaryKey;autoIncrement"`
	ID         string    `gorm:"size:64;uniqueIndex;not null"`
	ActivityID string    `gorm:"size:64;index;not null"`
	Kind       string    `gorm:"size:64;not null"`
	Metadata   string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (subEventRow) TableName() string {
	return "sub_events"
}

func (r subEventRow) toRecord() SubEvent {
	return SubEvent{
		ID:        r.ID,
		Kind:      SubEventKind(r.Kind),
		Metadata:  r.Metadata,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

type seriesPointRow struct {
	Seq       uint            `gorm:"primaryKey;autoIncrement"`
	TenantID  string          `gorm:"size:64;not null;index:idx_series_tenant_ts,priority:1"`
	SampledAt time.Time       `gorm:"not null;index:idx_series_tenant_ts,priority:2"`
	Value     decimal.Decimal `gorm:"type:decimal(24,8);not null"`
}

func (seriesPointRow) TableName() string {
	return "series_points"
}

func (r seriesPointRow) toRecord(tenantName string) SeriesPoint {
	return SeriesPoint{
		TenantID:   r.TenantID,
		TenantName: tenantName,
		Timestamp:  r.SampledAt.UTC(),
		Value:      r.Value,
	}
}
