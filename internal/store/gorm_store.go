package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
)

// GormStore persists tenants, activity records and the sampled value series.
// It is both the tenant registry and the data source behind the read API.
type GormStore struct {
	db    *gorm.DB
	clock clockwork.Clock
}

type Option func(*GormStore)

// WithClock overrides the clock used to stamp rows.
func WithClock(c clockwork.Clock) Option {
	return func(s *GormStore) {
		if c != nil {
			s.clock = c
		}
	}
}

func NewGormStore(driver, dsn string, opts ...Option) (*GormStore, error) {
	gormDB, err := OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	store := &GormStore{db: gormDB, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	if err := s.db.AutoMigrate(&tenantRow{}, &activityRow{}, &subEventRow{}, &seriesPointRow{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *GormStore) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *GormStore) CreateTenant(ctx context.Context, t Tenant) (Tenant, error) {
	if strings.TrimSpace(t.Name) == "" {
		return Tenant{}, fmt.Errorf("create tenant: name is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	row := tenantRow{
		ID:             t.ID,
		Name:           t.Name,
		ModelName:      t.ModelName,
		ExchangeAPIKey: t.ExchangeAPIKey,
		AccountIndex:   t.AccountIndex,
		CreatedAt:      s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Tenant{}, fmt.Errorf("create tenant: %w", err)
	}
	return row.toRecord(), nil
}

// EnsureTenant returns the tenant named t.Name, creating it from t when none
// exists. created reports which happened. Existing tenants are not updated.
func (s *GormStore) EnsureTenant(ctx context.Context, t Tenant) (tenant Tenant, created bool, err error) {
	var rows []tenantRow
	if err := s.db.WithContext(ctx).Where("name = ?", t.Name).Order("seq ASC").Limit(1).Find(&rows).Error; err != nil {
		return Tenant{}, false, fmt.Errorf("find tenant: %w", err)
	}
	if len(rows) > 0 {
		return rows[0].toRecord(), false, nil
	}
	tenant, err = s.CreateTenant(ctx, t)
	return tenant, err == nil, err
}

func (s *GormStore) GetTenant(ctx context.Context, id string) (Tenant, error) {
	var rows []tenantRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&rows).Error; err != nil {
		return Tenant{}, fmt.Errorf("get tenant: %w", err)
	}
	if len(rows) == 0 {
		return Tenant{}, ErrNotFound
	}
	return rows[0].toRecord(), nil
}

// ListTenants enumerates tenants in creation order. Sweeps and sampler ticks
// walk this order, so it must be stable.
func (s *GormStore) ListTenants(ctx context.Context) ([]Tenant, error) {
	var rows []tenantRow
	if err := s.db.WithContext(ctx).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	out := make([]Tenant, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

// IncrementInvocationCount bumps the counter in a single UPDATE so concurrent
// writers cannot lose increments.
func (s *GormStore) IncrementInvocationCount(ctx context.Context, tenantID string) error {
	res := s.db.WithContext(ctx).Model(&tenantRow{}).
		Where("id = ?", tenantID).
		UpdateColumn("invocation_count", gorm.Expr("invocation_count + ?", 1))
	if res.Error != nil {
		return fmt.Errorf("increment invocation count: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateActivity writes the empty pending record at the start of a job.
func (s *GormStore) CreateActivity(ctx context.Context, tenantID string) (ActivityRecord, error) {
	now := s.now()
	row := activityRow{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Status:    string(ActivityPending),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return ActivityRecord{}, fmt.Errorf("create activity: %w", err)
	}
	return row.toRecord("", nil), nil
}

func (s *GormStore) AppendSubEvent(ctx context.Context, activityID string, kind SubEventKind, metadata string) (SubEvent, error) {
	row := subEventRow{
		ID:         uuid.NewString(),
		ActivityID: activityID,
		Kind:       string(kind),
		Metadata:   metadata,
		CreatedAt:  s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return SubEvent{}, fmt.Errorf("append sub event: %w", err)
	}
	return row.toRecord(), nil
}

// CompleteActivity writes the final payload at the end of a job.
func (s *GormStore) CompleteActivity(ctx context.Context, activityID, payload string) error {
	return s.finishActivity(ctx, activityID, map[string]any{
		"status":     string(ActivityCompleted),
		"payload":    payload,
		"updated_at": s.now(),
	})
}

// FailActivity closes a record whose job did not finish.
func (s *GormStore) FailActivity(ctx context.Context, activityID, failure string) error {
	return s.finishActivity(ctx, activityID, map[string]any{
		"status":     string(ActivityFailed),
		"error":      failure,
		"updated_at": s.now(),
	})
}

func (s *GormStore) finishActivity(ctx context.Context, activityID string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&activityRow{}).Where("id = ?", activityID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("finish activity: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentActivity returns up to limit records, newest first, each with its
// sub-events in execution order.
func (s *GormStore) RecentActivity(ctx context.Context, limit int) ([]ActivityRecord, error) {
	if limit <= 0 {
		return []ActivityRecord{}, nil
	}
	db := s.db.WithContext(ctx)

	var rows []activityRow
	if err := db.Order("created_at DESC").Order("seq DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	if len(rows) == 0 {
		return []ActivityRecord{}, nil
	}

	ids := make([]string, 0, len(rows))
	tenantIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
		tenantIDs = append(tenantIDs, row.TenantID)
	}

	var eventRows []subEventRow
	if err := db.Where("activity_id IN ?", ids).Order("seq ASC").Find(&eventRows).Error; err != nil {
		return nil, fmt.Errorf("recent activity sub events: %w", err)
	}
	events := make(map[string][]SubEvent, len(rows))
	for _, ev := range eventRows {
		events[ev.ActivityID] = append(events[ev.ActivityID], ev.toRecord())
	}

	names, err := s.tenantNames(ctx, tenantIDs)
	if err != nil {
		return nil, err
	}

	out := make([]ActivityRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord(names[row.TenantID], events[row.ID]))
	}
	return out, nil
}

// AppendPoint stores one sample. A timestamp earlier than the tenant's latest
// point is clamped to it so each tenant's series never goes backwards.
func (s *GormStore) AppendPoint(ctx context.Context, p SeriesPoint) (SeriesPoint, error) {
	if p.Timestamp.IsZero() {
		p.Timestamp = s.now()
	}
	row := seriesPointRow{TenantID: p.TenantID, SampledAt: p.Timestamp.UTC(), Value: p.Value}

	// insert first so the transaction takes the write lock before it reads;
	// a read snapshot upgraded after another writer commits cannot be retried
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("append point: %w", err)
		}
		var last []seriesPointRow
		if err := tx.Where("tenant_id = ? AND seq <> ?", p.TenantID, row.Seq).
			Order("sampled_at DESC").Order("seq DESC").
			Limit(1).Find(&last).Error; err != nil {
			return fmt.Errorf("latest point: %w", err)
		}
		if len(last) == 1 && row.SampledAt.Before(last[0].SampledAt) {
			row.SampledAt = last[0].SampledAt.UTC()
			if err := tx.Model(&seriesPointRow{}).Where("seq = ?", row.Seq).
				UpdateColumn("sampled_at", row.SampledAt).Error; err != nil {
				return fmt.Errorf("clamp point: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return SeriesPoint{}, err
	}
	return row.toRecord(p.TenantName), nil
}

// SeriesPoints returns every sample ordered by timestamp ascending.
func (s *GormStore) SeriesPoints(ctx context.Context) ([]SeriesPoint, error) {
	var rows []seriesPointRow
	if err := s.db.WithContext(ctx).Order("sampled_at ASC").Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("series points: %w", err)
	}

	tenantIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		tenantIDs = append(tenantIDs, row.TenantID)
	}
	names, err := s.tenantNames(ctx, tenantIDs)
	if err != nil {
		return nil, err
	}

	out := make([]SeriesPoint, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord(names[row.TenantID]))
	}
	return out, nil
}

func (s *GormStore) tenantNames(ctx context.Context, ids []string) (map[string]string, error) {
	names := make(map[string]string)
	if len(ids) == 0 {
		return names, nil
	}
	var rows []tenantRow
	if err := s.db.WithContext(ctx).Select("id", "name").Where("id IN ?", dedupe(ids)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("tenant names: %w", err)
	}
	for _, row := range rows {
		names[row.ID] = row.Name
	}
	return names, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
