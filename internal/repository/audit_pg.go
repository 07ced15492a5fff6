package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/GoPolymarket/shieldgate/internal/audit"
	"github.com/GoPolymarket/shieldgate/internal/model"
)

type eventRow struct {
	ID         string    `gorm:"primaryKey"`
	Type       string    `gorm:"index:idx_security_events_type_ts,priority:1"`
	Timestamp  time.Time `gorm:"index:idx_security_events_type_ts,priority:2;index"`
	RequestID  string
	Signature  string  `gorm:"index"`
	IdentityID *string `gorm:"index"`
	Severity   string
	Method     string
	Path       string
	ClientIP   string
	StatusCode int
	LatencyMs  int64
	Detail     map[string]any `gorm:"serializer:json;type:jsonb"`
}

func (eventRow) TableName() string { return "security_events" }

func toRow(ev *model.SecurityEvent) *eventRow {
	return &eventRow{
		ID:         ev.ID,
		Type:       string(ev.Type),
		Timestamp:  ev.Timestamp,
		RequestID:  ev.RequestID,
		Signature:  ev.Signature,
		IdentityID: ev.IdentityID,
		Severity:   string(ev.Severity),
		Method:     ev.Method,
		Path:       ev.Path,
		ClientIP:   ev.ClientIP,
		StatusCode: ev.StatusCode,
		LatencyMs:  ev.LatencyMs,
		Detail:     ev.Detail,
	}
}

func (r *eventRow) toDomain() *model.SecurityEvent {
	detail := r.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	return &model.SecurityEvent{
		ID:         r.ID,
		Type:       model.EventType(r.Type),
		Timestamp:  r.Timestamp,
		RequestID:  r.RequestID,
		Signature:  r.Signature,
		IdentityID: r.IdentityID,
		Severity:   model.Severity(r.Severity),
		Method:     r.Method,
		Path:       r.Path,
		ClientIP:   r.ClientIP,
		StatusCode: r.StatusCode,
		LatencyMs:  r.LatencyMs,
		Detail:     detail,
	}
}

// PostgresEventRepo is an append-only security event table. It is both an audit.Writer and
// an audit.Reader.
type PostgresEventRepo struct {
	db *gorm.DB
}

func NewPostgresEventRepo(db *gorm.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

func (r *PostgresEventRepo) Name() string { return "postgres" }

func (r *PostgresEventRepo) Write(ctx context.Context, ev *model.SecurityEvent) error {
	if ev == nil {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(toRow(ev)).Error
}

func (r *PostgresEventRepo) List(ctx context.Context, f audit.Filter) ([]*model.SecurityEvent, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Model(&eventRow{})
	if f.Type != "" {
		q = q.Where("type = ?", string(f.Type))
	}
	if f.IdentityID != "" {
		q = q.Where("identity_id = ?", f.IdentityID)
	}
	if f.From != nil {
		q = q.Where("timestamp >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("timestamp <= ?", *f.To)
	}

	var rows []eventRow
	if err := q.Order("timestamp DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	records := make([]*model.SecurityEvent, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toDomain())
	}
	return records, nil
}

// Cleanup deletes events older than the retention period.
func (r *PostgresEventRepo) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	res := r.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&eventRow{})
	return res.RowsAffected, res.Error
}
