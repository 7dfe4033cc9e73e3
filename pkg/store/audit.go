package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/houyuxi012/auditplane/pkg/record"
)

// AuditRow is the persisted form of a record. It adds the generated,
// irreversible fields; raw sensitive content and credentials never reach it.
type AuditRow struct {
	ID            uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	EventID       string    `gorm:"column:event_id;not null;uniqueIndex"`
	TraceID       string    `gorm:"column:trace_id;index"`
	At            time.Time `gorm:"column:at;not null;index"`
	Level         string    `gorm:"column:level"`
	Domain        string    `gorm:"column:domain;not null;index"`
	Action        string    `gorm:"column:action;not null"`
	Status        string    `gorm:"column:status;not null"`
	SourceSubtype string    `gorm:"column:source_subtype"`

	UserID   string `gorm:"column:user_id;index"`
	Username string `gorm:"column:username"`
	IP       string `gorm:"column:ip"`

	TargetType string `gorm:"column:target_type"`
	TargetID   string `gorm:"column:target_id"`
	Detail     string `gorm:"column:detail"`

	Provider   string `gorm:"column:provider"`
	Model      string `gorm:"column:model"`
	TokensIn   int    `gorm:"column:tokens_in"`
	TokensOut  int    `gorm:"column:tokens_out"`
	LatencyMS  int64  `gorm:"column:latency_ms"`
	PolicyHits string `gorm:"column:policy_hits"`

	Path       string `gorm:"column:path"`
	Method     string `gorm:"column:method"`
	StatusCode int    `gorm:"column:status_code"`
	UserAgent  string `gorm:"column:user_agent"`

	PromptHash            string `gorm:"column:prompt_hash"`
	OutputHash            string `gorm:"column:output_hash"`
	CredentialFingerprint string `gorm:"column:credential_fingerprint"`
	Preview               string `gorm:"column:preview"`

	Extra string `gorm:"column:extra"`
}

func (AuditRow) TableName() string {
	return "audit_logs"
}

// RowFromRecord builds the persisted row, assigning the event id.
func RowFromRecord(r *record.Record) AuditRow {
	at := r.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	row := AuditRow{
		EventID:       uuid.NewString(),
		TraceID:       r.TraceID,
		At:            at.UTC(),
		Level:         r.Level,
		Domain:        r.Domain,
		Action:        r.Action,
		Status:        r.Status,
		SourceSubtype: r.SourceSubtype,

		UserID:   r.UserID,
		Username: r.Username,
		IP:       r.IP,

		TargetType: r.TargetType,
		TargetID:   r.TargetID,
		Detail:     r.Detail,

		Provider:   r.Provider,
		Model:      r.Model,
		TokensIn:   r.TokensIn,
		TokensOut:  r.TokensOut,
		LatencyMS:  r.LatencyMS,
		PolicyHits: strings.Join(r.PolicyHits, ","),

		Path:       r.Path,
		Method:     r.Method,
		StatusCode: r.StatusCode,
		UserAgent:  r.UserAgent,

		PromptHash:            r.PromptHash,
		OutputHash:            r.OutputHash,
		CredentialFingerprint: r.CredentialFingerprint,
		Preview:               r.Preview,
	}
	if len(r.Extra) > 0 {
		if raw, err := json.Marshal(r.Extra); err == nil {
			row.Extra = string(raw)
		}
	}
	return row
}

// Record converts a persisted row back to the canonical form.
func (row *AuditRow) Record() record.Record {
	rec := record.Record{
		TraceID:       row.TraceID,
		Timestamp:     row.At.UTC(),
		Level:         row.Level,
		Domain:        row.Domain,
		Action:        row.Action,
		Status:        row.Status,
		SourceSubtype: row.SourceSubtype,

		UserID:   row.UserID,
		Username: row.Username,
		IP:       row.IP,

		TargetType: row.TargetType,
		TargetID:   row.TargetID,
		Detail:     row.Detail,

		Provider:  row.Provider,
		Model:     row.Model,
		TokensIn:  row.TokensIn,
		TokensOut: row.TokensOut,
		LatencyMS: row.LatencyMS,

		Path:       row.Path,
		Method:     row.Method,
		StatusCode: row.StatusCode,
		UserAgent:  row.UserAgent,

		PromptHash:            row.PromptHash,
		OutputHash:            row.OutputHash,
		CredentialFingerprint: row.CredentialFingerprint,
		Preview:               row.Preview,
	}
	if row.PolicyHits != "" {
		rec.PolicyHits = strings.Split(row.PolicyHits, ",")
	}
	if row.Extra != "" {
		extra := map[string]string{}
		if err := json.Unmarshal([]byte(row.Extra), &extra); err == nil {
			rec.Extra = extra
		}
	}
	return rec
}

// Filter narrows audit queries. Zero values mean "any".
type Filter struct {
	Domain string
	Action string
	Actor  string // matches user id or username
	Start  time.Time
	End    time.Time
}

// AuditRepository persists and reads canonical audit rows.
type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Insert writes one row inside its own transaction.
func (r *AuditRepository) Insert(ctx context.Context, row *AuditRow) error {
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// Find returns up to limit matching rows, newest first.
func (r *AuditRepository) Find(ctx context.Context, f Filter, limit int) ([]AuditRow, error) {
	q := r.db.WithContext(ctx).Model(&AuditRow{})
	if f.Domain != "" {
		q = q.Where("domain = ?", f.Domain)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.Actor != "" {
		q = q.Where("user_id = ? OR username = ?", f.Actor, f.Actor)
	}
	if !f.Start.IsZero() {
		q = q.Where("at >= ?", f.Start.UTC())
	}
	if !f.End.IsZero() {
		q = q.Where("at <= ?", f.End.UTC())
	}
	var rows []AuditRow
	if err := q.Order("at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find audit rows: %w", err)
	}
	return rows, nil
}

// CountExpired counts rows older than cutoff.
func (r *AuditRepository) CountExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&AuditRow{}).Where("at < ?", cutoff.UTC()).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count expired rows: %w", err)
	}
	return n, nil
}

// FindExpired returns the oldest batch of rows past the cutoff.
func (r *AuditRepository) FindExpired(ctx context.Context, cutoff time.Time, limit int) ([]AuditRow, error) {
	var rows []AuditRow
	err := r.db.WithContext(ctx).
		Where("at < ?", cutoff.UTC()).
		Order("at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("find expired rows: %w", err)
	}
	return rows, nil
}

// DeleteByEventIDs removes one exported batch inside a transaction.
func (r *AuditRepository) DeleteByEventIDs(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Where("event_id IN ?", eventIDs).Delete(&AuditRow{}).Error
	})
	if err != nil {
		return fmt.Errorf("delete archived rows: %w", err)
	}
	return nil
}
