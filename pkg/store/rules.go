package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Forwarding rule target types.
const (
	RuleTypeSyslog  = "SYSLOG"
	RuleTypeWebhook = "WEBHOOK"
)

// ForwardingRule routes persisted events to external syslog/webhook targets.
// Administrators manage the table; the forwarder reads a TTL-cached snapshot.
type ForwardingRule struct {
	ID              uint64    `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Type            string    `gorm:"column:type;not null" json:"type"`
	Endpoint        string    `gorm:"column:endpoint;not null" json:"endpoint"`
	Port            int       `gorm:"column:port" json:"port"`
	Secret          string    `gorm:"column:secret" json:"secret,omitempty"`
	Enabled         bool      `gorm:"column:enabled;not null" json:"enabled"`
	AcceptedDomains string    `gorm:"column:accepted_domains" json:"accepted_domains"`
	CreatedAt       time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (ForwardingRule) TableName() string {
	return "forwarding_rules"
}

// Accepts reports whether the rule's domain set includes the given domain.
// An empty set accepts nothing; rules must opt in explicitly.
func (r *ForwardingRule) Accepts(domain string) bool {
	for _, d := range strings.Split(r.AcceptedDomains, ",") {
		if strings.TrimSpace(d) == domain {
			return true
		}
	}
	return false
}

// Validate checks administrator input before persisting.
func (r *ForwardingRule) Validate() error {
	switch r.Type {
	case RuleTypeSyslog, RuleTypeWebhook:
	default:
		return fmt.Errorf("forwarding rule: invalid type %q", r.Type)
	}
	if r.Endpoint == "" {
		return fmt.Errorf("forwarding rule: missing endpoint")
	}
	if r.Type == RuleTypeSyslog && (r.Port <= 0 || r.Port > 65535) {
		return fmt.Errorf("forwarding rule: invalid port %d", r.Port)
	}
	return nil
}

// RuleRepository manages the forwarding-rule table.
type RuleRepository struct {
	db *gorm.DB
}

func NewRuleRepository(db *gorm.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

func (r *RuleRepository) Create(ctx context.Context, rule *ForwardingRule) error {
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if err := r.db.WithContext(ctx).Create(rule).Error; err != nil {
		return fmt.Errorf("create forwarding rule: %w", err)
	}
	return nil
}

func (r *RuleRepository) Update(ctx context.Context, rule *ForwardingRule) error {
	rule.UpdatedAt = time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&ForwardingRule{}).Where("id = ?", rule.ID).Updates(map[string]interface{}{
		"type":             rule.Type,
		"endpoint":         rule.Endpoint,
		"port":             rule.Port,
		"secret":           rule.Secret,
		"enabled":          rule.Enabled,
		"accepted_domains": rule.AcceptedDomains,
		"updated_at":       rule.UpdatedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("update forwarding rule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *RuleRepository) Delete(ctx context.Context, id uint64) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&ForwardingRule{})
	if res.Error != nil {
		return fmt.Errorf("delete forwarding rule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *RuleRepository) List(ctx context.Context) ([]ForwardingRule, error) {
	var rules []ForwardingRule
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("list forwarding rules: %w", err)
	}
	return rules, nil
}

// ListEnabled returns only the rules the forwarder should dispatch to.
func (r *RuleRepository) ListEnabled(ctx context.Context) ([]ForwardingRule, error) {
	var rules []ForwardingRule
	if err := r.db.WithContext(ctx).Where("enabled = ?", true).Order("id ASC").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("list enabled forwarding rules: %w", err)
	}
	return rules, nil
}
