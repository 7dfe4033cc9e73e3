package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/houyuxi012/auditplane/migrations"
	"github.com/houyuxi012/auditplane/pkg/record"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, migrations.Up(context.Background(), sqlDB))
	return db
}

func insertRecord(t *testing.T, repo *AuditRepository, rec record.Record) AuditRow {
	t.Helper()
	row := RowFromRecord(&rec)
	require.NoError(t, repo.Insert(context.Background(), &row))
	return row
}

func TestInsertAndFind(t *testing.T) {
	repo := NewAuditRepository(openTestDB(t))
	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	insertRecord(t, repo, record.Record{
		Timestamp: at,
		Domain:    record.DomainBusiness,
		Action:    "CREATE_NEWS",
		Status:    record.StatusSuccess,
		UserID:    "u1",
		Username:  "alice",
	})
	insertRecord(t, repo, record.Record{
		Timestamp: at.Add(time.Minute),
		Domain:    record.DomainIAM,
		Action:    "LOGIN",
		Status:    record.StatusFail,
		UserID:    "u2",
	})

	rows, err := repo.Find(context.Background(), Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// Newest first.
	assert.Equal(t, "LOGIN", rows[0].Action)

	rows, err = repo.Find(context.Background(), Filter{Domain: record.DomainBusiness}, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "CREATE_NEWS", rows[0].Action)

	// Actor matches user id or username.
	rows, err = repo.Find(context.Background(), Filter{Actor: "alice"}, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "u1", rows[0].UserID)
}

func TestFindTimeRange(t *testing.T) {
	repo := NewAuditRepository(openTestDB(t))
	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		insertRecord(t, repo, record.Record{
			Timestamp: at.Add(time.Duration(i) * time.Hour),
			Domain:    record.DomainBusiness,
			Action:    "CREATE_NEWS",
			Status:    record.StatusSuccess,
		})
	}

	rows, err := repo.Find(context.Background(), Filter{
		Start: at.Add(time.Hour),
		End:   at.Add(3 * time.Hour),
	}, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestRowRecordRoundTrip(t *testing.T) {
	repo := NewAuditRepository(openTestDB(t))
	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	insertRecord(t, repo, record.Record{
		TraceID:    "t-1",
		Timestamp:  at,
		Domain:     record.DomainAI,
		Action:     "CHAT_COMPLETION",
		Status:     record.StatusSuccess,
		Provider:   "openai",
		Model:      "gpt-4o",
		TokensIn:   120,
		TokensOut:  480,
		LatencyMS:  900,
		PolicyHits: []string{"pii", "credential"},
		PromptHash: "abc123",
		Extra:      map[string]string{"region": "eu-west-1"},
	})

	rows, err := repo.Find(context.Background(), Filter{Domain: record.DomainAI}, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	rec := rows[0].Record()
	assert.Equal(t, "t-1", rec.TraceID)
	assert.True(t, rec.Timestamp.Equal(at), "timestamp survived the round trip")
	assert.Equal(t, 480, rec.TokensOut)
	assert.Equal(t, []string{"pii", "credential"}, rec.PolicyHits)
	assert.Equal(t, "abc123", rec.PromptHash)
	assert.Equal(t, map[string]string{"region": "eu-west-1"}, rec.Extra)
}

func TestExpiryLifecycle(t *testing.T) {
	repo := NewAuditRepository(openTestDB(t))
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	cutoff := now.AddDate(0, 0, -180)

	old := insertRecord(t, repo, record.Record{
		Timestamp: now.AddDate(0, 0, -200),
		Domain:    record.DomainBusiness,
		Action:    "CREATE_NEWS",
		Status:    record.StatusSuccess,
	})
	insertRecord(t, repo, record.Record{
		Timestamp: now.AddDate(0, 0, -10),
		Domain:    record.DomainBusiness,
		Action:    "CREATE_NEWS",
		Status:    record.StatusSuccess,
	})

	n, err := repo.CountExpired(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	expired, err := repo.FindExpired(context.Background(), cutoff, 100)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.EventID, expired[0].EventID)

	require.NoError(t, repo.DeleteByEventIDs(context.Background(), []string{old.EventID}))

	n, err = repo.CountExpired(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)

	rows, err := repo.Find(context.Background(), Filter{}, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRuleRepositoryCRUD(t *testing.T) {
	repo := NewRuleRepository(openTestDB(t))
	ctx := context.Background()

	rule := ForwardingRule{
		Type:            RuleTypeWebhook,
		Endpoint:        "https://siem.internal/hook",
		Secret:          "s",
		Enabled:         true,
		AcceptedDomains: "IAM",
	}
	require.NoError(t, repo.Create(ctx, &rule))
	require.NotZero(t, rule.ID)

	disabled := ForwardingRule{
		Type:     RuleTypeSyslog,
		Endpoint: "10.0.0.1",
		Port:     514,
		Enabled:  false,
	}
	require.NoError(t, repo.Create(ctx, &disabled))

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := repo.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, rule.ID, enabled[0].ID)

	rule.Enabled = false
	require.NoError(t, repo.Update(ctx, &rule))
	enabled, err = repo.ListEnabled(ctx)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	require.NoError(t, repo.Delete(ctx, rule.ID))
	assert.ErrorIs(t, repo.Delete(ctx, rule.ID), gorm.ErrRecordNotFound)
	assert.ErrorIs(t, repo.Update(ctx, &rule), gorm.ErrRecordNotFound)
}

func TestRuleValidate(t *testing.T) {
	cases := []struct {
		name string
		rule ForwardingRule
		ok   bool
	}{
		{"webhook", ForwardingRule{Type: RuleTypeWebhook, Endpoint: "https://x"}, true},
		{"syslog", ForwardingRule{Type: RuleTypeSyslog, Endpoint: "10.0.0.1", Port: 514}, true},
		{"bad type", ForwardingRule{Type: "KAFKA", Endpoint: "x"}, false},
		{"no endpoint", ForwardingRule{Type: RuleTypeWebhook}, false},
		{"bad port", ForwardingRule{Type: RuleTypeSyslog, Endpoint: "10.0.0.1", Port: 0}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rule.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
