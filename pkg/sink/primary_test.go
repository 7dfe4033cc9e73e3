package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houyuxi012/auditplane/pkg/record"
	"github.com/houyuxi012/auditplane/pkg/store"
)

type fakeInserter struct {
	rows []store.AuditRow
	err  error
}

func (f *fakeInserter) Insert(ctx context.Context, row *store.AuditRow) error {
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, *row)
	return nil
}

func TestPrimarySinkEmit(t *testing.T) {
	repo := &fakeInserter{}
	s := NewPrimarySink(repo, testMetrics(t))

	rec := testRecord(record.DomainBusiness, "CREATE_NEWS")
	require.NoError(t, s.Emit(context.Background(), rec))

	require.Len(t, repo.rows, 1)
	assert.NotEmpty(t, repo.rows[0].EventID)
	assert.Equal(t, "CREATE_NEWS", repo.rows[0].Action)
	assert.False(t, repo.rows[0].At.IsZero())
}

func TestPrimarySinkRejectsInvalid(t *testing.T) {
	repo := &fakeInserter{}
	s := NewPrimarySink(repo, testMetrics(t))

	err := s.Emit(context.Background(), &record.Record{Domain: record.DomainBusiness})
	require.Error(t, err)
	assert.ErrorIs(t, err, record.ErrPrimaryWrite)
	assert.Empty(t, repo.rows)
}

func TestPrimarySinkInsertFailure(t *testing.T) {
	repo := &fakeInserter{err: errors.New("disk full")}
	s := NewPrimarySink(repo, testMetrics(t))

	err := s.Emit(context.Background(), testRecord(record.DomainBusiness, "CREATE_NEWS"))
	require.Error(t, err)
	assert.ErrorIs(t, err, record.ErrPrimaryWrite)
	assert.Contains(t, err.Error(), "disk full")
}
