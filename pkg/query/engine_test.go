package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houyuxi012/auditplane/internal/metrics"
	"github.com/houyuxi012/auditplane/pkg/record"
	"github.com/houyuxi012/auditplane/pkg/store"
)

type fakePrimary struct {
	rows []store.AuditRow
	err  error
}

func (f *fakePrimary) Find(ctx context.Context, _ store.Filter, limit int) ([]store.AuditRow, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > len(f.rows) {
		limit = len(f.rows)
	}
	return f.rows[:limit], nil
}

type fakeStream struct {
	values [][2]string
	err    error
}

func (f *fakeStream) QueryRange(ctx context.Context, selector string, start, end time.Time, limit int) ([][2]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > len(f.values) {
		limit = len(f.values)
	}
	return f.values[:limit], nil
}

func testMetrics(t *testing.T) *metrics.Handler {
	t.Helper()
	m, err := metrics.New("test")
	require.NoError(t, err)
	return m
}

func primaryRow(traceID, action string, at time.Time) store.AuditRow {
	rec := record.Record{
		TraceID:   traceID,
		Timestamp: at,
		Domain:    record.DomainBusiness,
		Action:    action,
		Status:    record.StatusSuccess,
		UserID:    "u1",
		Detail:    "primary detail",
	}
	row := store.RowFromRecord(&rec)
	return row
}

func streamValue(traceID, action string, at time.Time) [2]string {
	rec := record.Record{
		TraceID:   traceID,
		Timestamp: at,
		Domain:    record.DomainBusiness,
		Action:    action,
		Status:    record.StatusSuccess,
		UserID:    "u1",
		Detail:    "stream detail",
	}
	line, _ := json.Marshal(rec)
	return [2]string{strconv.FormatInt(at.UnixNano(), 10), string(line)}
}

func TestQueryMergeProvenance(t *testing.T) {
	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	primary := &fakePrimary{rows: []store.AuditRow{
		primaryRow("t-1", "CREATE_NEWS", at),
		primaryRow("t-2", "DELETE_NEWS", at.Add(-time.Minute)),
	}}
	stream := &fakeStream{values: [][2]string{
		streamValue("t-1", "CREATE_NEWS", at.Add(2*time.Second)), // same trace, later ts
		streamValue("t-3", "UPDATE_NEWS", at.Add(-2*time.Minute)),
	}}

	e := NewEngine(primary, stream, "audit", nil, testMetrics(t))
	res, err := e.Query(context.Background(), Params{Source: SourceAll, Page: 1, PageSize: 10})
	require.NoError(t, err)

	require.Equal(t, 3, res.Total)
	require.Len(t, res.Items, 3)

	byAction := map[string]record.Merged{}
	for _, it := range res.Items {
		byAction[it.Action] = it
	}

	// Shared trace key: merged, primary fields win, provenance upgraded.
	both := byAction["CREATE_NEWS"]
	assert.Equal(t, record.ProvenanceBoth, both.Provenance)
	assert.Equal(t, "primary detail", both.Detail)
	assert.NotEmpty(t, both.EventID)

	assert.Equal(t, record.ProvenancePrimary, byAction["DELETE_NEWS"].Provenance)
	assert.Equal(t, record.ProvenanceStream, byAction["UPDATE_NEWS"].Provenance)

	// Sorted by normalized epoch descending.
	assert.Equal(t, "CREATE_NEWS", res.Items[0].Action)
	assert.Equal(t, "UPDATE_NEWS", res.Items[2].Action)
}

func TestQueryMinuteBucketDedup(t *testing.T) {
	at := time.Date(2026, 8, 26, 10, 0, 10, 0, time.UTC)

	p := primaryRow("", "LOGIN", at)
	s := streamValue("", "LOGIN", at.Add(20*time.Second)) // same minute, no trace

	e := NewEngine(&fakePrimary{rows: []store.AuditRow{p}}, &fakeStream{values: [][2]string{s}}, "audit", nil, testMetrics(t))
	res, err := e.Query(context.Background(), Params{Source: SourceAll, Page: 1, PageSize: 10})
	require.NoError(t, err)

	require.Equal(t, 1, res.Total)
	assert.Equal(t, record.ProvenanceBoth, res.Items[0].Provenance)
}

func TestQueryPagination(t *testing.T) {
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	rows := make([]store.AuditRow, 0, 25)
	for i := 0; i < 25; i++ {
		// Distinct trace ids keep all 25 as separate merge keys.
		rows = append(rows, primaryRow(fmt.Sprintf("t-%d", i), fmt.Sprintf("ACTION_%d", i), base.Add(-time.Duration(i)*time.Minute)))
	}

	e := NewEngine(&fakePrimary{rows: rows}, &fakeStream{}, "audit", nil, testMetrics(t))
	res, err := e.Query(context.Background(), Params{Source: SourcePrimary, Page: 3, PageSize: 10})
	require.NoError(t, err)

	assert.Equal(t, 25, res.Total)
	require.Len(t, res.Items, 5)
	assert.Equal(t, "ACTION_20", res.Items[0].Action)
	assert.Equal(t, "ACTION_24", res.Items[4].Action)
	assert.Equal(t, 3, res.Page)
	assert.Equal(t, 10, res.PageSize)
}

func TestQueryDegradesWhenStreamUnavailable(t *testing.T) {
	at := time.Now().UTC()
	primary := &fakePrimary{rows: []store.AuditRow{primaryRow("t-1", "LOGIN", at)}}
	stream := &fakeStream{err: errors.New("connection refused")}

	e := NewEngine(primary, stream, "audit", nil, testMetrics(t))

	// All-mode degrades to primary results.
	res, err := e.Query(context.Background(), Params{Source: SourceAll, Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, record.ProvenancePrimary, res.Items[0].Provenance)

	// Stream-only mode falls back to the primary store rather than erroring.
	res, err = e.Query(context.Background(), Params{Source: SourceStream, Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
}

func TestQueryPrimaryFailureIsAnError(t *testing.T) {
	e := NewEngine(&fakePrimary{err: errors.New("disk io")}, &fakeStream{}, "audit", nil, testMetrics(t))
	_, err := e.Query(context.Background(), Params{Source: SourcePrimary, Page: 1, PageSize: 10})
	require.Error(t, err)
}

func TestQueryMalformedStreamLinesSkipped(t *testing.T) {
	at := time.Now().UTC()
	stream := &fakeStream{values: [][2]string{
		{"not-a-ts", "{broken json"},
		streamValue("t-1", "CHAT", at),
	}}

	e := NewEngine(&fakePrimary{}, stream, "audit", nil, testMetrics(t))
	res, err := e.Query(context.Background(), Params{Source: SourceStream, Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "CHAT", res.Items[0].Action)
}

func TestQueryRoundTripPreservesFields(t *testing.T) {
	at := time.Date(2026, 8, 26, 9, 30, 0, 0, time.UTC)
	rec := record.Record{
		TraceID:   "t-rt",
		Timestamp: at,
		Domain:    record.DomainIAM,
		Action:    "RESET_PASSWORD",
		Status:    record.StatusFail,
		UserID:    "u42",
		Username:  "wei.zhang",
		IP:        "<ipv4>",
	}
	row := store.RowFromRecord(&rec)

	e := NewEngine(&fakePrimary{rows: []store.AuditRow{row}}, &fakeStream{}, "audit", nil, testMetrics(t))
	res, err := e.Query(context.Background(), Params{Source: SourcePrimary, Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)

	got := res.Items[0]
	assert.Equal(t, "RESET_PASSWORD", got.Action)
	assert.Equal(t, record.StatusFail, got.Status)
	assert.Equal(t, "u42", got.UserID)
	assert.Equal(t, "wei.zhang", got.Username)
}

func TestSelector(t *testing.T) {
	e := NewEngine(&fakePrimary{}, &fakeStream{}, "audit", nil, testMetrics(t))
	assert.Equal(t, `{job="audit"}`, e.selector(""))
	assert.Equal(t, `{job="audit",domain="AI"}`, e.selector(record.DomainAI))
}
