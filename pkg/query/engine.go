// Package query implements the read-side reconciliation engine: it merges,
// deduplicates and paginates audit results drawn from the durable store and
// the streaming backend.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kumarabd/gokit/logger"

	"github.com/houyuxi012/auditplane/internal/metrics"
	"github.com/houyuxi012/auditplane/pkg/record"
	"github.com/houyuxi012/auditplane/pkg/store"
)

// Source modes of the unified query contract.
const (
	SourcePrimary = "primary"
	SourceStream  = "stream"
	SourceAll     = "all"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200

	// Window used for the stream query when the filters imply no explicit
	// range; the backend requires bounds and the durable store stays
	// authoritative beyond this horizon.
	defaultStreamWindow = 7 * 24 * time.Hour
)

// PrimarySource is the durable-store slice the engine reads from.
type PrimarySource interface {
	Find(ctx context.Context, f store.Filter, limit int) ([]store.AuditRow, error)
}

// StreamSource is the streaming-backend slice the engine reads from.
type StreamSource interface {
	QueryRange(ctx context.Context, selector string, start, end time.Time, limit int) ([][2]string, error)
}

// Params is the unified query contract shared by every audit domain.
type Params struct {
	Domain   string
	Action   string
	Actor    string
	Start    time.Time
	End      time.Time
	Source   string
	Page     int
	PageSize int
}

// Result is one page of the merged view.
type Result struct {
	Items    []record.Merged `json:"items"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// Engine reconciles the two backends into a single logical audit view.
type Engine struct {
	primary PrimarySource
	stream  StreamSource
	job     string
	log     *logger.Handler
	metric  *metrics.Handler
}

func NewEngine(primary PrimarySource, stream StreamSource, job string, log *logger.Handler, metric *metrics.Handler) *Engine {
	if job == "" {
		job = "audit"
	}
	return &Engine{primary: primary, stream: stream, job: job, log: log, metric: metric}
}

// Query runs the merge. Each selected source is over-fetched up to
// offset+page_size independently. When one source is much sparser than the
// other at a deep offset a page can under-represent true results; the
// windowing is intentional and matches the documented API behavior.
//
// Stream backend unavailability degrades the query to primary-only with a
// warning; it is never a hard error.
func (e *Engine) Query(ctx context.Context, p Params) (*Result, error) {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = defaultPageSize
	}
	if p.PageSize > maxPageSize {
		p.PageSize = maxPageSize
	}
	if p.Source == "" {
		p.Source = SourceAll
	}

	offset := (p.Page - 1) * p.PageSize
	fetchLimit := offset + p.PageSize

	includePrimary := p.Source == SourcePrimary || p.Source == SourceAll
	includeStream := p.Source == SourceStream || p.Source == SourceAll

	var streamItems []record.Merged
	if includeStream {
		items, err := e.fetchStream(ctx, p, fetchLimit)
		if err != nil {
			// Degrade to primary-only; stream data is not authoritative.
			e.metric.QueryDegradedTotal.Inc()
			if e.log != nil {
				e.log.Warn().Err(err).Msg("stream backend unavailable, degrading to primary-only")
			}
			includePrimary = true
		} else {
			streamItems = items
		}
	}

	var primaryItems []record.Merged
	if includePrimary {
		items, err := e.fetchPrimary(ctx, p, fetchLimit)
		if err != nil {
			e.metric.IncQuery(p.Source, "fail")
			return nil, fmt.Errorf("query primary store: %w", err)
		}
		primaryItems = items
	}

	merged := merge(primaryItems, streamItems)

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].NormalizedTS > merged[j].NormalizedTS
	})

	total := len(merged)
	start := offset
	if start > total {
		start = total
	}
	end := start + p.PageSize
	if end > total {
		end = total
	}

	e.metric.IncQuery(p.Source, "success")
	return &Result{
		Items:    merged[start:end],
		Total:    total,
		Page:     p.Page,
		PageSize: p.PageSize,
	}, nil
}

func (e *Engine) fetchPrimary(ctx context.Context, p Params, limit int) ([]record.Merged, error) {
	rows, err := e.primary.Find(ctx, store.Filter{
		Domain: p.Domain,
		Action: p.Action,
		Actor:  p.Actor,
		Start:  p.Start,
		End:    p.End,
	}, limit)
	if err != nil {
		return nil, err
	}

	items := make([]record.Merged, 0, len(rows))
	for i := range rows {
		rec := rows[i].Record()
		items = append(items, record.Merged{
			Record:       rec,
			EventID:      rows[i].EventID,
			Provenance:   record.ProvenancePrimary,
			NormalizedTS: record.EpochMillis(rows[i].At),
		})
	}
	return items, nil
}

func (e *Engine) fetchStream(ctx context.Context, p Params, limit int) ([]record.Merged, error) {
	end := p.End
	if end.IsZero() {
		end = time.Now()
	}
	start := p.Start
	if start.IsZero() {
		start = end.Add(-defaultStreamWindow)
	}

	values, err := e.stream.QueryRange(ctx, e.selector(p.Domain), start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", record.ErrStreamBackend, err)
	}

	items := make([]record.Merged, 0, len(values))
	for _, v := range values {
		var rec record.Record
		if err := json.Unmarshal([]byte(v[1]), &rec); err != nil {
			continue // malformed lines never break the merge
		}
		if !matchesFilters(&rec, p) {
			continue
		}
		ts := record.ParseEpochMillis(v[0])
		if ts == 0 {
			ts = record.EpochMillis(rec.Timestamp)
		}
		items = append(items, record.Merged{
			Record:       rec,
			Provenance:   record.ProvenanceStream,
			NormalizedTS: ts,
		})
	}
	return items, nil
}

func (e *Engine) selector(domain string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `{job=%q`, e.job)
	if domain != "" {
		fmt.Fprintf(&b, `,domain=%q`, domain)
	}
	b.WriteString("}")
	return b.String()
}

// The stream stores whole records as JSON lines, so label-level filtering
// only narrows by domain; the remaining filters apply here.
func matchesFilters(rec *record.Record, p Params) bool {
	if p.Action != "" && rec.Action != p.Action {
		return false
	}
	if p.Actor != "" && rec.UserID != p.Actor && rec.Username != p.Actor {
		return false
	}
	return true
}

// merge builds the dedup map. The primary store is the source of truth: when
// a key appears in both sources the primary version wins and its provenance
// is upgraded; keys unique to one source keep that source's provenance.
func merge(primary, stream []record.Merged) []record.Merged {
	index := make(map[string]int, len(primary)+len(stream))
	out := make([]record.Merged, 0, len(primary)+len(stream))

	for i := range primary {
		key := record.MergeKey(&primary[i].Record, primary[i].NormalizedTS)
		if _, ok := index[key]; ok {
			continue
		}
		index[key] = len(out)
		out = append(out, primary[i])
	}

	for i := range stream {
		key := record.MergeKey(&stream[i].Record, stream[i].NormalizedTS)
		if at, ok := index[key]; ok {
			if out[at].Provenance == record.ProvenancePrimary {
				out[at].Provenance = record.ProvenanceBoth
			}
			continue
		}
		index[key] = len(out)
		out = append(out, stream[i])
	}

	return out
}
