package archiver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/kumarabd/gokit/logger"

	"github.com/houyuxi012/auditplane/internal/metrics"
	"github.com/houyuxi012/auditplane/pkg/record"
	"github.com/houyuxi012/auditplane/pkg/sink"
	"github.com/houyuxi012/auditplane/pkg/store"
)

// Repository is the slice of the durable store the archiver needs.
type Repository interface {
	CountExpired(ctx context.Context, cutoff time.Time) (int64, error)
	FindExpired(ctx context.Context, cutoff time.Time, limit int) ([]store.AuditRow, error)
	DeleteByEventIDs(ctx context.Context, eventIDs []string) error
}

// Config contains configuration for the retention archiver.
type Config struct {
	Interval      time.Duration `json:"interval" yaml:"interval" default:"24h"`
	RetentionDays int           `json:"retention_days" yaml:"retention_days" default:"180"`
	BatchSize     int           `json:"batch_size" yaml:"batch_size" default:"1000"`
	KeyPrefix     string        `json:"key_prefix" yaml:"key_prefix" default:"audit"`
}

const minInterval = 5 * time.Minute

// Summary reports what a single archiver run did.
type Summary struct {
	Cutoff   time.Time
	Batches  int
	Exported int
	Deleted  int
}

// Archiver periodically moves rows older than the retention window out of
// the durable store into the cold object store. Rows are deleted only after
// their archive object is confirmed uploaded, so an interrupted run leaves
// rows in place and the next run picks them up again.
type Archiver struct {
	cfg       Config
	repo      Repository
	cold      ObjectStore
	audit     sink.Sink
	retention func() int
	log       *logger.Handler
	metric    *metrics.Handler

	now func() time.Time

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce func()
}

// NewArchiver builds an archiver. retention is re-read at the start of every
// run so live reconfiguration takes effect without a restart; pass nil to pin
// the value from cfg.
func NewArchiver(cfg Config, repo Repository, cold ObjectStore, audit sink.Sink, retention func() int, log *logger.Handler, metric *metrics.Handler) *Archiver {
	if cfg.Interval < minInterval {
		if cfg.Interval <= 0 {
			cfg.Interval = 24 * time.Hour
		} else {
			cfg.Interval = minInterval
		}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "audit"
	}
	if retention == nil {
		days := cfg.RetentionDays
		retention = func() int { return days }
	}
	a := &Archiver{
		cfg:       cfg,
		repo:      repo,
		cold:      cold,
		audit:     audit,
		retention: retention,
		log:       log,
		metric:    metric,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	var once bool
	a.closeOnce = func() {
		if !once {
			once = true
			close(a.stopCh)
		}
	}
	return a
}

// Start launches the periodic loop. The first run happens after one interval,
// not immediately, so startup is not serialized behind a potentially large
// backlog.
func (a *Archiver) Start() {
	go func() {
		defer close(a.doneCh)
		ticker := time.NewTicker(a.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := a.RunOnce(context.Background()); err != nil && a.log != nil {
					a.log.Error().Err(err).Msg("archiver run failed")
				}
			case <-a.stopCh:
				return
			}
		}
	}()
}

// Close stops the loop. A run already in progress finishes its current batch;
// shutdown is observed between runs.
func (a *Archiver) Close(ctx context.Context) error {
	a.closeOnce()
	select {
	case <-a.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single archive pass over all expired rows.
func (a *Archiver) RunOnce(ctx context.Context) (Summary, error) {
	days := a.retention()
	if days <= 0 {
		// Retention disabled, rows are kept forever.
		a.metric.IncArchiveRun("noop")
		return Summary{}, nil
	}

	now := a.now().UTC()
	sum := Summary{Cutoff: now.AddDate(0, 0, -days)}

	count, err := a.repo.CountExpired(ctx, sum.Cutoff)
	if err != nil {
		a.metric.IncArchiveRun("fail")
		return sum, fmt.Errorf("%w: counting expired rows: %v", record.ErrArchiveExport, err)
	}
	if count == 0 {
		a.metric.IncArchiveRun("noop")
		return sum, nil
	}

	runStamp := now.Format("20060102T150405Z")
	for {
		select {
		case <-a.stopCh:
			a.metric.IncArchiveRun("interrupted")
			return sum, nil
		case <-ctx.Done():
			a.metric.IncArchiveRun("interrupted")
			return sum, ctx.Err()
		default:
		}

		rows, err := a.repo.FindExpired(ctx, sum.Cutoff, a.cfg.BatchSize)
		if err != nil {
			a.metric.IncArchiveRun("fail")
			return sum, fmt.Errorf("%w: loading expired rows: %v", record.ErrArchiveExport, err)
		}
		if len(rows) == 0 {
			break
		}

		key := fmt.Sprintf("%s/%s/audit-%s-%04d.ndjson.gz", a.cfg.KeyPrefix, sum.Cutoff.Format("2006-01-02"), runStamp, sum.Batches)
		body, err := encodeBatch(rows)
		if err != nil {
			a.metric.IncArchiveRun("fail")
			return sum, fmt.Errorf("%w: encoding batch: %v", record.ErrArchiveExport, err)
		}

		if err := a.cold.Put(ctx, key, body); err != nil {
			a.metric.IncArchiveRun("fail")
			a.reportFailure(key, err)
			return sum, fmt.Errorf("%w: uploading %s: %v", record.ErrArchiveExport, key, err)
		}
		sum.Exported += len(rows)
		a.metric.ArchiveRowsExported.Add(float64(len(rows)))

		ids := make([]string, 0, len(rows))
		for i := range rows {
			ids = append(ids, rows[i].EventID)
		}
		if err := a.repo.DeleteByEventIDs(ctx, ids); err != nil {
			// The object is already uploaded; re-archiving these rows on the
			// next run duplicates objects but never loses data.
			a.metric.IncArchiveRun("fail")
			return sum, fmt.Errorf("%w: deleting archived rows: %v", record.ErrArchiveExport, err)
		}
		sum.Deleted += len(rows)
		sum.Batches++
		a.metric.ArchiveRowsDeleted.Add(float64(len(rows)))
	}

	a.metric.IncArchiveRun("success")
	if a.log != nil {
		a.log.Info().
			Int("exported", sum.Exported).
			Int("batches", sum.Batches).
			Str("cutoff", sum.Cutoff.Format(time.RFC3339)).
			Msg("archive run complete")
	}
	return sum, nil
}

// reportFailure writes an audit entry for a failed upload so the failure is
// visible through the normal query surface.
func (a *Archiver) reportFailure(key string, cause error) {
	if a.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := record.Record{
		Timestamp:     a.now().UTC(),
		Domain:        record.DomainSystem,
		Action:        "ARCHIVE_EXPORT",
		Status:        record.StatusFail,
		SourceSubtype: "archiver",
		TargetType:    "archive_object",
		TargetID:      key,
		Detail:        cause.Error(),
	}
	if err := a.audit.Emit(ctx, &rec); err != nil && a.log != nil {
		a.log.Warn().Err(err).Msg("recording archive failure")
	}
}

type exportLine struct {
	EventID string `json:"event_id"`
	record.Record
}

// encodeBatch renders rows as gzip-compressed NDJSON, one object per row.
func encodeBatch(rows []store.AuditRow) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for i := range rows {
		line := exportLine{EventID: rows[i].EventID, Record: rows[i].Record()}
		if err := enc.Encode(&line); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
