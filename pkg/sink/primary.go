package sink

import (
	"context"
	"fmt"

	"github.com/houyuxi012/auditplane/internal/metrics"
	"github.com/houyuxi012/auditplane/pkg/record"
	"github.com/houyuxi012/auditplane/pkg/store"
)

// AuditInserter is the slice of the store the primary sink needs.
type AuditInserter interface {
	Insert(ctx context.Context, row *store.AuditRow) error
}

// PrimarySink writes records synchronously into the durable store. Its
// failure is the only one visible to the business operation that triggered
// the log; the caller decides whether to roll back its own transaction.
type PrimarySink struct {
	repo   AuditInserter
	metric *metrics.Handler
}

func NewPrimarySink(repo AuditInserter, metric *metrics.Handler) *PrimarySink {
	return &PrimarySink{repo: repo, metric: metric}
}

func (s *PrimarySink) Emit(ctx context.Context, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		s.metric.IncWrite("invalid")
		return fmt.Errorf("%w: %v", record.ErrPrimaryWrite, err)
	}
	row := store.RowFromRecord(rec)
	if err := s.repo.Insert(ctx, &row); err != nil {
		s.metric.IncWrite("fail")
		return fmt.Errorf("%w: %v", record.ErrPrimaryWrite, err)
	}
	s.metric.IncWrite("success")
	return nil
}

func (s *PrimarySink) Close(ctx context.Context) error {
	return nil
}
