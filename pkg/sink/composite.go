package sink

import (
	"context"
	"sync"
	"time"

	"github.com/kumarabd/gokit/logger"

	"github.com/houyuxi012/auditplane/internal/metrics"
	"github.com/houyuxi012/auditplane/pkg/record"
)

// CompositeConfig contains configuration for the composite sink's mirror
// dispatch pool.
type CompositeConfig struct {
	QueueSize       int           `json:"queue_size" yaml:"queue_size" default:"1024"`
	Workers         int           `json:"workers" yaml:"workers" default:"4"`
	DispatchTimeout time.Duration `json:"dispatch_timeout" yaml:"dispatch_timeout" default:"5s"`
}

type mirrorDispatch struct {
	sink Sink
	rec  *record.Record
}

// CompositeSink orchestrates one required primary sink and zero or more
// best-effort mirrors. Only the primary's outcome is visible to callers:
// a primary failure short-circuits before any mirror sees the record, and a
// mirror failure or panic never alters the already-returned result.
//
// Mirror dispatch runs on a bounded worker pool fed by a fixed-capacity
// queue; when the queue is full the dispatch is dropped and counted
// (reject-new) rather than spawning unbounded tasks.
type CompositeSink struct {
	primary Sink
	mirrors []Sink
	log     *logger.Handler
	metric  *metrics.Handler

	queue   chan mirrorDispatch
	timeout time.Duration
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewCompositeSink(cfg CompositeConfig, primary Sink, mirrors []Sink, log *logger.Handler, metric *metrics.Handler) *CompositeSink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 5 * time.Second
	}

	s := &CompositeSink{
		primary: primary,
		mirrors: mirrors,
		log:     log,
		metric:  metric,
		queue:   make(chan mirrorDispatch, cfg.QueueSize),
		timeout: cfg.DispatchTimeout,
	}

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	return s
}

// Emit awaits the primary write, then hands the record to each mirror as a
// detached, isolated dispatch. The primary write happens-before any mirror
// dispatch is initiated.
func (s *CompositeSink) Emit(ctx context.Context, rec *record.Record) error {
	if err := s.primary.Emit(ctx, rec); err != nil {
		return err
	}

	// The mutex also orders enqueues against Close closing the queue.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	for _, m := range s.mirrors {
		select {
		case s.queue <- mirrorDispatch{sink: m, rec: rec}:
		default:
			s.metric.IncMirrorDropped("dispatch_queue_full")
		}
	}
	return nil
}

func (s *CompositeSink) worker() {
	defer s.wg.Done()
	for d := range s.queue {
		s.dispatch(d)
	}
}

// dispatch isolates one mirror: an error is swallowed (the mirror already
// counted it) and a panic must not escape past the composite boundary.
func (s *CompositeSink) dispatch(d mirrorDispatch) {
	defer func() {
		if r := recover(); r != nil {
			s.metric.IncMirrorDropped("panic")
			if s.log != nil {
				s.log.Error().Interface("panic", r).Msg("mirror dispatch panicked")
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_ = d.sink.Emit(ctx, d.rec)
}

// Close drains the dispatch queue, then closes the mirrors and finally the
// primary. Mirrors flush their remaining buffers during their own Close.
func (s *CompositeSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.queue)
	s.wg.Wait()

	var firstErr error
	for _, m := range s.mirrors {
		if err := m.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.primary.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
