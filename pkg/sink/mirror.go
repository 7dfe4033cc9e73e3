package sink

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/kumarabd/gokit/logger"

	"github.com/houyuxi012/auditplane/internal/metrics"
	"github.com/houyuxi012/auditplane/pkg/loki"
	"github.com/houyuxi012/auditplane/pkg/record"
)

// StreamPusher is the slice of the streaming backend client the mirror needs.
type StreamPusher interface {
	Push(ctx context.Context, streams []loki.Stream) error
}

// MirrorConfig contains configuration for one mirror sink.
type MirrorConfig struct {
	Job           string        `json:"job" yaml:"job" default:"audit"`
	BufferSize    int           `json:"buffer_size" yaml:"buffer_size" default:"200"`
	MaxBuffered   int           `json:"max_buffered" yaml:"max_buffered" default:"10000"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval" default:"2s"`
	PushTimeout   time.Duration `json:"push_timeout" yaml:"push_timeout" default:"5s"`
}

// MirrorSink buffers records in memory and pushes them to the streaming
// backend in label-indexed batches. Emit never blocks the caller and never
// reports failure; a push that fails after retries is dropped with a warning
// and a counter. Close stops the timer and performs one final flush.
type MirrorSink struct {
	pusher StreamPusher
	cfg    MirrorConfig
	log    *logger.Handler
	metric *metrics.Handler

	mu  sync.Mutex
	buf []*record.Record

	flushCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once
}

func NewMirrorSink(cfg MirrorConfig, pusher StreamPusher, log *logger.Handler, metric *metrics.Handler) *MirrorSink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 200
	}
	if cfg.MaxBuffered < cfg.BufferSize {
		cfg.MaxBuffered = cfg.BufferSize * 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 5 * time.Second
	}

	s := &MirrorSink{
		pusher:  pusher,
		cfg:     cfg,
		log:     log,
		metric:  metric,
		buf:     make([]*record.Record, 0, cfg.BufferSize),
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// Emit appends to the buffer and returns immediately. When the buffer is at
// its hard cap the new record is dropped (reject-new backpressure); when it
// reaches the flush threshold a flush is signalled without waiting for the
// interval timer.
func (s *MirrorSink) Emit(ctx context.Context, rec *record.Record) error {
	s.mu.Lock()
	if len(s.buf) >= s.cfg.MaxBuffered {
		s.mu.Unlock()
		s.metric.IncMirrorDropped("buffer_full")
		return nil
	}
	s.buf = append(s.buf, rec)
	due := len(s.buf) >= s.cfg.BufferSize
	s.mu.Unlock()

	s.metric.IncMirrorEnqueued(rec.Domain)

	if due {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Close stops the periodic timer and performs one final flush to minimize
// loss on shutdown.
func (s *MirrorSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MirrorSink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.flushCh:
			s.flush()
		case <-s.stopCh:
			s.flush()
			return
		}
	}
}

// flush takes ownership of the buffered records, groups them by domain into
// separate label-indexed streams and pushes one envelope. Entries within a
// batch keep their emit order.
func (s *MirrorSink) flush() {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buf
	s.buf = make([]*record.Record, 0, s.cfg.BufferSize)
	s.mu.Unlock()

	byDomain := make(map[string]*loki.Stream)
	order := make([]string, 0, 4)
	for _, rec := range batch {
		stream, ok := byDomain[rec.Domain]
		if !ok {
			stream = &loki.Stream{
				Labels: map[string]string{"job": s.cfg.Job, "domain": rec.Domain},
			}
			byDomain[rec.Domain] = stream
			order = append(order, rec.Domain)
		}

		line, err := json.Marshal(rec)
		if err != nil {
			s.metric.IncMirrorDropped("encode_error")
			continue
		}
		ts := rec.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		stream.Values = append(stream.Values, [2]string{
			strconv.FormatInt(ts.UnixNano(), 10),
			string(line),
		})
	}

	streams := make([]loki.Stream, 0, len(order))
	for _, domain := range order {
		if len(byDomain[domain].Values) > 0 {
			streams = append(streams, *byDomain[domain])
		}
	}
	if len(streams) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PushTimeout)
	defer cancel()

	start := time.Now()
	err := s.pusher.Push(ctx, streams)
	s.metric.ObserveMirrorFlushLatency(time.Since(start))

	if err != nil {
		// Best-effort path: drop the batch rather than retry forever.
		s.metric.IncMirrorFlush("fail")
		for range batch {
			s.metric.IncMirrorDropped("push_failed")
		}
		if s.log != nil {
			s.log.Warn().Err(err).Int("batch_size", len(batch)).Msg("mirror push failed, dropping batch")
		}
		return
	}
	s.metric.IncMirrorFlush("success")
}
