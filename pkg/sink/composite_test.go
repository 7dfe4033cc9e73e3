package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houyuxi012/auditplane/pkg/record"
)

type stubSink struct {
	mu      sync.Mutex
	emitted []*record.Record
	err     error
	panics  bool
}

func (s *stubSink) Emit(ctx context.Context, rec *record.Record) error {
	if s.panics {
		panic("mirror exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.emitted = append(s.emitted, rec)
	return nil
}

func (s *stubSink) Close(ctx context.Context) error { return nil }

func (s *stubSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.emitted)
}

func TestCompositePrimaryFailureShortCircuits(t *testing.T) {
	primary := &stubSink{err: record.ErrPrimaryWrite}
	mirror := &stubSink{}
	s := NewCompositeSink(CompositeConfig{}, primary, []Sink{mirror}, nil, testMetrics(t))
	defer s.Close(context.Background())

	err := s.Emit(context.Background(), testRecord(record.DomainIAM, "LOGIN"))
	require.Error(t, err)

	// Mirrors never see the record when the primary fails.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, mirror.count())
}

func TestCompositeResultIndependentOfMirrors(t *testing.T) {
	primary := &stubSink{}
	failing := &stubSink{err: errors.New("stream down")}
	panicking := &stubSink{panics: true}
	healthy := &stubSink{}

	s := NewCompositeSink(CompositeConfig{}, primary, []Sink{failing, panicking, healthy}, nil, testMetrics(t))

	err := s.Emit(context.Background(), testRecord(record.DomainBusiness, "UPDATE_TOOL"))
	require.NoError(t, err)

	// A failing and a panicking mirror affect neither the result nor the
	// healthy mirror.
	assert.Eventually(t, func() bool { return healthy.count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 1, primary.count())
}

func TestCompositeEmitAfterClose(t *testing.T) {
	primary := &stubSink{}
	mirror := &stubSink{}
	s := NewCompositeSink(CompositeConfig{}, primary, []Sink{mirror}, nil, testMetrics(t))
	require.NoError(t, s.Close(context.Background()))

	// The primary write still lands; mirror dispatch is skipped.
	require.NoError(t, s.Emit(context.Background(), testRecord(record.DomainIAM, "LOGOUT")))
	assert.Equal(t, 1, primary.count())
	assert.Equal(t, 0, mirror.count())
}

func TestCompositeCloseIdempotent(t *testing.T) {
	s := NewCompositeSink(CompositeConfig{}, &stubSink{}, nil, nil, testMetrics(t))
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
}
