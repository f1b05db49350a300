package quality

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scheduled struct {
	delay     time.Duration
	f         func()
	cancelled bool
}

// manualSchedule queues timers until the test fires them.
type manualSchedule struct {
	mu      sync.Mutex
	entries []*scheduled
}

func (m *manualSchedule) schedule(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &scheduled{delay: d, f: f}
	m.entries = append(m.entries, e)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		e.cancelled = true
		return true
	}
}

// fire runs the oldest live timer and reports its delay.
func (m *manualSchedule) fire(t *testing.T) time.Duration {
	t.Helper()
	m.mu.Lock()
	var next *scheduled
	for len(m.entries) > 0 {
		e := m.entries[0]
		m.entries = m.entries[1:]
		if !e.cancelled {
			next = e
			break
		}
	}
	m.mu.Unlock()
	require.NotNil(t, next, "no timer armed")
	next.f()
	return next.delay
}

func (m *manualSchedule) armed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if !e.cancelled {
			n++
		}
	}
	return n
}

type fakeSource struct {
	mu        sync.Mutex
	connected bool
	reports   []Report
	errs      []error
	calls     int
}

func (f *fakeSource) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSource) Stats(context.Context) (Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return Report{}, err
		}
	}
	if len(f.reports) == 0 {
		return Report{}, ErrNoReport
	}
	r := f.reports[0]
	f.reports = f.reports[1:]
	return r, nil
}

func (f *fakeSource) queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestSampler() (*Sampler, *manualSchedule) {
	ms := &manualSchedule{}
	return NewSampler(WithInterval(2*time.Second), withSchedule(ms.schedule)), ms
}

func Test_Sampler_start_then_stop_performs_no_query(t *testing.T) {
	s, ms := newTestSampler()
	src := &fakeSource{connected: true}

	s.Start(context.Background(), src)
	s.Stop()

	assert.Zero(t, ms.armed())
	assert.Zero(t, src.queries())
	stats, connected := s.Snapshot()
	assert.False(t, connected)
	assert.Equal(t, models.QualityDisconnected, stats.QualityTier)
}

func Test_Sampler_samples_eagerly_then_every_interval(t *testing.T) {
	s, ms := newTestSampler()
	src := &fakeSource{connected: true, reports: []Report{
		videoReport(t0, 0, 0, 0, 0.01),
		videoReport(t0.Add(2*time.Second), 500_000, 1_000, 0, 0.01),
	}}

	var published []models.ConnectionStats
	unsubscribe := s.Subscribe(func(stats models.ConnectionStats, connected bool) {
		assert.True(t, connected)
		published = append(published, stats)
	})

	s.Start(context.Background(), src)
	assert.Equal(t, time.Duration(0), ms.fire(t))
	assert.Equal(t, 2*time.Second, ms.fire(t))

	assert.Equal(t, 2, src.queries())
	require.Len(t, published, 2)
	assert.Equal(t, models.ConnectionStats{
		LatencyMs:         10,
		PacketLossPercent: 0,
		BitrateKbps:       2000,
		QualityTier:       models.QualityExcellent,
	}, published[1])
	assert.Equal(t, 1, ms.armed())

	unsubscribe()
	s.Stop()
	assert.Zero(t, ms.armed())
	_, connected := s.Snapshot()
	assert.False(t, connected)
}

func Test_Sampler_skips_failed_query_and_keeps_baseline(t *testing.T) {
	s, ms := newTestSampler()
	src := &fakeSource{
		connected: true,
		errs:      []error{nil, errors.New("getStats failed"), nil},
		reports: []Report{
			videoReport(t0, 100_000, 100, 0, 0),
			videoReport(t0.Add(4*time.Second), 500_000, 200, 0, 0),
		},
	}

	s.Start(context.Background(), src)
	ms.fire(t)
	ms.fire(t)
	stats, _ := s.Snapshot()
	assert.Zero(t, stats.BitrateKbps)
	assert.Equal(t, 1, ms.armed(), "schedule continues after a failure")

	ms.fire(t)
	stats, connected := s.Snapshot()
	assert.True(t, connected)
	// Delta against the first sample: 400000 bytes over 4 s.
	assert.Equal(t, int64(800), stats.BitrateKbps)
	assert.Equal(t, 3, src.queries())
}

func Test_Sampler_without_source_reports_disconnected(t *testing.T) {
	s, ms := newTestSampler()

	var tiers []models.QualityTier
	s.Subscribe(func(stats models.ConnectionStats, connected bool) {
		assert.False(t, connected)
		tiers = append(tiers, stats.QualityTier)
	})

	s.Start(context.Background(), nil)
	s.Start(context.Background(), &fakeSource{connected: false})

	assert.Zero(t, ms.armed())
	assert.Equal(t, []models.QualityTier{models.QualityDisconnected, models.QualityDisconnected}, tiers)
	stats, connected := s.Snapshot()
	assert.False(t, connected)
	assert.Equal(t, models.ConnectionStats{QualityTier: models.QualityDisconnected}, stats)
}

func Test_Sampler_disconnect_mid_call_keeps_last_numbers(t *testing.T) {
	s, ms := newTestSampler()
	src := &fakeSource{connected: true, reports: []Report{videoReport(t0, 0, 0, 0, 0.2)}}

	s.Start(context.Background(), src)
	ms.fire(t)
	stats, _ := s.Snapshot()
	require.Equal(t, models.QualityFair, stats.QualityTier)

	src.mu.Lock()
	src.connected = false
	src.mu.Unlock()
	ms.fire(t)

	stats, connected := s.Snapshot()
	assert.False(t, connected)
	assert.Equal(t, models.QualityDisconnected, stats.QualityTier)
	assert.Equal(t, int64(200), stats.LatencyMs)
	assert.Equal(t, 1, src.queries())
}

type blockingSource struct {
	release chan struct{}
	entered chan struct{}
}

func (b *blockingSource) Connected() bool { return true }

func (b *blockingSource) Stats(context.Context) (Report, error) {
	close(b.entered)
	<-b.release
	return videoReport(t0, 1, 1, 0, 0.9), nil
}

func Test_Sampler_discards_result_arriving_after_stop(t *testing.T) {
	s, ms := newTestSampler()
	src := &blockingSource{release: make(chan struct{}), entered: make(chan struct{})}

	s.Start(context.Background(), src)
	done := make(chan struct{})
	go func() {
		ms.fire(t)
		close(done)
	}()
	<-src.entered

	s.Stop()
	close(src.release)
	<-done

	stats, connected := s.Snapshot()
	assert.False(t, connected)
	assert.Equal(t, models.ConnectionStats{QualityTier: models.QualityDisconnected}, stats)
	assert.Zero(t, ms.armed())
}

func Test_Sampler_stop_is_idempotent_and_unsubscribe_works(t *testing.T) {
	s, _ := newTestSampler()
	calls := 0
	unsubscribe := s.Subscribe(func(models.ConnectionStats, bool) { calls++ })

	s.Stop()
	unsubscribe()
	s.Stop()

	assert.Equal(t, 1, calls)
}

func Test_Sampler_real_timer_takes_first_sample_immediately(t *testing.T) {
	s := NewSampler(WithInterval(time.Hour))
	src := &fakeSource{connected: true, reports: []Report{videoReport(t0, 0, 0, 0, 0)}}
	t.Cleanup(s.Stop)

	s.Start(context.Background(), src)

	require.Eventually(t, func() bool { return src.queries() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, connected := s.Snapshot()
		return connected
	}, time.Second, 5*time.Millisecond)
}
