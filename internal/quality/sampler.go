package quality

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval     = 2 * time.Second
	defaultQueryTimeout = time.Second
)

// ErrNoReport is returned by a Source that has nothing new to report.
var ErrNoReport = errors.New("no statistics report available")

// Source is a live peer transport whose statistics can be queried.
type Source interface {
	Connected() bool
	Stats(ctx context.Context) (Report, error)
}

// SubscriberFunc receives every published sample.
type SubscriberFunc func(stats models.ConnectionStats, connected bool)

// scheduleFunc runs f after d and returns a func that cancels it.
type scheduleFunc func(d time.Duration, f func()) (cancel func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type SamplerOption func(*Sampler)

func WithInterval(d time.Duration) SamplerOption {
	return func(s *Sampler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithQueryTimeout(d time.Duration) SamplerOption {
	return func(s *Sampler) {
		if d > 0 {
			s.queryTimeout = d
		}
	}
}

// withSchedule replaces time.AfterFunc in tests.
func withSchedule(f scheduleFunc) SamplerOption {
	return func(s *Sampler) { s.schedule = f }
}

// Sampler polls a Source every interval, the first time immediately, and
// publishes ConnectionStats to its subscribers. The next tick is armed after
// the previous one finished, so ticks never overlap.
type Sampler struct {
	interval     time.Duration
	queryTimeout time.Duration
	schedule     scheduleFunc

	mu          sync.Mutex
	gen         uint64
	cancelRun   context.CancelFunc
	cancelTimer func() bool
	baseline    Baseline
	latest      models.ConnectionStats
	connected   bool
	subscribers map[int]SubscriberFunc
	nextSubID   int
}

func NewSampler(opts ...SamplerOption) *Sampler {
	s := &Sampler{
		interval:     DefaultInterval,
		queryTimeout: defaultQueryTimeout,
		schedule:     afterFunc,
		latest:       models.ConnectionStats{QualityTier: models.QualityDisconnected},
		subscribers:  make(map[int]SubscriberFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins sampling src, replacing any previous run. A nil or not
// connected source only publishes the disconnected tier.
func (s *Sampler) Start(ctx context.Context, src Source) {
	s.mu.Lock()
	s.haltLocked()

	if src == nil || !src.Connected() {
		s.markDisconnectedLocked()
		return
	}

	s.gen++
	gen := s.gen
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	s.cancelTimer = s.schedule(0, func() { s.tick(runCtx, gen, src) })
	s.mu.Unlock()
}

// Stop cancels the schedule and drops the retained counters. It is safe to
// call more than once.
func (s *Sampler) Stop() {
	s.mu.Lock()
	s.haltLocked()
	s.markDisconnectedLocked()
}

// Subscribe registers fn and returns a func that removes it.
func (s *Sampler) Subscribe(fn SubscriberFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

// Snapshot returns the latest sample and whether the call is connected.
func (s *Sampler) Snapshot() (models.ConnectionStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.connected
}

func (s *Sampler) haltLocked() {
	s.gen++
	if s.cancelTimer != nil {
		s.cancelTimer()
		s.cancelTimer = nil
	}
	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}
	s.baseline = Baseline{}
}

// markDisconnectedLocked is entered with s.mu held and releases it. Numbers
// keep their last known values.
func (s *Sampler) markDisconnectedLocked() {
	s.connected = false
	s.latest.QualityTier = models.QualityDisconnected
	s.publishLocked()
}

// publishLocked is entered with s.mu held and releases it.
func (s *Sampler) publishLocked() {
	stats, connected := s.latest, s.connected
	subs := make([]SubscriberFunc, 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(stats, connected)
	}
}

func (s *Sampler) tick(ctx context.Context, gen uint64, src Source) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.sample(ctx, gen, src)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.cancelTimer = s.schedule(s.interval, func() { s.tick(ctx, gen, src) })
}

func (s *Sampler) sample(ctx context.Context, gen uint64, src Source) {
	if !src.Connected() {
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.markDisconnectedLocked()
		return
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	report, err := src.Stats(queryCtx)
	cancel()
	if err != nil {
		switch {
		case ctx.Err() != nil:
		case errors.Is(err, ErrNoReport):
			log.Debug().Msg("No new connection stats")
		default:
			log.Warn().Err(err).Msg("Failed to get connection stats")
		}
		return
	}

	s.mu.Lock()
	// Stopped or restarted while the query was in flight.
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	stats, next := Step(s.baseline, report)
	s.baseline = next
	s.latest = stats
	s.connected = true
	s.publishLocked()
}
