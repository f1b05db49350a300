package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const handshakeTimeout = 5 * time.Second

// SignalHandler receives offer/answer/candidate messages addressed to self.
type SignalHandler func(msg models.SignalMessage)

// MatchHandler is called once per match with the chosen peer id.
type MatchHandler func(peerID string)

// Status is the display surface of a session.
type Status struct {
	State         models.MatchState `json:"state"`
	IsSearching   bool              `json:"isSearching"`
	MatchedPeerID string            `json:"matchedPeerId,omitempty"`
}

type Option func(*Session)

// WithTopicName overrides DefaultTopicName.
func WithTopicName(name string) Option {
	return func(s *Session) { s.name = name }
}

// WithMatchConfirmation makes a match require a propose/accept exchange
// instead of committing on the first snapshot with a candidate.
func WithMatchConfirmation() Option {
	return func(s *Session) { s.confirm = true }
}

// WithRandom replaces the uniform index picker, mostly for tests.
func WithRandom(intn func(n int) int) Option {
	return func(s *Session) { s.intn = intn }
}

// WithClock sets the clock that stamps presence JoinedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session pairs the local participant with exactly one other participant on
// a shared Topic and relays signaling messages between them.
//
// Every subscription is tagged with a generation; events from a generation
// that has since been left are dropped.
type Session struct {
	topic   Topic
	name    string
	confirm bool
	intn    func(n int) int
	now     func() time.Time

	mu       sync.Mutex
	self     string
	state    models.MatchState
	sub      Subscription
	gen      uint64
	handler  SignalHandler
	onMatch  MatchHandler
	pending  string
	others   []string
	rejected map[string]struct{}
}

func NewSession(topic Topic, opts ...Option) *Session {
	s := &Session{
		topic: topic,
		name:  DefaultTopicName,
		intn:  rand.IntN,
		now:   time.Now,
		state: models.Idle(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Join starts searching for a match as selfID. A failed subscription is not
// retried: the session stays Searching until Join or Leave is called again.
func (s *Session) Join(ctx context.Context, selfID string) error {
	if selfID == "" {
		return ErrEmptyParticipantID
	}

	s.mu.Lock()
	active := s.sub != nil || s.state.Phase != models.MatchIdle
	s.mu.Unlock()
	if active {
		s.Leave(ctx)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.self = selfID
	s.state = models.Searching()
	s.resetHandshakeLocked()
	s.mu.Unlock()

	l := log.With().Str("participant_id", selfID).Str("topic", s.name).Logger()

	sub, err := s.topic.Subscribe(ctx, s.name, Events{
		OnSync:    func(p []models.Presence) { s.handleSync(gen, p) },
		OnMessage: func(m models.SignalMessage) { s.handleMessage(gen, m) },
	})
	if err != nil {
		l.Error().Err(err).Msg("Failed to subscribe to match topic")
		return fmt.Errorf("subscribe to %s: %w", s.name, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		if err := sub.Close(ctx); err != nil {
			l.Warn().Err(err).Msg("Failed to close abandoned subscription")
		}
		return nil
	}
	s.sub = sub
	s.mu.Unlock()

	if err := sub.Track(ctx, models.Presence{ID: selfID, JoinedAt: s.now().UTC()}); err != nil {
		l.Error().Err(err).Msg("Failed to track presence")
		return fmt.Errorf("track presence: %w", err)
	}

	l.Info().Msg("Searching for a match")
	return nil
}

// Leave untracks presence, unsubscribes and resets the session to Idle.
// It is safe to call on an idle session.
func (s *Session) Leave(ctx context.Context) {
	s.mu.Lock()
	sub := s.sub
	self := s.self
	wasIdle := sub == nil && s.state.Phase == models.MatchIdle
	s.sub = nil
	s.gen++
	s.state = models.Idle()
	s.resetHandshakeLocked()
	s.mu.Unlock()

	if wasIdle {
		return
	}
	if sub != nil {
		if err := sub.Close(ctx); err != nil {
			log.Warn().Err(err).Str("participant_id", self).Msg("Failed to close match subscription")
		}
	}
	log.Info().Str("participant_id", self).Msg("Left match topic")
}

// OnSignal sets the single active signal handler, replacing any previous one.
// A nil handler drops inbound signals.
func (s *Session) OnSignal(handler SignalHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// OnMatch sets the single match callback, replacing any previous one.
func (s *Session) OnMatch(handler MatchHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMatch = handler
}

// SendSignal publishes an offer, answer or candidate addressed to peer. There
// is no delivery confirmation.
func (s *Session) SendSignal(ctx context.Context, to string, kind models.SignalKind, payload json.RawMessage) error {
	if !kind.IsRelayed() {
		return fmt.Errorf("%w: %q", ErrUnknownSignalKind, kind)
	}

	s.mu.Lock()
	sub, self := s.sub, s.self
	s.mu.Unlock()
	if sub == nil {
		return ErrNotJoined
	}

	return sub.Broadcast(ctx, models.SignalMessage{
		From:    self,
		To:      to,
		Kind:    kind,
		Payload: payload,
	})
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:         s.state,
		IsSearching:   s.state.Phase == models.MatchSearching,
		MatchedPeerID: s.state.PeerID,
	}
}

func (s *Session) State() models.MatchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ParticipantID returns the id of the last Join.
func (s *Session) ParticipantID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *Session) resetHandshakeLocked() {
	s.pending = ""
	s.others = nil
	s.rejected = nil
}

func (s *Session) handleSync(gen uint64, presences []models.Presence) {
	s.mu.Lock()
	if gen != s.gen || s.state.Phase != models.MatchSearching {
		s.mu.Unlock()
		return
	}

	ids := lo.Uniq(lo.Map(presences, func(p models.Presence, _ int) string { return p.ID }))
	sort.Strings(ids)
	// Self must be visible before anyone can address it.
	if len(ids) < 2 || !lo.Contains(ids, s.self) {
		s.mu.Unlock()
		return
	}
	others := lo.Without(ids, s.self)

	if !s.confirm {
		peer := others[s.intn(len(others))]
		s.commitLocked(peer)()
		return
	}

	s.others = others
	s.rejected = make(map[string]struct{})
	// A proposee that vanished will never answer.
	if s.pending != "" && !lo.Contains(others, s.pending) {
		s.pending = ""
	}
	if s.pending != "" {
		s.mu.Unlock()
		return
	}
	s.proposeNextLocked()
}

func (s *Session) handleMessage(gen uint64, msg models.SignalMessage) {
	s.mu.Lock()
	if gen != s.gen || msg.To != s.self || msg.From == s.self {
		s.mu.Unlock()
		return
	}

	if msg.Kind.IsHandshake() {
		if !s.confirm {
			s.mu.Unlock()
			return
		}
		s.handleHandshakeLocked(msg)
		return
	}

	handler := s.handler
	s.mu.Unlock()

	if !msg.Kind.IsRelayed() {
		log.Debug().Str("kind", string(msg.Kind)).Str("from", msg.From).Msg("Ignoring unknown signal kind")
		return
	}
	if handler != nil {
		handler(msg)
	}
}

// handleHandshakeLocked is entered with s.mu held and releases it.
func (s *Session) handleHandshakeLocked(msg models.SignalMessage) {
	searching := s.state.Phase == models.MatchSearching

	switch msg.Kind {
	case models.SignalKindMatchPropose:
		if searching && (s.pending == "" || s.pending == msg.From) {
			sub, self := s.sub, s.self
			notify := s.commitLocked(msg.From)
			s.sendHandshake(sub, self, msg.From, models.SignalKindMatchAccept)
			notify()
			return
		}
		sub, self := s.sub, s.self
		s.mu.Unlock()
		s.sendHandshake(sub, self, msg.From, models.SignalKindMatchReject)

	case models.SignalKindMatchAccept:
		if searching && s.pending == msg.From {
			s.commitLocked(msg.From)()
			return
		}
		s.mu.Unlock()

	case models.SignalKindMatchReject:
		if !searching || s.pending != msg.From {
			s.mu.Unlock()
			return
		}
		s.pending = ""
		if s.rejected == nil {
			s.rejected = make(map[string]struct{})
		}
		s.rejected[msg.From] = struct{}{}
		s.proposeNextLocked()

	default:
		s.mu.Unlock()
	}
}

// proposeNextLocked is entered with s.mu held and releases it. Only the lower
// id proposes, which rules out proposal cycles.
func (s *Session) proposeNextLocked() {
	candidates := lo.Filter(s.others, func(id string, _ int) bool {
		_, rejected := s.rejected[id]
		return id > s.self && !rejected
	})
	if len(candidates) == 0 {
		s.mu.Unlock()
		return
	}

	peer := candidates[s.intn(len(candidates))]
	s.pending = peer
	sub, self := s.sub, s.self
	s.mu.Unlock()

	log.Debug().Str("participant_id", self).Str("peer_id", peer).Msg("Proposing match")
	s.sendHandshake(sub, self, peer, models.SignalKindMatchPropose)
}

// commitLocked is entered with s.mu held and releases it. The returned func
// runs the match callback.
func (s *Session) commitLocked(peer string) func() {
	s.state = models.Matched(peer)
	s.resetHandshakeLocked()
	self := s.self
	onMatch := s.onMatch
	s.mu.Unlock()

	log.Info().Str("participant_id", self).Str("peer_id", peer).Msg("Matched")
	return func() {
		if onMatch != nil {
			onMatch(peer)
		}
	}
}

func (s *Session) sendHandshake(sub Subscription, self, to string, kind models.SignalKind) {
	if sub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	msg := models.SignalMessage{From: self, To: to, Kind: kind}
	if err := sub.Broadcast(ctx, msg); err != nil {
		log.Warn().Err(err).Str("participant_id", self).Str("peer_id", to).Str("kind", string(kind)).Msg("Failed to send match handshake")
	}
}
