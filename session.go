// Hot potato session
//
// Up to maxPlayers clients join and are seated in order. When the last seat
// fills, a random seat gets the potato and a countdown starts. Any seated
// client may pass the potato to any seat. When the countdown runs out the game
// is over, the seats are cleared and the session waits for new players.

package main

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	defaultMaxPlayers = 4
	defaultMaxTime    = 30
)

type Phase string

const (
	PhaseWaiting    Phase = "WAITING"
	PhaseInProgress Phase = "IN_PROGRESS"
)

// Fanout is what the session needs from the connection registry.
type Fanout interface {
	Broadcast(ev Event, omit Conn)
	Unicast(c Conn, ev Event) error
}

type SessionConfig struct {
	MaxPlayers int
	// MaxTime is the countdown length in ticks.
	MaxTime      int
	TickInterval time.Duration
	// RequireHolder rejects passes from anyone but the current holder.
	RequireHolder bool
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.MaxPlayers <= 0 {
		c.MaxPlayers = defaultMaxPlayers
	}
	if c.MaxTime <= 0 {
		c.MaxTime = defaultMaxTime
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	return c
}

type seat struct {
	index int
	conn  Conn
}

// SessionView is a point-in-time copy of the session state.
type SessionView struct {
	Phase     Phase  `json:"phase"`
	Seats     []int  `json:"seats"`
	Holder    *int   `json:"holder,omitempty"`
	Countdown int    `json:"countdown"`
	Games     uint64 `json:"games_completed"`
}

type Session struct {
	mu sync.Mutex

	cfg   SessionConfig
	out   Fanout
	clock clockwork.Clock
	log   zerolog.Logger
	pick  func(n int) int

	seats     []seat
	phase     Phase
	holder    int
	countdown int
	games     uint64

	ticker clockwork.Ticker
	stop   chan struct{}
	gen    uint64
}

func newSession(out Fanout, clock clockwork.Clock, logger zerolog.Logger, cfg SessionConfig) *Session {
	cfg = cfg.withDefaults()

	return &Session{
		cfg:    cfg,
		out:    out,
		clock:  clock,
		log:    logger.With().Str("component", "session").Logger(),
		pick:   rand.IntN,
		seats:  make([]seat, 0, cfg.MaxPlayers),
		phase:  PhaseWaiting,
		holder: -1,
	}
}

// Join seats c and returns its seat index. A connection that already holds a
// seat is not seated twice: it gets its existing assignment re-sent and nothing
// else changes, so a repeated NEW_USER cannot use up a second seat. Freed
// seats are reissued lowest index first.
func (s *Session) Join(c Conn) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.seatOfLocked(c); existing >= 0 {
		_ = s.out.Unicast(c, playerAssignmentEvent(existing))
		return existing, nil
	}

	if s.phase != PhaseWaiting || len(s.seats) >= s.cfg.MaxPlayers {
		_ = s.out.Unicast(c, Event{Type: MsgGameFull})
		return -1, ErrSessionFull
	}

	index := s.lowestFreeSeatLocked()
	s.seats = append(s.seats, seat{index: index, conn: c})
	_ = s.out.Unicast(c, playerAssignmentEvent(index))

	s.log.Info().
		Str("connection_id", c.ID()).
		Int("seat", index).
		Int("seated", len(s.seats)).
		Msg("player joined")

	if len(s.seats) == s.cfg.MaxPlayers {
		s.startLocked()
	}

	return index, nil
}

// PassToken hands the potato to newHolder on behalf of from.
func (s *Session) PassToken(from Conn, newHolder int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseInProgress {
		return ErrNotInProgress
	}
	if newHolder < 0 || newHolder >= s.cfg.MaxPlayers {
		return ErrInvalidSeat
	}
	if s.cfg.RequireHolder && s.seatOfLocked(from) != s.holder {
		return ErrNotHolder
	}

	s.holder = newHolder
	s.out.Broadcast(potatoHolderEvent(newHolder), nil)

	s.log.Debug().Int("holder", newHolder).Msg("potato passed")

	return nil
}

// Leave frees the seat held by c, if any. Other seats keep their indices.
func (s *Session) Leave(c Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, st := range s.seats {
		if st.conn.ID() != c.ID() {
			continue
		}

		s.seats = append(s.seats[:i], s.seats[i+1:]...)

		s.log.Info().
			Str("connection_id", c.ID()).
			Int("seat", st.index).
			Str("phase", string(s.phase)).
			Msg("player left")

		return
	}
}

func (s *Session) View() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := SessionView{
		Phase:     s.phase,
		Seats:     make([]int, 0, len(s.seats)),
		Countdown: s.countdown,
		Games:     s.games,
	}
	for _, st := range s.seats {
		v.Seats = append(v.Seats, st.index)
	}
	if s.phase == PhaseInProgress {
		holder := s.holder
		v.Holder = &holder
	}

	return v
}

// Close stops the countdown without announcing anything.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTickerLocked()
}

// startLocked moves a full session into play. Called with s.mu held, in the
// same critical section as the join that filled the last seat.
func (s *Session) startLocked() {
	s.phase = PhaseInProgress
	s.holder = s.pick(s.cfg.MaxPlayers)
	s.countdown = s.cfg.MaxTime

	s.out.Broadcast(Event{Type: MsgGameStart}, nil)
	s.out.Broadcast(potatoHolderEvent(s.holder), nil)

	s.startTickerLocked()

	s.log.Info().
		Int("holder", s.holder).
		Int("countdown", s.countdown).
		Msg("game started")
}

func (s *Session) startTickerLocked() {
	s.stopTickerLocked()

	s.gen++
	s.ticker = s.clock.NewTicker(s.cfg.TickInterval)
	s.stop = make(chan struct{})

	go s.runTicker(s.ticker, s.stop, s.gen)
}

func (s *Session) runTicker(t clockwork.Ticker, stop <-chan struct{}, gen uint64) {
	for {
		select {
		case <-stop:
			return
		case <-t.Chan():
			s.tick(gen)
		}
	}
}

func (s *Session) stopTickerLocked() {
	if s.ticker == nil {
		return
	}

	s.ticker.Stop()
	close(s.stop)
	s.ticker = nil
	s.stop = nil
	s.gen++
}

// tick advances the countdown by one. Ticks from a ticker that has since been
// stopped carry an old generation and are ignored.
func (s *Session) tick(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.phase != PhaseInProgress {
		return
	}

	if s.countdown > 0 {
		s.out.Broadcast(countdownEvent(s.countdown), nil)
		s.countdown--
		return
	}

	s.out.Broadcast(Event{Type: MsgGameOver}, nil)
	s.stopTickerLocked()

	s.log.Info().Int("holder", s.holder).Msg("game over")

	clear(s.seats)
	s.seats = s.seats[:0]
	s.holder = -1
	s.phase = PhaseWaiting
	s.games++
}

func (s *Session) seatOfLocked(c Conn) int {
	if c == nil {
		return -1
	}
	for _, st := range s.seats {
		if st.conn.ID() == c.ID() {
			return st.index
		}
	}
	return -1
}

// lowestFreeSeatLocked equals len(s.seats) unless someone has left.
func (s *Session) lowestFreeSeatLocked() int {
	taken := make([]bool, s.cfg.MaxPlayers)
	for _, st := range s.seats {
		taken[st.index] = true
	}
	for i, t := range taken {
		if !t {
			return i
		}
	}
	return len(s.seats)
}
