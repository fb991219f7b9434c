package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const within = 500 * time.Millisecond

type testSession struct {
	*Session
	reg   *Registry
	clock *clockwork.FakeClock
	conns []*fakeConn
}

func newTestSession(t *testing.T, cfg SessionConfig, holder int) *testSession {
	t.Helper()

	reg := newRegistry(zerolog.Nop())
	clock := clockwork.NewFakeClock()
	s := newSession(reg, clock, zerolog.Nop(), cfg)
	s.pick = func(n int) int {
		require.Less(t, holder, n)
		return holder
	}
	t.Cleanup(s.Close)

	ts := &testSession{Session: s, reg: reg, clock: clock}
	for _, id := range []string{"p0", "p1", "p2", "p3", "p4"} {
		c := newFakeConn(id)
		reg.Register(c)
		ts.conns = append(ts.conns, c)
	}
	return ts
}

// fill seats the first four connections and drains everything they were sent.
func (ts *testSession) fill(t *testing.T) {
	t.Helper()

	for i := 0; i < 4; i++ {
		_, err := ts.Join(ts.conns[i])
		require.NoError(t, err)
	}
	for _, c := range ts.conns {
		drain(c)
	}
}

// advance moves the clock one tick and waits for the resulting event on c.
func (ts *testSession) advance(t *testing.T, c *fakeConn) wireEvent {
	t.Helper()

	ts.clock.Advance(time.Second)
	return recvEvent(t, c, within)
}

func TestSession_JoinAssignsSequentialSeats(t *testing.T) {
	ts := newTestSession(t, SessionConfig{}, 0)

	for i := 0; i < 3; i++ {
		seat, err := ts.Join(ts.conns[i])
		require.NoError(t, err)
		assert.Equal(t, i, seat)

		ev := recvEvent(t, ts.conns[i], within)
		assert.Equal(t, MsgPlayerAssignment, ev.Type)
		assert.Equal(t, i, ev.intField(t, "clientPlayerIndex"))
	}

	for i := 0; i < 3; i++ {
		recvNoEvent(t, ts.conns[i], 20*time.Millisecond)
	}

	v := ts.View()
	assert.Equal(t, PhaseWaiting, v.Phase)
	assert.Equal(t, []int{0, 1, 2}, v.Seats)
	assert.Nil(t, v.Holder)
}

func TestSession_FourthJoinStartsGame(t *testing.T) {
	ts := newTestSession(t, SessionConfig{}, 2)

	for i := 0; i < 4; i++ {
		_, err := ts.Join(ts.conns[i])
		require.NoError(t, err)
	}

	for i := 0; i < 4; i++ {
		c := ts.conns[i]

		ev := recvEvent(t, c, within)
		require.Equal(t, MsgPlayerAssignment, ev.Type)
		assert.Equal(t, i, ev.intField(t, "clientPlayerIndex"))

		assert.Equal(t, MsgGameStart, recvEvent(t, c, within).Type)

		ev = recvEvent(t, c, within)
		require.Equal(t, MsgNewPotatoHolder, ev.Type)
		assert.Equal(t, 2, ev.intField(t, "newPotatoHolderIndex"))

		recvNoEvent(t, c, 20*time.Millisecond)
	}

	// unseated but connected clients see the broadcasts too
	assert.Equal(t, MsgGameStart, recvEvent(t, ts.conns[4], within).Type)
	assert.Equal(t, MsgNewPotatoHolder, recvEvent(t, ts.conns[4], within).Type)

	v := ts.View()
	assert.Equal(t, PhaseInProgress, v.Phase)
	require.NotNil(t, v.Holder)
	assert.Equal(t, 2, *v.Holder)
	assert.Equal(t, defaultMaxTime, v.Countdown)
}

func TestSession_RandomHolderInRange(t *testing.T) {
	reg := newRegistry(zerolog.Nop())
	s := newSession(reg, clockwork.NewFakeClock(), zerolog.Nop(), SessionConfig{})
	defer s.Close()

	for i := 0; i < 4; i++ {
		_, err := s.Join(newFakeConn(string(rune('a' + i))))
		require.NoError(t, err)
	}

	v := s.View()
	require.NotNil(t, v.Holder)
	assert.GreaterOrEqual(t, *v.Holder, 0)
	assert.Less(t, *v.Holder, defaultMaxPlayers)
}

func TestSession_FifthJoinGetsGameFull(t *testing.T) {
	ts := newTestSession(t, SessionConfig{}, 0)
	ts.fill(t)

	seat, err := ts.Join(ts.conns[4])
	assert.ErrorIs(t, err, ErrSessionFull)
	assert.Equal(t, -1, seat)

	assert.Equal(t, MsgGameFull, recvEvent(t, ts.conns[4], within).Type)
	recvNoEvent(t, ts.conns[4], 20*time.Millisecond)
	for i := 0; i < 4; i++ {
		recvNoEvent(t, ts.conns[i], 20*time.Millisecond)
	}

	assert.Len(t, ts.View().Seats, 4)
}

func TestSession_DuplicateJoinKeepsSeat(t *testing.T) {
	ts := newTestSession(t, SessionConfig{}, 0)

	first, err := ts.Join(ts.conns[0])
	require.NoError(t, err)
	again, err := ts.Join(ts.conns[0])
	require.NoError(t, err)

	assert.Equal(t, first, again)
	assert.Equal(t, []int{0}, ts.View().Seats)

	for range 2 {
		ev := recvEvent(t, ts.conns[0], within)
		assert.Equal(t, MsgPlayerAssignment, ev.Type)
		assert.Equal(t, 0, ev.intField(t, "clientPlayerIndex"))
	}
}

func TestSession_CountdownRunsToGameOver(t *testing.T) {
	ts := newTestSession(t, SessionConfig{}, 1)
	ts.fill(t)

	for want := defaultMaxTime; want >= 1; want-- {
		ev := ts.advance(t, ts.conns[0])
		require.Equal(t, MsgCountdown, ev.Type)
		require.Equal(t, want, ev.intField(t, "clockValue"))
	}

	assert.Equal(t, MsgGameOver, ts.advance(t, ts.conns[0]).Type)

	for i := 1; i < 4; i++ {
		c := ts.conns[i]
		for want := defaultMaxTime; want >= 1; want-- {
			assert.Equal(t, want, recvEvent(t, c, within).intField(t, "clockValue"))
		}
		assert.Equal(t, MsgGameOver, recvEvent(t, c, within).Type)
	}

	// no residual ticker
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	require.NoError(t, ts.clock.BlockUntilContext(ctx, 0))

	for range 3 {
		ts.clock.Advance(time.Second)
	}
	for i := 0; i < 4; i++ {
		recvNoEvent(t, ts.conns[i], 50*time.Millisecond)
	}

	v := ts.View()
	assert.Equal(t, PhaseWaiting, v.Phase)
	assert.Empty(t, v.Seats)
	assert.Nil(t, v.Holder)
	assert.Equal(t, uint64(1), v.Games)
}

func TestSession_ResetAcceptsNewGame(t *testing.T) {
	ts := newTestSession(t, SessionConfig{MaxTime: 2}, 0)
	ts.fill(t)

	ts.advance(t, ts.conns[0])
	ts.advance(t, ts.conns[0])
	require.Equal(t, MsgGameOver, ts.advance(t, ts.conns[0]).Type)

	for i, c := range []*fakeConn{ts.conns[3], ts.conns[4], ts.conns[0], ts.conns[1]} {
		drain(c)
		seat, err := ts.Join(c)
		require.NoError(t, err)
		assert.Equal(t, i, seat)
	}

	v := ts.View()
	assert.Equal(t, PhaseInProgress, v.Phase)
	assert.Equal(t, 2, v.Countdown)

	// a fresh ticker drives the second game from the top
	ev := ts.advance(t, ts.conns[4])
	for ev.Type != MsgCountdown {
		ev = recvEvent(t, ts.conns[4], within)
	}
	assert.Equal(t, 2, ev.intField(t, "clockValue"))
}

func TestSession_PassToken(t *testing.T) {
	ts := newTestSession(t, SessionConfig{}, 0)

	err := ts.PassToken(ts.conns[0], 1)
	assert.ErrorIs(t, err, ErrNotInProgress)

	ts.fill(t)

	tests := []struct {
		name    string
		holder  int
		wantErr error
	}{
		{name: "one past the last seat", holder: 4, wantErr: ErrInvalidSeat},
		{name: "negative", holder: -1, wantErr: ErrInvalidSeat},
		{name: "valid seat", holder: 2},
		{name: "pass to current holder", holder: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ts.PassToken(ts.conns[3], tt.holder)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				for i := 0; i < 4; i++ {
					recvNoEvent(t, ts.conns[i], 20*time.Millisecond)
				}
				return
			}

			require.NoError(t, err)
			for i := 0; i < 4; i++ {
				ev := recvEvent(t, ts.conns[i], within)
				assert.Equal(t, MsgNewPotatoHolder, ev.Type)
				assert.Equal(t, tt.holder, ev.intField(t, "newPotatoHolderIndex"))
				recvNoEvent(t, ts.conns[i], 20*time.Millisecond)
			}
		})
	}

	v := ts.View()
	require.NotNil(t, v.Holder)
	assert.Equal(t, 2, *v.Holder)
}

func TestSession_StrictPassRequiresHolder(t *testing.T) {
	ts := newTestSession(t, SessionConfig{RequireHolder: true}, 1)
	ts.fill(t)

	err := ts.PassToken(ts.conns[0], 3)
	assert.ErrorIs(t, err, ErrNotHolder)
	recvNoEvent(t, ts.conns[0], 20*time.Millisecond)

	err = ts.PassToken(ts.conns[4], 3)
	assert.ErrorIs(t, err, ErrNotHolder, "unseated connections never hold the potato")

	require.NoError(t, ts.PassToken(ts.conns[1], 3))
	assert.Equal(t, 3, recvEvent(t, ts.conns[0], within).intField(t, "newPotatoHolderIndex"))

	require.NoError(t, ts.PassToken(ts.conns[3], 0))
	assert.Equal(t, 0, recvEvent(t, ts.conns[0], within).intField(t, "newPotatoHolderIndex"))
}

func TestSession_LeaveReissuesLowestFreeSeat(t *testing.T) {
	ts := newTestSession(t, SessionConfig{}, 0)

	for i := 0; i < 3; i++ {
		_, err := ts.Join(ts.conns[i])
		require.NoError(t, err)
	}

	ts.Leave(ts.conns[1])
	ts.Leave(ts.conns[1])
	assert.Equal(t, []int{0, 2}, ts.View().Seats)

	seat, err := ts.Join(ts.conns[3])
	require.NoError(t, err)
	assert.Equal(t, 1, seat)

	seat, err = ts.Join(ts.conns[4])
	require.NoError(t, err)
	assert.Equal(t, 3, seat)

	assert.Equal(t, PhaseInProgress, ts.View().Phase)
}

func TestSession_LeaveMidGameKeepsHolder(t *testing.T) {
	ts := newTestSession(t, SessionConfig{MaxTime: 2}, 3)
	ts.fill(t)

	ts.Leave(ts.conns[3])

	v := ts.View()
	assert.Equal(t, PhaseInProgress, v.Phase)
	assert.Equal(t, []int{0, 1, 2}, v.Seats)
	require.NotNil(t, v.Holder)
	assert.Equal(t, 3, *v.Holder)

	// a vacated seat does not reopen the game
	_, err := ts.Join(ts.conns[4])
	assert.ErrorIs(t, err, ErrSessionFull)

	assert.Equal(t, 2, ts.advance(t, ts.conns[0]).intField(t, "clockValue"))
	assert.Equal(t, 1, ts.advance(t, ts.conns[0]).intField(t, "clockValue"))
	assert.Equal(t, MsgGameOver, ts.advance(t, ts.conns[0]).Type)
}

func TestSession_StaleTickIgnored(t *testing.T) {
	ts := newTestSession(t, SessionConfig{}, 0)
	ts.fill(t)

	stale := ts.gen - 1
	ts.tick(stale)
	recvNoEvent(t, ts.conns[0], 20*time.Millisecond)
	assert.Equal(t, defaultMaxTime, ts.View().Countdown)

	ts.Close()
	ts.clock.Advance(time.Second)
	recvNoEvent(t, ts.conns[0], 50*time.Millisecond)
}

func TestSession_ConcurrentJoinAndPass(t *testing.T) {
	const players = 40

	reg := newRegistry(zerolog.Nop())
	clock := clockwork.NewFakeClock()
	s := newSession(reg, clock, zerolog.Nop(), SessionConfig{MaxTime: 30})
	t.Cleanup(s.Close)

	conns := make([]*fakeConn, players)
	for i := range conns {
		conns[i] = newFakeConn(fmt.Sprintf("p%d", i))
		reg.Register(conns[i])
	}

	done := make(chan struct{})
	var watchers sync.WaitGroup
	var maxSeats atomic.Int64

	watchers.Add(2)
	go func() {
		defer watchers.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if n := int64(len(s.View().Seats)); n > maxSeats.Load() {
				maxSeats.Store(n)
			}
		}
	}()
	go func() {
		defer watchers.Done()
		for i := 0; i < 5; i++ {
			select {
			case <-done:
				return
			default:
			}
			clock.Advance(time.Second)
			time.Sleep(time.Millisecond)
		}
	}()

	seats := make([]int, players)
	errs := make([]error, players)

	var wg sync.WaitGroup
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seats[i], errs[i] = s.Join(conns[i])
			for j := 0; j < 2; j++ {
				_ = s.PassToken(conns[i], (i+j)%5)
			}
		}(i)
	}
	wg.Wait()
	close(done)
	watchers.Wait()

	var seated []int
	for i := range conns {
		if errs[i] == nil {
			seated = append(seated, seats[i])
			continue
		}
		assert.ErrorIs(t, errs[i], ErrSessionFull)
	}
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, seated)
	assert.LessOrEqual(t, maxSeats.Load(), int64(4))

	view := s.View()
	assert.Equal(t, PhaseInProgress, view.Phase)
	assert.Len(t, view.Seats, 4)
	require.NotNil(t, view.Holder)
	assert.GreaterOrEqual(t, *view.Holder, 0)
	assert.Less(t, *view.Holder, 4)

	s.Close()
	for _, c := range conns {
		starts := 0
		for {
			select {
			case data := <-c.out:
				if decodeWire(t, data).Type == MsgGameStart {
					starts++
				}
				continue
			default:
			}
			break
		}
		assert.Equal(t, 1, starts, "%s should see exactly one GAME_START", c.id)
	}
}
