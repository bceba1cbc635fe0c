package game

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tecu23/session-server/pkg/chess"
	"github.com/tecu23/session-server/pkg/events"
)

type memRecorder struct {
	mu      sync.Mutex
	records []Record
	chat    []ChatEntry
}

func (m *memRecorder) RecordSession(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
}

func (m *memRecorder) RecordChat(entry ChatEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chat = append(m.chat, entry)
}

func (m *memRecorder) last() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[len(m.records)-1]
}

type fakeTime struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestSession(t *testing.T, p Params) (*Session, *memRecorder) {
	t.Helper()

	rec := &memRecorder{}
	p.Recorder = rec
	p.Logger = zap.NewNop()
	if p.Publisher == nil {
		p.Publisher = events.NewPublisher(zap.NewNop())
	}

	s, err := NewSession(p)
	require.NoError(t, err)
	s.Start()

	return s, rec
}

func TestEndToEndAliceBob(t *testing.T) {
	s, rec := newTestSession(t, Params{})

	require.NoError(t, s.Join("alice", chess.White))
	require.NoError(t, s.Join("bob", chess.Black))

	snap, err := s.ApplyMove("alice", "e2e4")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(snap.FEN, "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b "), snap.FEN)
	assert.Equal(t, chess.Black, snap.Turn)

	_, err = s.ApplyMove("bob", "e7e5")
	require.NoError(t, err)
	assert.Equal(t, []string{"e2e4", "e7e5"}, s.Snapshot().Moves)

	res, err := s.Resign("bob")
	require.NoError(t, err)
	assert.Equal(t, Result{Outcome: WhiteWon, Reason: ReasonResignation}, res)

	snap = s.Snapshot()
	assert.False(t, snap.ClockRunning)
	require.NotNil(t, snap.FinishedAt)

	last := rec.last()
	require.NotNil(t, last.FinishedAt)
	require.NotNil(t, last.Result)
	assert.Equal(t, WhiteWon, last.Result.Outcome)
	assert.Equal(t, []string{"e2e4", "e7e5"}, last.Moves)
	assert.Equal(t, "alice", *last.White)
}

func TestApplyMoveErrors(t *testing.T) {
	s, _ := newTestSession(t, Params{White: "alice", Black: "bob"})

	_, err := s.ApplyMove("alice", "e2e5")
	assert.ErrorIs(t, err, ErrIllegalMove)

	_, err = s.ApplyMove("alice", "zz")
	assert.ErrorIs(t, err, ErrMalformedMove)

	_, err = s.ApplyMove("carol", "e2e4")
	assert.ErrorIs(t, err, ErrInvalidActor)

	_, err = s.ApplyMove("bob", "e2e4")
	assert.ErrorIs(t, err, ErrNotYourTurn)

	assert.Empty(t, s.Snapshot().Moves, "rejected moves leave no trace")

	_, err = s.Resign("alice")
	require.NoError(t, err)
	_, err = s.ApplyMove("bob", "e7e5")
	assert.ErrorIs(t, err, ErrGameOver)
}

func TestRejectedMoveLeavesClockUntouched(t *testing.T) {
	ft := &fakeTime{now: time.Unix(0, 0)}
	tc, err := chess.ParseTimeControl("1+5")
	require.NoError(t, err)

	s, _ := newTestSession(t, Params{
		White:       "alice",
		Black:       "bob",
		TimeControl: tc,
		Clock:       []chess.ClockOption{chess.WithTimeSource(ft.Now)},
	})

	ft.Advance(time.Second)
	_, err = s.ApplyMove("alice", "e2e5")
	require.Error(t, err)

	snap := s.Snapshot()
	assert.Equal(t, int64(59_000), snap.WhiteTime)
	assert.Equal(t, int64(60_000), snap.BlackTime)
	assert.Equal(t, chess.White, snap.Turn)
}

func TestFoldConsistencyAndUndoRestores(t *testing.T) {
	s, _ := newTestSession(t, Params{White: "alice", Black: "bob"})
	rng := rand.New(rand.NewSource(42))

	for ply := 0; ply < 60; ply++ {
		before := s.Snapshot()
		if before.Terminal() {
			break
		}

		board, err := Replay("", before.Moves)
		require.NoError(t, err)
		require.Equal(t, board.FEN(), before.FEN, "board is the fold of the log")

		valid := board.ValidMoves()
		require.NotEmpty(t, valid)
		pick := valid[rng.Intn(len(valid))]
		uci := pick.String()

		actor := before.Player(before.Turn)
		_, err = s.ApplyMove(actor, uci)
		require.NoError(t, err)

		undone, err := s.Undo()
		require.NoError(t, err)
		assert.Equal(t, before.FEN, undone.FEN)
		assert.Equal(t, before.Moves, undone.Moves)
		assert.False(t, undone.Terminal())

		_, err = s.ApplyMove(actor, uci)
		require.NoError(t, err)
	}
}

func TestUndoOnePly(t *testing.T) {
	s, _ := newTestSession(t, Params{White: "alice", Black: "bob"})

	_, err := s.Undo()
	assert.ErrorIs(t, err, ErrNothingToUndo)

	_, err = s.ApplyMove("alice", "e2e4")
	require.NoError(t, err)
	_, err = s.ApplyMove("bob", "e7e5")
	require.NoError(t, err)

	snap, err := s.Undo()
	require.NoError(t, err)
	assert.Equal(t, []string{"e2e4"}, snap.Moves)
	assert.Equal(t, chess.Black, snap.Turn)

	_, err = s.ApplyMove("bob", "c7c5")
	require.NoError(t, err)
}

func TestUndoReopensCheckmateButNotResignation(t *testing.T) {
	s, _ := newTestSession(t, Params{White: "alice", Black: "bob"})

	for i, mv := range []string{"f2f3", "e7e5", "g2g4", "d8h4"} {
		actor := "alice"
		if i%2 == 1 {
			actor = "bob"
		}
		_, err := s.ApplyMove(actor, mv)
		require.NoError(t, err)
	}

	snap := s.Snapshot()
	require.Equal(t, Result{Outcome: BlackWon, Reason: ReasonCheckmate}, snap.Result)

	snap, err := s.Undo()
	require.NoError(t, err)
	assert.False(t, snap.Terminal())
	assert.Nil(t, snap.FinishedAt)
	assert.Equal(t, chess.Black, snap.Turn)

	_, err = s.Resign("alice")
	require.NoError(t, err)
	_, err = s.Undo()
	assert.ErrorIs(t, err, ErrGameOver)
}

func TestConcurrentApplyMoveSingleLegalMove(t *testing.T) {
	// White's only legal move is c4c5.
	s, _ := newTestSession(t, Params{
		InitialFEN: "k5r1/8/8/8/2P5/8/r7/7K w - - 0 1",
		White:      "alice",
		Black:      "bob",
	})

	const callers = 100
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
		other     []error
	)

	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.ApplyMove("alice", "c4c5")

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrIllegalMove), errors.Is(err, ErrGameOver):
				rejected++
			default:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, rejected)
	assert.Empty(t, other)
	assert.Len(t, s.Snapshot().Moves, 1)
}

func TestDrawHandshake(t *testing.T) {
	s, _ := newTestSession(t, Params{White: "alice", Black: "bob"})

	require.NoError(t, s.OfferDraw("alice"))
	require.NoError(t, s.OfferDraw("alice"), "repeated offer is idempotent")
	assert.Equal(t, chess.White, s.Snapshot().DrawOffer)

	_, err := s.AcceptDraw("alice")
	assert.ErrorIs(t, err, ErrNoDrawOffer, "cannot accept one's own offer")

	_, err = s.ApplyMove("alice", "e2e4")
	require.NoError(t, err)
	_, err = s.ApplyMove("bob", "e7e5")
	require.NoError(t, err)
	assert.False(t, s.Snapshot().Terminal(), "a move does not accept the offer")

	res, err := s.AcceptDraw("bob")
	require.NoError(t, err)
	assert.Equal(t, Result{Outcome: Draw, Reason: ReasonAgreement}, res)

	_, err = s.AcceptDraw("bob")
	assert.ErrorIs(t, err, ErrGameOver)
}

func TestDrawErrors(t *testing.T) {
	s, _ := newTestSession(t, Params{White: "alice", Black: "bob"})

	_, err := s.AcceptDraw("bob")
	assert.ErrorIs(t, err, ErrNoDrawOffer)

	assert.ErrorIs(t, s.OfferDraw("carol"), ErrInvalidActor)

	require.NoError(t, s.OfferDraw("bob"))
	require.NoError(t, s.OfferDraw("alice"), "crossing offers agree to a draw")
	assert.Equal(t, Draw, s.Snapshot().Result.Outcome)
}

func TestResignRequiresPlayer(t *testing.T) {
	s, _ := newTestSession(t, Params{White: "alice"})

	_, err := s.Resign("mallory")
	assert.ErrorIs(t, err, ErrInvalidActor)

	res, err := s.Resign("alice")
	require.NoError(t, err)
	assert.Equal(t, BlackWon, res.Outcome)
}

func TestJoinAndLeave(t *testing.T) {
	s, _ := newTestSession(t, Params{TimeControl: chess.TimeControl{WhiteTime: time.Minute, BlackTime: time.Minute}})

	require.NoError(t, s.Join("alice", chess.White))
	require.NoError(t, s.Join("alice", chess.White), "rejoin is idempotent")
	assert.False(t, s.Snapshot().ClockRunning)

	assert.ErrorIs(t, s.Join("carol", chess.White), ErrSideTaken)
	assert.ErrorIs(t, s.Join("", chess.Black), ErrInvalidActor)

	require.NoError(t, s.Join("bob", chess.Black))
	assert.True(t, s.Snapshot().ClockRunning)

	require.NoError(t, s.Leave("bob"))
	assert.Empty(t, s.Snapshot().Black)
	assert.False(t, s.Snapshot().ClockRunning)

	require.NoError(t, s.Join("bob", chess.Black))
	_, err := s.ApplyMove("alice", "d2d4")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Leave("bob"), ErrGameInProgress)
	assert.ErrorIs(t, s.Leave("carol"), ErrInvalidActor)
}

func TestTimeoutEndsGame(t *testing.T) {
	ft := &fakeTime{now: time.Unix(0, 0)}
	s, rec := newTestSession(t, Params{
		White:       "alice",
		Black:       "bob",
		TimeControl: chess.TimeControl{WhiteTime: time.Second, BlackTime: time.Second},
		Clock:       []chess.ClockOption{chess.WithTimeSource(ft.Now)},
		Now:         ft.Now,
	})

	assert.False(t, s.CheckTimeout())
	ft.Advance(time.Second)

	_, err := s.ApplyMove("alice", "e2e4")
	assert.ErrorIs(t, err, ErrGameOver)

	snap := s.Snapshot()
	assert.Equal(t, Result{Outcome: BlackWon, Reason: ReasonTimeout}, snap.Result)
	assert.Empty(t, snap.Moves)
	assert.NotNil(t, rec.last().FinishedAt)
	assert.False(t, s.CheckTimeout(), "already finished")
}

func TestCheckTimeoutWallClock(t *testing.T) {
	s, _ := newTestSession(t, Params{
		White:       "alice",
		Black:       "bob",
		TimeControl: chess.TimeControl{WhiteTime: time.Second, BlackTime: time.Second},
	})

	require.Eventually(t, s.CheckTimeout, 1500*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, ReasonTimeout, s.Snapshot().Result.Reason)
}

func TestChat(t *testing.T) {
	ft := &fakeTime{now: time.Unix(1000, 0)}
	pub := events.NewPublisher(zap.NewNop())
	s, rec := newTestSession(t, Params{White: "alice", Now: ft.Now, Publisher: pub})

	watch := pub.Watch(s.ID.String(), 8)
	defer watch.Close()

	first, err := s.PostChat("alice", "  good luck ")
	require.NoError(t, err)
	assert.Equal(t, "good luck", first.Text)
	assert.Len(t, first.ID, 26)

	ft.Advance(time.Second)
	second, err := s.PostChat("viewer", "hi")
	require.NoError(t, err)
	assert.True(t, second.Timestamp.After(first.Timestamp))
	assert.Less(t, first.ID, second.ID)

	_, err = s.PostChat("alice", "   ")
	assert.ErrorIs(t, err, ErrInvalidChat)
	_, err = s.PostChat("", "hello")
	assert.ErrorIs(t, err, ErrInvalidActor)

	assert.Len(t, rec.chat, 2)

	ev := <-watch.Events()
	assert.Equal(t, events.EventChatPosted, ev.Type)
}

func TestChatIDsSortInPostingOrder(t *testing.T) {
	ft := &fakeTime{now: time.Unix(1000, 0)}
	s, rec := newTestSession(t, Params{White: "alice", Now: ft.Now})

	for i := 0; i < 200; i++ {
		_, err := s.PostChat("alice", fmt.Sprintf("line %d", i))
		require.NoError(t, err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	require.Len(t, rec.chat, 200)
	for i := 1; i < len(rec.chat); i++ {
		assert.Less(t, rec.chat[i-1].ID, rec.chat[i].ID, "entry %d", i)
		assert.Equal(t, rec.chat[i-1].Timestamp, rec.chat[i].Timestamp)
	}
}

func TestEngineMoveDiscardedWhenStale(t *testing.T) {
	s, _ := newTestSession(t, Params{White: "alice", EngineSide: chess.Black, EngineLevel: 3})

	_, ok := s.EngineToMove()
	assert.False(t, ok, "white to move")

	_, err := s.ApplyMove("alice", "e2e4")
	require.NoError(t, err)

	turn, ok := s.EngineToMove()
	require.True(t, ok)
	assert.Equal(t, 3, turn.Level)
	assert.Equal(t, 1, turn.Ply)
	assert.Contains(t, turn.FEN, " b ")

	_, err = s.Resign("alice")
	require.NoError(t, err)

	_, applied, err := s.ApplyEngineMove("e7e5", turn)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Len(t, s.Snapshot().Moves, 1)
}

func TestEngineMoveDiscardedWhenPositionChangedAtSamePly(t *testing.T) {
	s, _ := newTestSession(t, Params{White: "alice", EngineSide: chess.Black})

	_, err := s.ApplyMove("alice", "e2e4")
	require.NoError(t, err)
	_, applied, err := s.ApplyEngineMove("d7d5", mustEngineTurn(t, s))
	require.NoError(t, err)
	require.True(t, applied)
	_, err = s.ApplyMove("alice", "e4d5")
	require.NoError(t, err)

	searched := mustEngineTurn(t, s)

	_, err = s.Undo()
	require.NoError(t, err)
	_, err = s.ApplyMove("alice", "a2a3")
	require.NoError(t, err)

	current := mustEngineTurn(t, s)
	assert.Equal(t, searched.Ply, current.Ply)
	assert.NotEqual(t, searched.Key(), current.Key())

	_, applied, err = s.ApplyEngineMove("d8d5", searched)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, []string{"e2e4", "d7d5", "a2a3"}, s.Snapshot().Moves)

	_, applied, err = s.ApplyEngineMove("g8f6", current)
	require.NoError(t, err)
	assert.True(t, applied)
}

func mustEngineTurn(t *testing.T, s *Session) EngineTurn {
	t.Helper()

	turn, ok := s.EngineToMove()
	require.True(t, ok, "engine to move")
	return turn
}

func TestEngineMoveApplied(t *testing.T) {
	s, _ := newTestSession(t, Params{Black: "bob", EngineSide: chess.White})

	turn, ok := s.EngineToMove()
	require.True(t, ok)

	snap, applied, err := s.ApplyEngineMove("d2d4", turn)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, []string{"d2d4"}, snap.Moves)

	assert.ErrorIs(t, s.Join("carol", chess.White), ErrSideTaken)
	_, err = s.Resign(EngineActor)
	assert.ErrorIs(t, err, ErrInvalidActor)
}

func TestEventsArePublishedInOrder(t *testing.T) {
	pub := events.NewPublisher(zap.NewNop())
	s, _ := newTestSession(t, Params{White: "alice", Black: "bob", Publisher: pub})

	watch := pub.Watch(s.ID.String(), 16)
	defer watch.Close()

	_, err := s.ApplyMove("alice", "e2e4")
	require.NoError(t, err)
	require.NoError(t, s.OfferDraw("bob"))
	_, err = s.Resign("alice")
	require.NoError(t, err)

	var types []events.EventType
	var last uint64
	for i := 0; i < 3; i++ {
		ev := <-watch.Events()
		assert.Greater(t, ev.Seq, last)
		last = ev.Seq
		types = append(types, ev.Type)
	}

	assert.Equal(t, []events.EventType{events.EventMoveApplied, events.EventDrawOffered, events.EventGameOver}, types)
}

func TestNewSessionRejectsBadInput(t *testing.T) {
	_, err := NewSession(Params{InitialFEN: "not a fen"})
	assert.Error(t, err)

	_, err = NewSession(Params{White: "alice", EngineSide: chess.White})
	assert.ErrorIs(t, err, ErrSideTaken)
}
