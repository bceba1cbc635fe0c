package game

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	nchess "github.com/corentings/chess/v2"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/tecu23/session-server/pkg/chess"
	"github.com/tecu23/session-server/pkg/events"
)

// MaxChatLength is the longest accepted chat message, in runes.
const MaxChatLength = 500

// Recorder receives the durable state of a session after every change.
// Implementations must not block.
type Recorder interface {
	RecordSession(rec Record)
	RecordChat(entry ChatEntry)
}

// Notifier receives fan-out events. Implementations must not block.
type Notifier interface {
	Publish(event events.Event)
}

// Params configures a new Session.
type Params struct {
	ID          uuid.UUID
	InitialFEN  string
	TimeControl chess.TimeControl
	White       string
	Black       string
	EngineSide  chess.Color
	EngineLevel int

	Recorder  Recorder
	Publisher Notifier
	Logger    *zap.Logger
	Clock     []chess.ClockOption
	Now       func() time.Time
}

// Session owns one game. All mutations hold mu exclusively; Snapshot takes
// the read lock. The board is always the fold of moves over initialFEN.
type Session struct {
	ID uuid.UUID

	mu sync.RWMutex

	initialFEN  string
	board       *nchess.Game
	moves       []string
	players     map[chess.Color]Participant
	engineSide  chess.Color
	engineLevel int

	clock       *chess.Clock
	timeControl chess.TimeControl

	result     Result
	drawOffer  chess.Color
	createdAt  time.Time
	finishedAt time.Time
	seq        uint64
	lastChat   time.Time
	entropy    *ulid.MonotonicEntropy // chat ids, guarded by mu

	recorder  Recorder
	publisher Notifier
	logger    *zap.Logger
	now       func() time.Time
}

// NewSession creates a session at the initial position.
func NewSession(p Params) (*Session, error) {
	board, err := newBoard(p.InitialFEN)
	if err != nil {
		return nil, err
	}
	if board.Outcome() != nchess.NoOutcome {
		return nil, fmt.Errorf("initial position is already decided")
	}

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}

	s := &Session{
		ID:          p.ID,
		initialFEN:  strings.TrimSpace(p.InitialFEN),
		board:       board,
		players:     make(map[chess.Color]Participant, 2),
		engineLevel: p.EngineLevel,
		clock:       chess.NewClock(p.TimeControl, p.Clock...),
		timeControl: p.TimeControl,
		createdAt:   p.Now(),
		entropy:     ulid.Monotonic(rand.Reader, 0),
		recorder:    p.Recorder,
		publisher:   p.Publisher,
		logger:      p.Logger.With(zap.String("session_id", p.ID.String())),
		now:         p.Now,
	}
	if s.initialFEN == "startpos" || s.initialFEN == StartFEN {
		s.initialFEN = ""
	}

	s.clock.SetActive(turnOf(board))

	if p.EngineSide.Valid() {
		s.engineSide = p.EngineSide
		s.players[p.EngineSide] = Participant{ID: EngineActor, Side: p.EngineSide, Role: RoleEngine}
	}
	for side, id := range map[chess.Color]string{chess.White: p.White, chess.Black: p.Black} {
		if id == "" {
			continue
		}
		if _, taken := s.players[side]; taken {
			return nil, fmt.Errorf("%w: %s", ErrSideTaken, side)
		}
		s.players[side] = Participant{ID: id, Side: side, Role: RolePlayer}
	}

	if len(s.players) == 2 {
		s.clock.Start()
	}

	return s, nil
}

// Start records and announces a freshly created session.
func (s *Session) Start() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitLocked(events.EventSessionCreated)
}

// ApplyMove validates and plays uci for actor. Either the whole move is
// applied (log, board, clock, result) or nothing changes.
func (s *Session) ApplyMove(actor, uci string) (Snapshot, error) {
	mv, err := chess.ParseUCI(uci)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.applyMoveLocked(actor, mv)
}

func (s *Session) applyMoveLocked(actor string, mv chess.Move) (Snapshot, error) {
	if err := s.ensureOngoingLocked(); err != nil {
		return Snapshot{}, err
	}
	if len(s.sidesOf(actor)) == 0 {
		return Snapshot{}, ErrInvalidActor
	}
	if !isLegal(s.board, mv.String()) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrIllegalMove, mv)
	}

	turn := turnOf(s.board)
	if s.players[turn].ID != actor {
		return Snapshot{}, ErrNotYourTurn
	}

	if err := s.board.PushNotationMove(mv.String(), nchess.UCINotation{}, nil); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrIllegalMove, mv)
	}

	if flagged := s.clock.Switch(); flagged {
		// The flag fell between the check above and the switch: the move
		// arrived too late and is dropped.
		if err := s.rebuildLocked(s.moves); err != nil {
			return Snapshot{}, err
		}
		s.finishLocked(winFor(turn.Opp(), ReasonTimeout))
		s.commitLocked(events.EventGameOver)
		return Snapshot{}, fmt.Errorf("%w: %s ran out of time", ErrGameOver, turn)
	}
	s.moves = append(s.moves, mv.String())

	s.logger.Debug("move applied",
		zap.String("actor", actor),
		zap.String("move", mv.String()),
		zap.Int("ply", len(s.moves)))

	if res := boardResult(s.board); res.Over() {
		s.finishLocked(res)
		s.commitLocked(events.EventMoveApplied)
		return s.commitLocked(events.EventGameOver), nil
	}

	return s.commitLocked(events.EventMoveApplied), nil
}

// Undo takes back exactly one ply, whichever side played it. Clock time
// already used is not refunded. A game decided on the board (mate,
// stalemate, draw by rule) is reopened; resignation, timeout and agreement
// are final.
func (s *Session) Undo() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reopen := s.result.Over() && decidedOnBoard(s.result.Reason)
	if !reopen {
		if err := s.ensureOngoingLocked(); err != nil {
			return Snapshot{}, err
		}
	}
	if len(s.moves) == 0 {
		return Snapshot{}, ErrNothingToUndo
	}

	if err := s.rebuildLocked(s.moves[:len(s.moves)-1]); err != nil {
		return Snapshot{}, err
	}
	s.moves = s.moves[:len(s.moves)-1]
	s.clock.Rewind()

	if reopen {
		s.result = Result{}
		s.finishedAt = time.Time{}
		if len(s.players) == 2 {
			s.clock.Start()
		}
	}

	return s.commitLocked(events.EventMoveUndone), nil
}

// Resign ends the game in favour of actor's opponent.
func (s *Session) Resign(actor string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOngoingLocked(); err != nil {
		return Result{}, err
	}

	side, ok := s.playerSide(actor, turnOf(s.board))
	if !ok {
		return Result{}, ErrInvalidActor
	}

	s.finishLocked(winFor(side.Opp(), ReasonResignation))
	s.commitLocked(events.EventGameOver)

	return s.result, nil
}

// OfferDraw records a draw offer from actor. Repeating an outstanding offer
// changes nothing; offering while the opponent's offer stands accepts it.
func (s *Session) OfferDraw(actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOngoingLocked(); err != nil {
		return err
	}

	side, ok := s.playerSide(actor, turnOf(s.board))
	if !ok {
		return ErrInvalidActor
	}

	switch s.drawOffer {
	case side:
		return nil
	case side.Opp():
		s.finishLocked(Result{Outcome: Draw, Reason: ReasonAgreement})
		s.commitLocked(events.EventGameOver)
		return nil
	}

	s.drawOffer = side
	s.commitLocked(events.EventDrawOffered)

	return nil
}

// AcceptDraw ends the game as a draw if the other side has an offer
// outstanding.
func (s *Session) AcceptDraw(actor string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOngoingLocked(); err != nil {
		return Result{}, err
	}

	if s.drawOffer == "" {
		return Result{}, ErrNoDrawOffer
	}

	side, ok := s.playerSide(actor, s.drawOffer.Opp())
	if !ok {
		return Result{}, ErrInvalidActor
	}
	if side == s.drawOffer {
		return Result{}, ErrNoDrawOffer
	}

	s.finishLocked(Result{Outcome: Draw, Reason: ReasonAgreement})
	s.commitLocked(events.EventGameOver)

	return s.result, nil
}

// Join binds actor to side. Rejoining one's own side is a no-op. The clock
// starts once both sides are bound.
func (s *Session) Join(actor string, side chess.Color) error {
	if actor == "" || actor == EngineActor {
		return ErrInvalidActor
	}
	if !side.Valid() {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidActor, side)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.result.Over() {
		return ErrGameOver
	}

	if p, bound := s.players[side]; bound {
		if p.ID == actor {
			return nil
		}
		return fmt.Errorf("%w: %s is played by %s", ErrSideTaken, side, p.ID)
	}

	s.players[side] = Participant{ID: actor, Side: side, Role: RolePlayer}
	if len(s.players) == 2 {
		s.clock.Start()
	}

	s.commitLocked(events.EventPlayerJoined)

	return nil
}

// Leave frees actor's seat. Seats can only be given up before the first move.
func (s *Session) Leave(actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.result.Over() {
		return ErrGameOver
	}

	sides := s.sidesOf(actor)
	if len(sides) == 0 || actor == EngineActor {
		return ErrInvalidActor
	}
	if len(s.moves) > 0 {
		return ErrGameInProgress
	}

	for _, side := range sides {
		delete(s.players, side)
	}
	s.clock.Stop()
	s.drawOffer = ""

	s.commitLocked(events.EventPlayerLeft)

	return nil
}

// CheckTimeout ends the game if the side to move has run out of time.
func (s *Session) CheckTimeout() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.result.Over() {
		return false
	}

	return s.flagLocked()
}

// PostChat appends a chat line. Chat stays open after the game ends.
func (s *Session) PostChat(author, text string) (ChatEntry, error) {
	text = strings.TrimSpace(text)
	if author == "" {
		return ChatEntry{}, ErrInvalidActor
	}
	if text == "" || utf8.RuneCountInString(text) > MaxChatLength {
		return ChatEntry{}, ErrInvalidChat
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now()
	if ts.Before(s.lastChat) {
		ts = s.lastChat
	}
	s.lastChat = ts

	id, err := ulid.New(ulid.Timestamp(ts), s.entropy)
	if err != nil {
		return ChatEntry{}, fmt.Errorf("generate chat id: %w", err)
	}

	entry := ChatEntry{
		ID:        id.String(),
		SessionID: s.ID.String(),
		Author:    author,
		Text:      text,
		Timestamp: ts,
	}

	if s.recorder != nil {
		s.recorder.RecordChat(entry)
	}

	s.seq++
	s.publish(events.EventChatPosted, entry)

	return entry, nil
}

// Snapshot returns a consistent view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshotLocked()
}

// Record returns the durable form of the session.
func (s *Session) Record() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.recordLocked()
}

// Summary returns the listing form of the session.
func (s *Session) Summary() Summary {
	return s.Record().Summary()
}

// Result returns the terminal result and when it was reached.
func (s *Session) Result() (Result, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.result, s.finishedAt
}

// EngineTurn is the position an engine search starts from.
type EngineTurn struct {
	FEN   string
	Level int
	Ply   int
}

// Key identifies the position for deduplicating searches.
func (t EngineTurn) Key() string {
	return fmt.Sprintf("%d:%s", t.Ply, t.FEN)
}

// EngineToMove reports whether the engine plays the side to move in an
// ongoing game, with the position the engine should search.
func (s *Session) EngineToMove() (EngineTurn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.engineTurnLocked()
}

func (s *Session) engineTurnLocked() (EngineTurn, bool) {
	if s.result.Over() || !s.engineSide.Valid() || turnOf(s.board) != s.engineSide {
		return EngineTurn{}, false
	}

	return EngineTurn{FEN: s.board.FEN(), Level: s.engineLevel, Ply: len(s.moves)}, true
}

// ApplyEngineMove plays an engine move computed outside the lock. The move
// is discarded unless the session still shows the searched position.
func (s *Session) ApplyEngineMove(uci string, turn EngineTurn) (Snapshot, bool, error) {
	mv, err := chess.ParseUCI(uci)
	if err != nil {
		return Snapshot{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.engineTurnLocked()
	if !ok || current.Ply != turn.Ply || current.FEN != turn.FEN {
		return Snapshot{}, false, nil
	}

	snap, err := s.applyMoveLocked(EngineActor, mv)
	if err != nil {
		return Snapshot{}, false, err
	}

	return snap, true, nil
}

func (s *Session) rebuildLocked(moves []string) error {
	board, err := Replay(s.initialFEN, moves)
	if err != nil {
		return fmt.Errorf("rebuild board: %w", err)
	}

	s.board = board

	return nil
}

func decidedOnBoard(r Reason) bool {
	switch r {
	case ReasonResignation, ReasonTimeout, ReasonAgreement:
		return false
	default:
		return true
	}
}

func (s *Session) ensureOngoingLocked() error {
	if s.result.Over() {
		return ErrGameOver
	}
	if s.flagLocked() {
		return fmt.Errorf("%w: time ran out", ErrGameOver)
	}

	return nil
}

// flagLocked finishes the game if a side has flagged.
func (s *Session) flagLocked() bool {
	side, flagged := s.clock.Flagged()
	if !flagged {
		return false
	}

	s.finishLocked(winFor(side.Opp(), ReasonTimeout))
	s.commitLocked(events.EventGameOver)

	return true
}

func (s *Session) finishLocked(res Result) {
	s.result = res
	s.finishedAt = s.now()
	s.drawOffer = ""
	s.clock.Stop()

	s.logger.Info("game over",
		zap.String("outcome", string(res.Outcome)),
		zap.String("reason", string(res.Reason)),
		zap.Int("plies", len(s.moves)))
}

// commitLocked bumps the sequence, queues the record and publishes the new
// state, in that order.
func (s *Session) commitLocked(eventType events.EventType) Snapshot {
	s.seq++

	if s.recorder != nil {
		s.recorder.RecordSession(s.recordLocked())
	}

	snap := s.snapshotLocked()
	s.publish(eventType, snap)

	return snap
}

func (s *Session) publish(eventType events.EventType, payload any) {
	if s.publisher == nil {
		return
	}

	s.publisher.Publish(events.Event{
		Type:      eventType,
		SessionID: s.ID.String(),
		Seq:       s.seq,
		Payload:   payload,
		Timestamp: s.now(),
	})
}

func (s *Session) snapshotLocked() Snapshot {
	times := s.clock.Times()

	snap := Snapshot{
		ID:           s.ID.String(),
		FEN:          s.board.FEN(),
		Moves:        append([]string(nil), s.moves...),
		Turn:         turnOf(s.board),
		White:        s.players[chess.White].ID,
		Black:        s.players[chess.Black].ID,
		EngineSide:   s.engineSide,
		EngineLevel:  s.engineLevel,
		WhiteTime:    times.White.Milliseconds(),
		BlackTime:    times.Black.Milliseconds(),
		ClockRunning: times.Running,
		TimeControl:  s.timeControl.String(),
		Result:       s.result,
		DrawOffer:    s.drawOffer,
		Seq:          s.seq,
		CreatedAt:    s.createdAt,
	}
	if s.result.Over() {
		finished := s.finishedAt
		snap.FinishedAt = &finished
	}

	return snap
}

func (s *Session) recordLocked() Record {
	rec := Record{
		ID:          s.ID.String(),
		InitialFEN:  s.initialFEN,
		Moves:       append([]string(nil), s.moves...),
		White:       optional(s.players[chess.White].ID),
		Black:       optional(s.players[chess.Black].ID),
		EngineSide:  string(s.engineSide),
		TimeControl: s.timeControl.String(),
		Seq:         s.seq,
		CreatedAt:   s.createdAt,
	}
	if s.result.Over() {
		res := s.result
		finished := s.finishedAt
		rec.Result = &res
		rec.FinishedAt = &finished
	}

	return rec
}

// sidesOf lists the sides bound to actor. Self-play binds both.
func (s *Session) sidesOf(actor string) []chess.Color {
	var sides []chess.Color
	for _, side := range []chess.Color{chess.White, chess.Black} {
		if p, ok := s.players[side]; ok && p.ID == actor {
			sides = append(sides, side)
		}
	}

	return sides
}

// playerSide resolves the human side actor plays, preferring prefer when
// actor holds both.
func (s *Session) playerSide(actor string, prefer chess.Color) (chess.Color, bool) {
	if actor == "" || actor == EngineActor {
		return "", false
	}

	sides := s.sidesOf(actor)
	switch len(sides) {
	case 0:
		return "", false
	case 1:
		return sides[0], true
	default:
		return prefer, true
	}
}
