package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tecu23/session-server/pkg/chess"
	"github.com/tecu23/session-server/pkg/engine"
	"github.com/tecu23/session-server/pkg/events"
	"github.com/tecu23/session-server/pkg/game"
	"github.com/tecu23/session-server/pkg/repository"
)

const (
	DefaultRetention     = 10 * time.Minute
	DefaultSweepInterval = 30 * time.Second

	engineCallTimeout = 30 * time.Second
)

// BestMover computes engine moves.
type BestMover interface {
	BestMove(ctx context.Context, fen string, difficulty int) (engine.BestMove, error)
}

// CreateParams describes a new session.
type CreateParams struct {
	InitialFEN  string
	TimeControl chess.TimeControl
	White       string
	Black       string
	EngineSide  chess.Color
	EngineLevel int
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder queues every committed state for persistence.
func WithRecorder(r game.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithStore serves evicted sessions and chat history from store.
func WithStore(s repository.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithEngine enables engine-controlled sides.
func WithEngine(e BestMover) Option {
	return func(m *Manager) { m.engine = e }
}

// WithRetention sets how long finished sessions stay in memory.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// WithSweepInterval sets how often Run checks clocks and evicts sessions.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithClockOptions passes clock options to every new session.
func WithClockOptions(opts ...chess.ClockOption) Option {
	return func(m *Manager) { m.clockOpts = opts }
}

// WithNow replaces the wall clock used for timestamps and eviction.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager is the session registry. It owns the id to session mapping and
// session lifecycle; sessions are only mutated through their own methods.
type Manager struct {
	sessions map[uuid.UUID]*game.Session
	mu       sync.RWMutex

	thinking   map[string]struct{} // session@ply:fen keys with a search in flight
	thinkingMu sync.Mutex

	publisher *events.Publisher
	recorder  game.Recorder
	store     repository.Store
	engine    BestMover

	retention     time.Duration
	sweepInterval time.Duration
	clockOpts     []chess.ClockOption
	now           func() time.Time

	logger *zap.Logger
}

// NewManager creates a new manager with in-memory storage
func NewManager(logger *zap.Logger, publisher *events.Publisher, opts ...Option) *Manager {
	manager := &Manager{
		sessions:      make(map[uuid.UUID]*game.Session),
		thinking:      make(map[string]struct{}),
		publisher:     publisher,
		retention:     DefaultRetention,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		logger:        logger,
	}

	for _, opt := range opts {
		opt(manager)
	}

	// Set up event handlers
	manager.setupEventHandlers()

	return manager
}

// setupEventHandlers sets up event handlers for the session manager
func (m *Manager) setupEventHandlers() {
	// Handle connection closed events
	m.publisher.Subscribe(events.EventConnectionClosed, func(event events.Event) {
		payload, ok := event.Payload.(map[string]string)
		if !ok {
			m.logger.Error("Invalid connection closed payload type")
			return
		}

		m.releaseSeats(payload["actor"])
	})

	if m.engine == nil {
		return
	}

	// Any of these can hand the move to an engine-controlled side.
	for _, t := range []events.EventType{
		events.EventSessionCreated,
		events.EventPlayerJoined,
		events.EventMoveApplied,
		events.EventMoveUndone,
	} {
		m.publisher.Subscribe(t, func(event events.Event) {
			// relayed events belong to another node's sessions
			if event.Origin != "" {
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), engineCallTimeout)
			defer cancel()

			if err := m.EngineMove(ctx, event.SessionID); err != nil {
				m.logger.Debug("Engine move not played",
					zap.String("session_id", event.SessionID),
					zap.Error(err))
			}
		})
	}
}

// releaseSeats frees the seats actor holds in games that have not started.
func (m *Manager) releaseSeats(actor string) {
	if actor == "" {
		return
	}

	for _, s := range m.all() {
		snap := s.Snapshot()
		if snap.Terminal() || len(snap.Moves) > 0 {
			continue
		}
		if snap.White != actor && snap.Black != actor {
			continue
		}

		if err := s.Leave(actor); err != nil {
			m.logger.Debug("Could not release seat",
				zap.String("session_id", snap.ID),
				zap.String("actor", actor),
				zap.Error(err))
			continue
		}

		m.logger.Info("Released seat of disconnected player",
			zap.String("session_id", snap.ID),
			zap.String("actor", actor))
	}
}

// Create creates a new session with the given parameters and registers it.
// Persistence is fire-and-forget through the recorder.
func (m *Manager) Create(p CreateParams) (game.Snapshot, error) {
	if p.EngineSide.Valid() && m.engine == nil {
		return game.Snapshot{}, fmt.Errorf("%w: no engine configured", engine.ErrEngineUnavailable)
	}

	session, err := game.NewSession(game.Params{
		ID:          uuid.New(),
		InitialFEN:  p.InitialFEN,
		TimeControl: p.TimeControl,
		White:       p.White,
		Black:       p.Black,
		EngineSide:  p.EngineSide,
		EngineLevel: engine.ClampDifficulty(p.EngineLevel),
		Recorder:    m.recorder,
		Publisher:   m.publisher,
		Logger:      m.logger,
		Clock:       m.clockOpts,
		Now:         m.now,
	})
	if err != nil {
		return game.Snapshot{}, err
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	m.logger.Info("created new game session",
		zap.String("session_id", session.ID.String()),
		zap.String("time_control", p.TimeControl.String()))

	return session.Start(), nil
}

// Get returns a live session by ID
func (m *Manager) Get(id string) (*game.Session, error) {
	key, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", game.ErrSessionNotFound, id)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", game.ErrSessionNotFound, id)
	}

	return session, nil
}

// Join binds actor to side of session id.
func (m *Manager) Join(id, actor string, side chess.Color) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	return s.Join(actor, side)
}

// Leave frees actor's seat in session id.
func (m *Manager) Leave(id, actor string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	return s.Leave(actor)
}

func (m *Manager) all() []*game.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*game.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}

	return sessions
}

// List summarises every live session, ordered by id. Each summary is read
// separately, so a listing may mix moments.
func (m *Manager) List() []game.Summary {
	sessions := m.all()

	summaries := make([]game.Summary, 0, len(sessions))
	for _, s := range sessions {
		sum := s.Summary()
		sum.Viewers = m.publisher.Watchers(sum.ID)
		summaries = append(summaries, sum)
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })

	return summaries
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sessions)
}

// Record returns the durable form of a session, reading the store for
// sessions no longer in memory.
func (m *Manager) Record(ctx context.Context, id string) (game.Record, error) {
	s, err := m.Get(id)
	if err == nil {
		return s.Record(), nil
	}
	if m.store == nil {
		return game.Record{}, err
	}

	return m.store.LoadSession(ctx, id)
}

// Chat returns the stored transcript of a session.
func (m *Manager) Chat(ctx context.Context, id string, limit int) ([]game.ChatEntry, error) {
	if m.store == nil {
		if _, err := m.Get(id); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return m.store.ListChat(ctx, id, limit)
}

// EngineMove plays the engine's move in session id if the engine is to
// move. The search runs without holding the session lock and its result
// is dropped if the game moved on meanwhile.
func (m *Manager) EngineMove(ctx context.Context, id string) error {
	if m.engine == nil {
		return engine.ErrEngineUnavailable
	}

	s, err := m.Get(id)
	if err != nil {
		return err
	}

	turn, ok := s.EngineToMove()
	if !ok {
		return nil
	}

	key := id + "@" + turn.Key()
	if !m.claim(key) {
		return nil
	}

	best, err := m.engine.BestMove(ctx, turn.FEN, turn.Level)
	if err != nil {
		m.unclaim(key)
		m.logger.Warn("Engine failed to move",
			zap.String("session_id", id),
			zap.Int("ply", turn.Ply),
			zap.Error(err))

		m.publisher.Publish(events.Event{
			Type:      events.EventEngineFailed,
			SessionID: id,
			Payload: map[string]any{
				"code":      game.ErrorCode(err),
				"message":   err.Error(),
				"retryable": game.Retryable(err),
			},
		})
		return err
	}

	_, applied, err := s.ApplyEngineMove(best.Move, turn)
	m.unclaim(key)
	if err != nil {
		return fmt.Errorf("apply engine move %s: %w", best.Move, err)
	}
	if !applied {
		m.logger.Debug("Discarded stale engine move",
			zap.String("session_id", id),
			zap.String("move", best.Move),
			zap.Int("ply", turn.Ply))

		// The position changed under the search. Search the new one
		// unless its own trigger already did.
		return m.EngineMove(ctx, id)
	}

	m.logger.Debug("Engine moved",
		zap.String("session_id", id),
		zap.String("move", best.Move),
		zap.String("score", best.Score.String()))

	return nil
}

func (m *Manager) claim(key string) bool {
	m.thinkingMu.Lock()
	defer m.thinkingMu.Unlock()

	if _, busy := m.thinking[key]; busy {
		return false
	}
	m.thinking[key] = struct{}{}

	return true
}

func (m *Manager) unclaim(key string) {
	m.thinkingMu.Lock()
	defer m.thinkingMu.Unlock()

	delete(m.thinking, key)
}

// CheckTimeouts ends every game whose side to move has flagged.
func (m *Manager) CheckTimeouts() int {
	flagged := 0
	for _, s := range m.all() {
		if s.CheckTimeout() {
			flagged++
		}
	}

	return flagged
}

// Sweep evicts sessions that finished more than the retention window before
// now. Their persisted records remain readable through Record.
func (m *Manager) Sweep(now time.Time) int {
	var expired []uuid.UUID

	for _, s := range m.all() {
		res, finishedAt := s.Result()
		if res.Over() && now.Sub(finishedAt) >= m.retention {
			expired = append(expired, s.ID)
		}
	}

	if len(expired) == 0 {
		return 0
	}

	m.mu.Lock()
	for _, id := range expired {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.logger.Info("removed game session", zap.String("session_id", id.String()))
		m.publisher.Publish(events.Event{
			Type:      events.EventSessionEvicted,
			SessionID: id.String(),
		})
	}

	return len(expired)
}

// Run checks clocks and evicts finished sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if n := m.CheckTimeouts(); n > 0 {
				m.logger.Info("Games ended on time", zap.Int("count", n))
			}
			m.Sweep(m.now())
		}
	}
}
