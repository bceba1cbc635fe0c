package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultAcquireTimeout = 5 * time.Second

// Spawner starts a ready engine.
type Spawner func(ctx context.Context) (*UCIEngine, error)

// Pool manages multiple chess engines
type Pool struct {
	engines    map[string]*UCIEngine
	available  chan string // IDs of available engines
	maxEngines int         // Maximum number of engine to create
	options    map[string]string
	spawn      Spawner
	shutdown   bool
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewEnginePool creates a new engine pool
func NewEnginePool(enginePath string, maxEngines int, options map[string]string, logger *zap.Logger) *Pool {
	if maxEngines <= 0 {
		maxEngines = 1
	}

	return &Pool{
		engines:    make(map[string]*UCIEngine),
		available:  make(chan string, maxEngines),
		maxEngines: maxEngines,
		options:    options,
		spawn: func(ctx context.Context) (*UCIEngine, error) {
			return NewUCIEngine(ctx, enginePath, logger)
		},
		logger: logger,
	}
}

// Initialize creates the initial pool of engines
func (p *Pool) Initialize(ctx context.Context) error {
	for i := 0; i < p.maxEngines; i++ {
		engine, err := p.start(ctx)
		if err != nil {
			return err
		}

		p.available <- engine.ID.String()
	}

	p.logger.Info("Engine pool initialized", zap.Int("count", p.Size()))
	return nil
}

func (p *Pool) start(ctx context.Context) (*UCIEngine, error) {
	engine, err := p.spawn(ctx)
	if err != nil {
		return nil, err
	}

	id := engine.ID.String()

	p.mu.Lock()
	p.engines[id] = engine
	p.mu.Unlock()

	if len(p.options) > 0 {
		if err := p.ConfigureEngine(id, p.options); err != nil {
			p.remove(id)
			return nil, fmt.Errorf("configure engine: %w", err)
		}
		if err := engine.IsReady(ctx); err != nil {
			p.remove(id)
			return nil, err
		}
	}

	return engine, nil
}

// Size returns the number of live engines.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.engines)
}

// Acquire retrieves an available engine, waiting up to five seconds or
// until ctx is done.
func (p *Pool) Acquire(ctx context.Context) (Searcher, error) {
	timer := time.NewTimer(defaultAcquireTimeout)
	defer timer.Stop()

	for {
		select {
		case engineID, ok := <-p.available:
			if !ok {
				return nil, errors.New("engine pool is shut down")
			}

			p.mu.RLock()
			engine, exists := p.engines[engineID]
			p.mu.RUnlock()

			if !exists {
				continue
			}

			p.logger.Debug("Engine retrieved from pool", zap.String("engine_id", engineID))
			return engine, nil

		case <-timer.C:
			return nil, errors.New("no engines available in the pool")

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns an engine to the pool. An engine that failed is closed
// and replaced by a fresh process.
func (p *Pool) Release(s Searcher, failure error) {
	engine, ok := s.(*UCIEngine)
	if !ok {
		return
	}

	engineID := engine.ID.String()

	if failure != nil && !errors.Is(failure, ErrNoLegalMove) {
		p.logger.Warn("Replacing failed engine",
			zap.String("engine_id", engineID),
			zap.Error(failure))

		p.remove(engineID)
		go p.replace()
		return
	}

	// available is closed under the write lock
	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, exists := p.engines[engineID]; !exists || p.shutdown {
		return
	}

	// Non-blocking send to available channel
	select {
	case p.available <- engineID:
		p.logger.Debug("Engine returned to pool", zap.String("engine_id", engineID))
	default:
		p.logger.Warn("Failed to return engine to pool, channel full",
			zap.String("engine_id", engineID))
	}
}

func (p *Pool) replace() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*handshakeTimeout)
	defer cancel()

	engine, err := p.start(ctx)
	if err != nil {
		p.logger.Error("Error starting replacement engine", zap.Error(err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		delete(p.engines, engine.ID.String())
		_ = engine.Close()
		return
	}

	p.available <- engine.ID.String()
}

func (p *Pool) remove(engineID string) {
	p.mu.Lock()
	engine, exists := p.engines[engineID]
	delete(p.engines, engineID)
	p.mu.Unlock()

	if exists {
		if err := engine.Close(); err != nil {
			p.logger.Debug("Error closing engine",
				zap.String("engine_id", engineID),
				zap.Error(err))
		}
	}
}

// Shutdown closes all engines in the pool
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, engine := range p.engines {
		if err := engine.Close(); err != nil {
			p.logger.Error("Error closing engine",
				zap.String("engine_id", id),
				zap.Error(err))
		}
	}

	p.shutdown = true
	close(p.available)
	p.engines = make(map[string]*UCIEngine)

	p.logger.Info("Engine pool shut down")
}

// ConfigureEngine applies configuration to a specific engine
func (p *Pool) ConfigureEngine(engineID string, options map[string]string) error {
	p.mu.RLock()
	engine, exists := p.engines[engineID]
	p.mu.RUnlock()

	if !exists {
		return errors.New("engine not found")
	}

	names := make([]string, 0, len(options))
	for name := range options {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := engine.SetOption(name, options[name]); err != nil {
			return err
		}
	}

	return nil
}

// ParseOptions reads "Name=value,Name2=value" into a map of UCI options.
func ParseOptions(s string) (map[string]string, error) {
	options := make(map[string]string)

	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		name, value, _ := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("engine option %q has no name", pair)
		}

		options[name] = strings.TrimSpace(value)
	}

	return options, nil
}
