package repository

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tecu23/session-server/pkg/game"
)

const (
	writeAttempts = 3
	writeTimeout  = 5 * time.Second
	retryBackoff  = 100 * time.Millisecond
)

type job struct {
	session *game.Record
	chat    *game.ChatEntry
}

// shard is an ordered mailbox drained by one worker.
type shard struct {
	mu      sync.Mutex
	queue   []job
	pending map[string]int // session id -> index of its queued record
	wake    chan struct{}
}

func (s *shard) push(j job) {
	s.mu.Lock()
	if j.session != nil {
		if i, ok := s.pending[j.session.ID]; ok {
			s.queue[i] = j
			s.mu.Unlock()
			return
		}
		s.pending[j.session.ID] = len(s.queue)
	}
	s.queue = append(s.queue, j)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *shard) take() []job {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.queue
	s.queue = nil
	clear(s.pending)

	return batch
}

// AsyncWriter persists session records and chat without blocking callers.
// Writes for one session go to the same worker and land in commit order; a
// record superseded before its write starts is skipped.
type AsyncWriter struct {
	store  Store
	shards []*shard
	group  errgroup.Group

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	logger *zap.Logger
}

// NewAsyncWriter starts workers writing to store.
func NewAsyncWriter(store Store, workers int, logger *zap.Logger) *AsyncWriter {
	if workers <= 0 {
		workers = 1
	}

	w := &AsyncWriter{
		store:  store,
		shards: make([]*shard, workers),
		done:   make(chan struct{}),
		logger: logger,
	}

	for i := range w.shards {
		s := &shard{
			pending: make(map[string]int),
			wake:    make(chan struct{}, 1),
		}
		w.shards[i] = s

		w.group.Go(func() error {
			w.run(s)
			return nil
		})
	}

	return w
}

func (w *AsyncWriter) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))

	return w.shards[h.Sum32()%uint32(len(w.shards))]
}

// RecordSession queues rec for persistence.
func (w *AsyncWriter) RecordSession(rec game.Record) {
	w.enqueue(rec.ID, job{session: &rec})
}

// RecordChat queues entry for persistence.
func (w *AsyncWriter) RecordChat(entry game.ChatEntry) {
	w.enqueue(entry.SessionID, job{chat: &entry})
}

func (w *AsyncWriter) enqueue(sessionID string, j job) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.logger.Warn("Dropping write after close", zap.String("session_id", sessionID))
		return
	}

	w.shardFor(sessionID).push(j)
}

func (w *AsyncWriter) run(s *shard) {
	for {
		select {
		case <-s.wake:
			w.drain(s)
		case <-w.done:
			w.drain(s)
			return
		}
	}
}

func (w *AsyncWriter) drain(s *shard) {
	for {
		batch := s.take()
		if len(batch) == 0 {
			return
		}

		for _, j := range batch {
			w.write(j)
		}
	}
}

func (w *AsyncWriter) write(j job) {
	var (
		err       error
		sessionID string
	)

	for attempt := 1; attempt <= writeAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		switch {
		case j.session != nil:
			sessionID = j.session.ID
			err = w.store.SaveSession(ctx, *j.session)
		case j.chat != nil:
			sessionID = j.chat.SessionID
			err = w.store.AppendChat(ctx, *j.chat)
		}
		cancel()

		if err == nil {
			return
		}

		w.logger.Warn("Persistence write failed",
			zap.String("session_id", sessionID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < writeAttempts {
			time.Sleep(retryBackoff << (attempt - 1))
		}
	}

	w.logger.Error("Giving up on persistence write",
		zap.String("session_id", sessionID),
		zap.Error(err))
}

// Close stops accepting writes and waits for queued writes to finish or for
// ctx to end.
func (w *AsyncWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.done)
	w.mu.Unlock()

	finished := make(chan error, 1)
	go func() { finished <- w.group.Wait() }()

	select {
	case err := <-finished:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
