package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = 5 * time.Second
	lineBuffer       = 256
)

var errEngineExited = errors.New("engine closed stdout")

// UCIEngine represents a UCI-compatible chess engine
type UCIEngine struct {
	ID uuid.UUID

	cmd *exec.Cmd

	stdinPipe  io.WriteCloser
	stdoutPipe io.ReadCloser
	reader     *bufio.Reader

	mutex    sync.Mutex // guards writes to stdin
	search   sync.Mutex // one search at a time
	lines    chan string
	quitChan chan struct{}
	closed   sync.Once

	logger *zap.Logger
}

// NewUCIEngine starts the engine process and waits for the UCI handshake.
// enginePath is the path to the engine executable (e.g. "stockfish").
func NewUCIEngine(ctx context.Context, enginePath string, logger *zap.Logger) (*UCIEngine, error) {
	cmd := exec.Command(enginePath)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("StdoutPipe error: %w", err)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("StdinPipe error: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("error starting engine: %w", err)
	}

	e := &UCIEngine{
		ID:         uuid.New(),
		cmd:        cmd,
		stdinPipe:  stdin,
		stdoutPipe: stdout,
		reader:     bufio.NewReader(stdout),
		lines:      make(chan string, lineBuffer),
		quitChan:   make(chan struct{}),
		logger:     logger,
	}

	go e.readLoop()

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err := e.writeCommand("uci"); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("error sending uci cmd: %w", err)
	}

	if err := e.awaitToken(hsCtx, "uciok"); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("wait uciok: %w", err)
	}

	if err := e.IsReady(hsCtx); err != nil {
		_ = e.Close()
		return nil, err
	}

	return e, nil
}

func (e *UCIEngine) readLoop() {
	defer close(e.lines)

	for {
		line, err := e.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				e.logger.Debug("Engine closed stdout", zap.String("engine_id", e.ID.String()))
			} else {
				e.logger.Warn("Error reading engine output",
					zap.String("engine_id", e.ID.String()),
					zap.Error(err))
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		e.logger.Debug("ENGINE>", zap.String("engine_id", e.ID.String()), zap.String("line", line))

		select {
		case e.lines <- line:
		case <-e.quitChan:
			return
		}
	}
}

func (e *UCIEngine) writeCommand(cmd string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	_, err := io.WriteString(e.stdinPipe, cmd+"\n")
	return err
}

func (e *UCIEngine) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-e.lines:
		if !ok {
			return "", errEngineExited
		}
		return line, nil
	}
}

func (e *UCIEngine) awaitToken(ctx context.Context, token string) error {
	for {
		line, err := e.readLine(ctx)
		if err != nil {
			return err
		}
		if strings.HasPrefix(line, token) {
			return nil
		}
	}
}

// IsReady performs the isready/readyok round trip.
func (e *UCIEngine) IsReady(ctx context.Context) error {
	if err := e.writeCommand("isready"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := e.awaitToken(ctx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}

	return nil
}

// Close stops the engine process. It is safe to call more than once.
func (e *UCIEngine) Close() error {
	var err error

	e.closed.Do(func() {
		close(e.quitChan)
		_ = e.writeCommand("quit")
		_ = e.stdinPipe.Close()

		done := make(chan error, 1)
		go func() { done <- e.cmd.Wait() }()

		select {
		case err = <-done:
		case <-time.After(time.Second):
			_ = e.cmd.Process.Kill()
			err = <-done
		}
	})

	return err
}

// SendCommand writes a raw command line to the engine.
func (e *UCIEngine) SendCommand(cmd string) error {
	return e.writeCommand(cmd)
}

// SetOption sends a setoption command.
func (e *UCIEngine) SetOption(name, value string) error {
	if value == "" {
		return e.writeCommand("setoption name " + name)
	}

	return e.writeCommand(fmt.Sprintf("setoption name %s value %s", name, value))
}

// Search runs a fixed-depth search from fen and returns the engine's choice.
func (e *UCIEngine) Search(ctx context.Context, fen string, depth int) (BestMove, error) {
	e.search.Lock()
	defer e.search.Unlock()

	if err := e.writeCommand(positionCommand(fen)); err != nil {
		return BestMove{}, fmt.Errorf("send position: %w", err)
	}
	if err := e.writeCommand("go depth " + strconv.Itoa(depth)); err != nil {
		return BestMove{}, fmt.Errorf("send go: %w", err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, SearchTimeout(depth))
	defer cancel()

	var result BestMove
	for {
		line, err := e.readLine(searchCtx)
		if err != nil {
			if searchCtx.Err() != nil {
				_ = e.writeCommand("stop")
			}
			return BestMove{}, fmt.Errorf("read line: %w", err)
		}

		switch {
		case strings.HasPrefix(line, "info "):
			if info, ok := parseInfo(line); ok {
				result.Depth = info.Depth
				result.Score = info.Score
			}

		case strings.HasPrefix(line, "bestmove"):
			move, ponder, err := parseBestMove(line)
			if err != nil {
				return BestMove{}, err
			}
			result.Move = move
			result.Ponder = ponder

			return result, nil
		}
	}
}

func positionCommand(fen string) string {
	fen = strings.TrimSpace(fen)
	if fen == "" || fen == "startpos" {
		return "position startpos"
	}

	return "position fen " + fen
}

// SearchTimeout bounds a search of the given depth.
func SearchTimeout(depth int) time.Duration {
	base := time.Duration(depth) * 300 * time.Millisecond
	if base < 6*time.Second {
		base = 6 * time.Second
	}
	if base > 20*time.Second {
		base = 20 * time.Second
	}

	return base
}

type infoLine struct {
	Depth int
	Score Score
}

// parseInfo extracts depth and score from an info line. Lines without a
// score (currmove, string, hashfull) are ignored.
func parseInfo(line string) (infoLine, bool) {
	parts := strings.Fields(line)

	var (
		info     infoLine
		scoreSet bool
	)

	for i := 1; i < len(parts); i++ {
		switch parts[i] {
		case "depth":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					info.Depth = v
				}
				i++
			}
		case "score":
			if i+2 < len(parts) {
				v, err := strconv.Atoi(parts[i+2])
				if err == nil {
					switch parts[i+1] {
					case "cp":
						info.Score = Score{Centipawns: v}
						scoreSet = true
					case "mate":
						info.Score = Score{Mate: v, IsMate: true}
						scoreSet = true
					}
				}
				i += 2
			}
		case "pv":
			i = len(parts)
		}
	}

	return info, scoreSet
}

func parseBestMove(line string) (move, ponder string, err error) {
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return "", "", fmt.Errorf("malformed bestmove line %q", line)
	}

	move = parts[1]
	if move == "(none)" || move == "0000" {
		return "", "", ErrNoLegalMove
	}

	if len(parts) >= 4 && parts[2] == "ponder" {
		ponder = parts[3]
	}

	return move, ponder, nil
}
