package main

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tecu23/session-server/pkg/config"
	"github.com/tecu23/session-server/pkg/manager"
)

func TestRunClosesClientsAndDrainsWriter(t *testing.T) {
	cfg := &config.Config{
		EnginePoolSize:   1,
		PersistWorkers:   2,
		SessionRetention: time.Minute,
		SweepInterval:    time.Second,
		SnapshotTTL:      time.Hour,
		APIKeys:          []string{testKey},
	}

	app, err := newApplication(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- app.run(ctx, ln) }()

	url := "ws://" + ln.Addr().String() + "/ws?player=alice&api_key=" + testKey
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return app.Hub.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)

	snap, err := app.Manager.Create(manager.CreateParams{White: "alice", Black: "bob"})
	require.NoError(t, err)
	s, err := app.Manager.Get(snap.ID)
	require.NoError(t, err)
	for i, mv := range []string{"e2e4", "e7e5", "g1f3"} {
		actor := "alice"
		if i%2 == 1 {
			actor = "bob"
		}
		_, err = s.ApplyMove(actor, mv)
		require.NoError(t, err)
	}

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}

	// The websocket was closed by the server, not left to time out.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(time.Second)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			assert.False(t, isTimeout(err), "connection still open: %v", err)
			break
		}
	}

	rec, err := app.Store.LoadSession(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"e2e4", "e7e5", "g1f3"}, rec.Moves)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
