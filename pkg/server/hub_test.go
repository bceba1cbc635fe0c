package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tecu23/session-server/pkg/events"
	"github.com/tecu23/session-server/pkg/manager"
	"github.com/tecu23/session-server/pkg/messages"
)

type received struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()

	logger := zap.NewNop()
	publisher := events.NewPublisher(logger)
	hub := NewHub(manager.NewManager(logger, publisher), logger)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConnection(ws, hub, publisher, r.URL.Query().Get("player"), logger)
		hub.Register(conn)

		go conn.WritePump()
		go conn.ReadPump()
	}))
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})

	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server, player string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?player=" + player
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	msg := next(t, ws, messages.EventConnected)
	var hello messages.ConnectedPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &hello))
	assert.Equal(t, player, hello.PlayerID)

	return ws
}

func send(t *testing.T, ws *websocket.Conn, typ string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(messages.InboundMessage{Type: typ, Payload: raw}))
}

// next reads until a message of the given event arrives.
func next(t *testing.T, ws *websocket.Conn, event string) received {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg received
		require.NoError(t, ws.ReadJSON(&msg))
		if msg.Event == event {
			return msg
		}
	}
}

func TestHubGameFlow(t *testing.T) {
	srv, hub := newTestServer(t)

	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	send(t, alice, messages.TypeCreateSession, messages.CreateSessionPayload{TimeControl: "5+0", Color: "white"})

	var created messages.GameCreatedPayload
	require.NoError(t, json.Unmarshal(next(t, alice, messages.EventGameCreated).Payload, &created))
	assert.NotEmpty(t, created.SessionID)
	assert.Equal(t, int64(300000), created.WhiteTime)

	send(t, bob, messages.TypeJoinSession, messages.JoinSessionPayload{SessionID: created.SessionID})

	var state messages.GameStatePayload
	require.NoError(t, json.Unmarshal(next(t, bob, messages.EventGameState).Payload, &state))
	assert.Equal(t, "alice", state.White)
	assert.Equal(t, "bob", state.Black)

	send(t, alice, messages.TypeMakeMove, messages.MakeMovePayload{SessionID: created.SessionID, Move: "e2e4"})

	for {
		require.NoError(t, json.Unmarshal(next(t, bob, messages.EventGameState).Payload, &state))
		if len(state.Moves) > 0 {
			break
		}
	}
	assert.Equal(t, []string{"e2e4"}, state.Moves)

	send(t, bob, messages.TypeMakeMove, messages.MakeMovePayload{SessionID: created.SessionID, Move: "e7e4"})

	var failure messages.ErrorPayload
	require.NoError(t, json.Unmarshal(next(t, bob, messages.EventError).Payload, &failure))
	assert.Equal(t, "ILLEGAL_MOVE", string(failure.Code))
	assert.Equal(t, created.SessionID, failure.SessionID)

	assert.Equal(t, 2, hub.Connections())
}

func TestHubRejectsUnknownAndMalformed(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv, "carol")

	send(t, ws, "DANCE", messages.SessionPayload{})

	var failure messages.ErrorPayload
	require.NoError(t, json.Unmarshal(next(t, ws, messages.EventError).Payload, &failure))
	assert.Equal(t, "BAD_REQUEST", string(failure.Code))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, json.Unmarshal(next(t, ws, messages.EventError).Payload, &failure))
	assert.Equal(t, "BAD_REQUEST", string(failure.Code))

	send(t, ws, messages.TypeGetState, messages.SessionPayload{SessionID: "missing"})
	require.NoError(t, json.Unmarshal(next(t, ws, messages.EventError).Payload, &failure))
	assert.Equal(t, "SESSION_NOT_FOUND", string(failure.Code))
}

func TestHubWatchAndList(t *testing.T) {
	srv, _ := newTestServer(t)

	alice := dial(t, srv, "alice")
	viewer := dial(t, srv, "viewer")

	send(t, alice, messages.TypeCreateSession, messages.CreateSessionPayload{Color: "black"})

	var created messages.GameCreatedPayload
	require.NoError(t, json.Unmarshal(next(t, alice, messages.EventGameCreated).Payload, &created))
	assert.Equal(t, "b", string(created.Color))

	send(t, viewer, messages.TypeListSessions, nil)

	var list struct {
		Sessions []struct {
			ID string `json:"id"`
		} `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(next(t, viewer, messages.EventSessionList).Payload, &list))
	require.Len(t, list.Sessions, 1)

	send(t, viewer, messages.TypeWatchSession, messages.SessionPayload{SessionID: created.SessionID})
	next(t, viewer, messages.EventGameState)

	send(t, alice, messages.TypeSendChat, messages.SendChatPayload{SessionID: created.SessionID, Text: "hello"})

	var chat struct {
		Author string `json:"author"`
		Text   string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(next(t, viewer, messages.EventChatMessage).Payload, &chat))
	assert.Equal(t, "alice", chat.Author)
	assert.Equal(t, "hello", chat.Text)
}
