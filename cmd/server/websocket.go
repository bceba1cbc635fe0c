package main

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/tecu23/session-server/pkg/server"
)

// handleWebSocket handles WebSocket connections. The player query
// parameter names the participant; without it the connection id is used.
// The name is taken as given: API keys admit a client, they do not vouch
// for which player it is.
func (app *application) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Upgrade HTTP connection to WebSocket
	ws, err := app.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		app.Logger.Error("Failed to upgrade to WebSocket", zap.Error(err))
		return
	}

	// Create and register connection
	conn := server.NewConnection(ws, app.Hub, app.Publisher, r.URL.Query().Get("player"), app.Logger)
	app.Hub.Register(conn)

	app.Logger.Info("WebSocket connection established",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("player_id", conn.PlayerID))

	// Start connection read/write goroutines
	go conn.WritePump()
	go conn.ReadPump()
}
