package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tecu23/session-server/pkg/game"
	"github.com/tecu23/session-server/pkg/repository"
)

func (app *application) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		app.Logger.Debug("Failed to write response", zap.Error(err))
	}
}

func (app *application) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := game.ErrorCode(err)

	status := http.StatusInternalServerError
	switch code {
	case game.CodeSessionNotFound:
		status = http.StatusNotFound
	case game.CodeBadRequest:
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		app.Logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}

	app.writeJSON(w, status, map[string]any{
		"code":    code,
		"message": err.Error(),
	})
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}

	return limit
}

// handleListSessions lists live sessions, or stored ones with ?stored=true.
func (app *application) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("stored") == "true" {
		summaries, err := app.Store.ListSessions(r.Context(), queryLimit(r))
		if err != nil {
			app.writeError(w, r, err)
			return
		}
		app.writeJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
		return
	}

	app.writeJSON(w, http.StatusOK, map[string]any{"sessions": app.Manager.List()})
}

// handleGetSession returns the live snapshot, or the stored record once the
// session has left memory.
func (app *application) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if s, err := app.Manager.Get(id); err == nil {
		app.writeJSON(w, http.StatusOK, s.Snapshot())
		return
	}

	rec, err := app.Manager.Record(r.Context(), id)
	if err != nil {
		app.writeError(w, r, err)
		return
	}

	app.writeJSON(w, http.StatusOK, rec)
}

func (app *application) handleSessionPGN(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rec, err := app.Manager.Record(r.Context(), id)
	if err != nil {
		app.writeError(w, r, err)
		return
	}

	pgn, err := repository.BuildPGN(rec)
	if err != nil {
		app.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-chess-pgn")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.pgn"`)
	_, _ = w.Write([]byte(pgn))
}

func (app *application) handleSessionChat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	entries, err := app.Manager.Chat(r.Context(), id, queryLimit(r))
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []game.ChatEntry{}
	}

	app.writeJSON(w, http.StatusOK, map[string]any{"messages": entries})
}
