package main

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (app *application) routes() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", app.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ws", app.handleWebSocket)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", app.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", app.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/pgn", app.handleSessionPGN).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/chat", app.handleSessionChat).Methods(http.MethodGet)

	router.Use(app.authenticate)

	return router
}
