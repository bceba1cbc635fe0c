package main

import (
	"net/http"

	"go.uber.org/zap"
)

// authenticate checks the API key on every route but /health. Browsers
// cannot set headers on a websocket handshake, so the key may also come
// as the api_key query parameter.
func (app *application) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !app.Auth.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get("X-Api-Key")
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}

		if app.Auth.IsValidKey(apiKey) {
			next.ServeHTTP(w, r)
			return
		}

		app.Logger.Warn(
			"Authentication failed",
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
		)
		w.Header().Set("WWW-Authenticate", "APIKey")
		http.Error(w, "Unauthorized: invalid API key", http.StatusUnauthorized)
	})
}

func (app *application) checkOrigin(r *http.Request) bool {
	if app.Config.FrontendOrigin == "" {
		return true
	}

	return r.Header.Get("Origin") == app.Config.FrontendOrigin
}
