package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/sshrelay/internal/session"
)

// ListSessions returns every live session. Credentials are never included.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	if Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "Session registry not initialized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": Registry.ListSessions(),
	})
}

type sessionDetail struct {
	session.Record
	Transitions []session.Transition `json:"transitions"`
}

// GetSession returns one session with its recent state transitions.
func GetSession(w http.ResponseWriter, r *http.Request) {
	if Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "Session registry not initialized")
		return
	}
	id := chi.URLParam(r, "id")
	rec := Registry.GetSession(id)
	if rec == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	transitions := Registry.Transitions(id)
	if transitions == nil {
		transitions = []session.Transition{}
	}
	writeJSON(w, http.StatusOK, sessionDetail{Record: *rec, Transitions: transitions})
}

// CloseSession disconnects a session. Any client bound to it is notified.
func CloseSession(w http.ResponseWriter, r *http.Request) {
	if Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "Session registry not initialized")
		return
	}
	id := chi.URLParam(r, "id")
	if !Registry.DisconnectWithReason(id, session.ReasonRequested, nil) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// ListConnections returns the relay's client bindings.
func ListConnections(w http.ResponseWriter, r *http.Request) {
	if Relay == nil {
		writeError(w, http.StatusServiceUnavailable, "Relay not initialized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": Relay.Bindings(),
	})
}

// RelayWS upgrades the request to the relay protocol.
func RelayWS(w http.ResponseWriter, r *http.Request) {
	if Relay == nil {
		writeError(w, http.StatusServiceUnavailable, "Relay not initialized")
		return
	}
	Relay.ServeHTTP(w, r)
}
