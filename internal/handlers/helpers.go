package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gluk-w/sshrelay/internal/audit"
	"github.com/gluk-w/sshrelay/internal/hostkeys"
	"github.com/gluk-w/sshrelay/internal/relay"
	"github.com/gluk-w/sshrelay/internal/session"
)

// Set from main.go during init.
var (
	Registry *session.Registry
	Relay    *relay.Server
	Auditor  *audit.Auditor
	HostKeys *hostkeys.Store // nil unless the TOFU policy is active
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
