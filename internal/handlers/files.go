package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshrelay/internal/logutil"
	"github.com/gluk-w/sshrelay/internal/sftpfiles"
)

func sessionHandle(w http.ResponseWriter, r *http.Request) (*ssh.Client, bool) {
	if Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "Session registry not initialized")
		return nil, false
	}
	id := chi.URLParam(r, "id")
	if Registry.GetSession(id) == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return nil, false
	}
	handle := Registry.GetUnderlyingHandle(id)
	if handle == nil {
		writeError(w, http.StatusConflict, "Session is not connected")
		return nil, false
	}
	return handle, true
}

func fileError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case sftpfiles.IsNotExist(err):
		writeError(w, http.StatusNotFound, "Path not found")
	case errors.Is(err, sftpfiles.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "File too large")
	default:
		log.Warn().
			Str("module", "handlers").
			Str("session_id", logutil.SanitizeForLog(chi.URLParam(r, "id"))).
			Err(err).
			Msg(op + " failed")
		writeError(w, http.StatusBadGateway, "Failed to "+op)
	}
}

// ListFiles lists a remote directory over the session's SSH connection.
//
// Query parameters:
//
//	path - directory to list (default: remote working directory)
func ListFiles(w http.ResponseWriter, r *http.Request) {
	handle, ok := sessionHandle(w, r)
	if !ok {
		return
	}
	dir := r.URL.Query().Get("path")
	entries, err := sftpfiles.ListDirectory(handle, dir)
	if err != nil {
		fileError(w, r, "list directory", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":    dir,
		"entries": entries,
	})
}

// ReadFileContent returns a remote file as application/octet-stream.
func ReadFileContent(w http.ResponseWriter, r *http.Request) {
	handle, ok := sessionHandle(w, r)
	if !ok {
		return
	}
	name := r.URL.Query().Get("path")
	if name == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	data, err := sftpfiles.ReadFile(handle, name, 0)
	if err != nil {
		fileError(w, r, "read file", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
