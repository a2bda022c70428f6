package handlers

import (
	"net/http"
)

// ListKnownHosts returns host keys trusted on first use.
func ListKnownHosts(w http.ResponseWriter, r *http.Request) {
	if HostKeys == nil {
		writeError(w, http.StatusNotFound, "Host key store is not enabled")
		return
	}
	hosts, err := HostKeys.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list known hosts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"known_hosts": hosts})
}

// ForgetKnownHost removes a trusted key so the next connection records a new
// one. The address query parameter is host:port.
func ForgetKnownHost(w http.ResponseWriter, r *http.Request) {
	if HostKeys == nil {
		writeError(w, http.StatusNotFound, "Host key store is not enabled")
		return
	}
	address := r.URL.Query().Get("address")
	if address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	removed, err := HostKeys.Forget(address)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to forget host key")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "Host not known")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
