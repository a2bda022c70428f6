package handlers

import (
	"net/http"

	"github.com/gluk-w/sshrelay/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	sessions, connections := 0, 0
	if Registry != nil {
		sessions = Registry.Len()
	}
	if Relay != nil {
		connections = len(Relay.Bindings())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"database":    dbStatus,
		"sessions":    sessions,
		"connections": connections,
	})
}
