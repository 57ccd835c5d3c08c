package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tuleaj/plugin-aggregator/internal/shared/faults"
)

// fail maps a typed error onto an HTTP status
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch faults.KindOf(err) {
	case faults.PluginNotFound, faults.EnvironmentNotFound, faults.ManifestMissing:
		status = http.StatusNotFound
	case faults.ManifestInvalid, faults.UnresolvableVersion:
		status = http.StatusBadRequest
	case faults.EnvironmentExists, faults.SyncInFlight:
		status = http.StatusConflict
	case faults.SyncTimeout:
		status = http.StatusGatewayTimeout
	case faults.SyncFailed, faults.ProcessSpawnFailed, faults.ToolUnavailable:
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  string(faults.KindOf(err)),
	})
}
