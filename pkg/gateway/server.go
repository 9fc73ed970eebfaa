package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func InstallHandler(router gin.IRoutes, mgr *Manager) {
	router.GET("/healthz", healthz(mgr))
}

// healthz answers 200 while the cycles run, 503 otherwise.
func healthz(mgr *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		s := mgr.Status()
		if !s.Running {
			c.JSON(http.StatusServiceUnavailable, s)
			return
		}
		c.JSON(http.StatusOK, s)
	}
}
