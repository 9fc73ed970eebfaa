package generic

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"
)

const readHeaderTimeout = 10 * time.Second

type Server struct {
	Router *gin.Engine
	Port   string
}

// Serve listens in the background and returns the function that stops the listener.
func (s *Server) Serve() func(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "HTTP server stopped", "port", s.Port)
		}
	}()
	return func(ctx context.Context) error {
		srv.SetKeepAlivesEnabled(false)
		return srv.Shutdown(ctx)
	}
}
