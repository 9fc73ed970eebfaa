package web

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
	"talosgateway/cmd/gateway/config"
	"talosgateway/pkg/gateway"
	"talosgateway/pkg/generic"
	"talosgateway/pkg/runtime"
)

type Server struct {
	*generic.Server
	*config.Config
}

func NewServer(router *gin.Engine, port string, config *config.Config) *Server {
	server := &Server{
		Server: &generic.Server{Router: router, Port: port},
		Config: config,
	}
	server.InstallHandlers()
	return server
}

func (s *Server) InstallHandlers() {
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	gateway.InstallHandler(s.Router, s.Config.Gateway)
	s.Router.NoRoute(func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})
}

// Serve starts the control cycles and the HTTP listener. The returned function stops the
// listener, then the cycles, then every dependency in reverse start order.
func (s *Server) Serve(ctx context.Context) func(ctx context.Context) {
	s.Config.Gateway.Start(ctx, gateway.Instances(s.Config.Devices.List()))
	stopHTTP := s.Server.Serve()

	closers := []runtime.LabeledCloser{
		{Label: "http server", Closer: stopHTTP},
		{Label: "control cycles", Closer: s.Config.Gateway.Shutdown},
		{Label: "devices", Closer: s.Config.Devices.Shutdown},
	}
	return func(ctx context.Context) {
		for _, lc := range closers {
			if err := lc.Closer(ctx); err != nil {
				klog.V(1).InfoS("Failed to stop", "service", lc.Label, "err", err)
			}
		}
	}
}
