package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rekindle/rekindle/pkg/community"
)

// diagnosticsServer is a loopback-only operator surface, separate from
// the member transport (app_call/app_message over the overlay and the
// same-host IPC protocol): a place to curl /healthz or /api/v1/stats without
// going through either. Grounded on the teacher's mesh-storage HTTP API
// (CORS/logging/recovery middleware, versioned route groups), trimmed
// to the two endpoints this server actually needs.
type diagnosticsServer struct {
	host       *community.Host
	router     *gin.Engine
	httpServer *http.Server
	startedAt  time.Time
	ln         net.Listener
	port       int
}

// newDiagnosticsServer binds to 127.0.0.1 on the given port (0 picks an
// ephemeral port, reported back via Port after Listen runs).
func newDiagnosticsServer(host *community.Host, port int) *diagnosticsServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	d := &diagnosticsServer{host: host, router: router, startedAt: time.Now(), port: port}
	d.setupRoutes()
	return d
}

func (d *diagnosticsServer) setupRoutes() {
	d.router.GET("/healthz", d.handleHealthz)

	v1 := d.router.Group("/api/v1")
	{
		v1.GET("/stats", d.handleStats)
	}
}

func (d *diagnosticsServer) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptimeSeconds": int64(time.Since(d.startedAt).Seconds()),
	})
}

func (d *diagnosticsServer) handleStats(c *gin.Context) {
	communities := d.host.Server().Communities()
	members := 0
	for _, hc := range communities {
		members += len(hc.Members)
	}
	c.JSON(http.StatusOK, gin.H{
		"hostedCommunities": len(communities),
		"totalMembers":      members,
		"uptimeSeconds":     int64(time.Since(d.startedAt).Seconds()),
	})
}

// Listen binds 127.0.0.1:port (an ephemeral port if port is 0). It runs
// synchronously so the caller can read Port() immediately after, before
// handing the server off to Start in a goroutine.
func (d *diagnosticsServer) Listen() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", d.port))
	if err != nil {
		return fmt.Errorf("diagnostics: listen: %w", err)
	}
	d.ln = ln
	d.port = ln.Addr().(*net.TCPAddr).Port
	return nil
}

// Start serves on the listener bound by Listen until ctx is cancelled,
// then shuts down gracefully.
func (d *diagnosticsServer) Start(ctx context.Context) error {
	d.httpServer = &http.Server{
		Handler:      d.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.httpServer.Shutdown(shutdownCtx)
	}()

	if err := d.httpServer.Serve(d.ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Port returns the bound port. Only meaningful after Listen has been
// called (or immediately, if the caller supplied a fixed nonzero port).
func (d *diagnosticsServer) Port() int { return d.port }
