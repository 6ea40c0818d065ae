// Package ops exposes the operational HTTP endpoint and the periodic
// maintenance sweep.
package ops

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/porter/internal/lock"
	"github.com/zulandar/porter/internal/session"
)

// StatsProvider exposes the lock manager snapshot.
// *orchestrator.Orchestrator is the production implementation.
type StatsProvider interface {
	LockStats() lock.Stats
}

// ServerOpts holds configuration for the ops HTTP server.
type ServerOpts struct {
	Stats    StatsProvider
	Sessions *session.Store
	Port     int
	Out      io.Writer
}

// Start launches the ops HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts ServerOpts) error {
	if opts.Stats == nil {
		return fmt.Errorf("ops: stats provider is required")
	}
	if opts.Sessions == nil {
		return fmt.Errorf("ops: session store is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8321
	}

	router := newRouter(opts.Stats, opts.Sessions)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Ops endpoint at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops: %w", err)
	}
	return nil
}

// newRouter builds the gin router with all ops routes.
func newRouter(stats StatsProvider, sessions *session.Store) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/api/stats", func(c *gin.Context) {
		active, total, err := sessions.Counts()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		ls := stats.LockStats()
		c.JSON(http.StatusOK, gin.H{
			"locks": gin.H{
				"active":               ls.Active,
				"queued_approx":        ls.QueuedApprox,
				"max_concurrent":       ls.MaxConcurrent,
				"active_conversations": ls.ActiveConversations,
			},
			"sessions": gin.H{
				"active": active,
				"total":  total,
			},
		})
	})

	return router
}
