package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dreamware/devmesh/internal/api"
	"github.com/dreamware/devmesh/internal/config"
	"github.com/dreamware/devmesh/internal/engine"
	"github.com/dreamware/devmesh/internal/metrics"
	"github.com/dreamware/devmesh/internal/observability"
)

// logFatal is swapped out by tests.
var logFatal = log.Fatalf

func main() {
	cfg, err := config.Load(getenv("DEVMESH_CONFIG", ""))
	if err != nil {
		logFatal("config: %v", err)
	}

	shutdownTracing, err := observability.InitTracing(cfg.Tracing, "devmesh-coordinator", cfg.NodeID)
	if err != nil {
		logFatal("tracing: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec, err := metrics.NewRecorder(reg)
	if err != nil {
		logFatal("metrics: %v", err)
	}

	eng, err := engine.New(cfg, engine.Options{Events: rec})
	if err != nil {
		logFatal("engine: %v", err)
	}
	reg.MustRegister(metrics.NewCollector(eng))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	eng.Start(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewServer(eng, reg).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("coordinator %s listening on %s", cfg.NodeID, cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	eng.Stop()
	_ = shutdownTracing(shutdownCtx)
	log.Println("coordinator stopped")
}

// getenv returns the environment variable k, or def when it is unset or
// empty.
//
// Example:
//
//	path := getenv("DEVMESH_CONFIG", "")
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
