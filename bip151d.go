package bip151d

import (
	"context"
	"fmt"

	"github.com/btcnode/bip151d/bip151"
	"github.com/btcnode/bip151d/build"
	"github.com/btcnode/bip151d/monitoring"
	"github.com/btcnode/bip151d/signal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// Main is the true entry point for bip151d. It accepts a fully populated and
// validated main configuration struct. This function starts all main system
// components then blocks until the interceptor signals shutdown, at which
// point everything is shut down again.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		dmonLog.Info("Shutdown complete")
		if err := cfg.LogWriter.Close(); err != nil {
			fmt.Println("Could not close log rotator:", err)
		}
	}()

	dmonLog.Infof("Starting bip151d on %v, deployment=%v",
		cfg.ActiveNetParams.Name, build.Deployment)

	var observer bip151.Observer = bip151.NoopObserver{}
	var exporter *monitoring.Exporter
	if cfg.Prometheus.Enabled() {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(
				collectors.ProcessCollectorOpts{},
			),
		)
		observer = monitoring.NewPromObserver(registry)

		var err error
		exporter, err = monitoring.ExportPrometheusMetrics(
			cfg.Prometheus, registry,
		)
		if err != nil {
			return fmt.Errorf("unable to start prometheus "+
				"exporter: %w", err)
		}
	}

	server, err := newServer(cfg, observer)
	if err != nil {
		dmonLog.Errorf("Unable to create server: %v", err)
		return err
	}

	if err := server.Start(); err != nil {
		dmonLog.Errorf("Unable to start server: %v", err)
		return err
	}

	interceptor.Notifier.NotifyReady()

	// Wait for shutdown, then tear down the server and the exporter side
	// by side.
	<-interceptor.ShutdownChannel()

	dmonLog.Info("Received shutdown request, stopping")

	var g errgroup.Group
	g.Go(server.Stop)

	if exporter != nil {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(
				context.Background(), defaultShutdownTimeout,
			)
			defer cancel()

			return exporter.Stop(ctx)
		})
	}

	return g.Wait()
}
