package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/btcnode/bip151d/nodecfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// readHeaderTimeout bounds how long a scrape may take to send its headers.
const readHeaderTimeout = 10 * time.Second

// Exporter serves the metrics of a gatherer over HTTP.
type Exporter struct {
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// ExportPrometheusMetrics launches the Prometheus exporter on the configured
// address, serving the metrics of gatherer under /metrics.
func ExportPrometheusMetrics(cfg nodecfg.Prometheus,
	gatherer prometheus.Gatherer) (*Exporter, error) {

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		gatherer, promhttp.HandlerOpts{},
	))

	e := &Exporter{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		listener: listener,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(e.done)

		err := e.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Prometheus exporter failed: %v", err)
		}
	}()

	log.Infof("Prometheus exporter started on %v/metrics", listener.Addr())

	return e, nil
}

// Addr returns the address the exporter listens on.
func (e *Exporter) Addr() net.Addr {
	return e.listener.Addr()
}

// Stop shuts the exporter down, waiting for in flight scrapes until ctx
// expires.
func (e *Exporter) Stop(ctx context.Context) error {
	err := e.server.Shutdown(ctx)
	<-e.done

	return err
}
