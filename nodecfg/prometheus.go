package nodecfg

import "fmt"

// DefaultPrometheusListen is the default address the metrics exporter binds
// to.
const DefaultPrometheusListen = "127.0.0.1:8989"

// Prometheus is the set of configuration data that specifies the listening
// address of the Prometheus exporter.
//
//nolint:ll
type Prometheus struct {
	// Listen is the listening address that we should use to allow the
	// main Prometheus server to scrape our metrics.
	Listen string `long:"listen" description:"the interface we should listen on for Prometheus"`

	// Enable indicates whether to export metrics to Prometheus.
	Enable bool `long:"enable" description:"enable Prometheus exporting of transport metrics"`
}

// DefaultPrometheus is the default configuration for the Prometheus metrics
// exporter.
func DefaultPrometheus() Prometheus {
	return Prometheus{
		Listen: DefaultPrometheusListen,
	}
}

// Enabled returns whether or not Prometheus monitoring is enabled.
func (p *Prometheus) Enabled() bool {
	return p.Enable
}

// Validate makes sure a listen address is set when exporting is enabled.
func (p *Prometheus) Validate() error {
	if p.Enable && p.Listen == "" {
		return fmt.Errorf("prometheus.listen must be set when " +
			"prometheus.enable is")
	}

	return nil
}
