package runtime

import (
	"fmt"
	"log"
	"net/http"

	"github.com/mohammad-safakhou/newser-intel/config"
	"github.com/mohammad-safakhou/newser-intel/internal/agent/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry encapsulates the metrics registry and tracer of one process.
type Telemetry struct {
	Registry *prometheus.Registry
	Agents   *telemetry.Telemetry
	Tracer   trace.Tracer
}

// SetupTelemetry registers process and agent collectors on a private
// registry. With telemetry disabled the agent collectors are still created
// but left unregistered.
func SetupTelemetry(cfg config.TelemetryConfig, logger *log.Logger) (*Telemetry, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "newser-intel"
	}
	reg := prometheus.NewRegistry()
	var target prometheus.Registerer
	if cfg.Enabled {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		target = reg
	}
	agents, err := telemetry.New(target, logger)
	if err != nil {
		return nil, fmt.Errorf("agent telemetry: %w", err)
	}
	return &Telemetry{Registry: reg, Agents: agents, Tracer: otel.Tracer(name)}, nil
}

// Handler serves the registry in the prometheus text format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.Registry, promhttp.HandlerOpts{Registry: t.Registry})
}
