// Package metrics exports printer readings as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haghost5/hag5bridge/printer"
)

const namespace = "haghost5"

// Exporter holds the printer metrics on a private registry.
type Exporter struct {
	registry *prometheus.Registry

	nozzleTemperature *prometheus.GaugeVec
	nozzleTarget      *prometheus.GaugeVec
	bedTemperature    *prometheus.GaugeVec
	bedTarget         *prometheus.GaugeVec
	progress          *prometheus.GaugeVec
	elapsed           *prometheus.GaugeVec
	online            *prometheus.GaugeVec
	idle              *prometheus.GaugeVec
	updates           *prometheus.CounterVec
	printers          prometheus.Gauge
}

func newGauge(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		},
		[]string{"printer"},
	)
}

// New creates an exporter with all metrics registered.
func New() *Exporter {
	e := &Exporter{
		registry:          prometheus.NewRegistry(),
		nozzleTemperature: newGauge("nozzle_temperature_celsius", "Current nozzle temperature in Celsius"),
		nozzleTarget:      newGauge("nozzle_target_celsius", "Nozzle target temperature in Celsius"),
		bedTemperature:    newGauge("bed_temperature_celsius", "Current bed temperature in Celsius"),
		bedTarget:         newGauge("bed_target_celsius", "Bed target temperature in Celsius"),
		progress:          newGauge("print_progress_percent", "Progress of the current print in percent"),
		elapsed:           newGauge("print_elapsed_seconds", "Elapsed time of the current print in seconds"),
		online:            newGauge("online", "1 if the printer sent a status line recently, 0 otherwise"),
		idle:              newGauge("idle", "1 if the printer is idle, 0 if printing or paused"),
		updates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sensor_updates_total",
				Help:      "Number of sensor reading changes",
			},
			[]string{"printer", "sensor"},
		),
		printers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "printers",
				Help:      "Number of configured printers",
			},
		),
	}

	e.registry.MustRegister(
		e.nozzleTemperature,
		e.nozzleTarget,
		e.bedTemperature,
		e.bedTarget,
		e.progress,
		e.elapsed,
		e.online,
		e.idle,
		e.updates,
		e.printers,
	)
	return e
}

// Registry returns the exporter's registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// SetPrinters sets the number of loaded printers.
func (e *Exporter) SetPrinters(n int) {
	e.printers.Set(float64(n))
}

// Observe records a changed reading of printer ip.
func (e *Exporter) Observe(ip string, r printer.Reading) {
	e.updates.WithLabelValues(ip, r.Key).Inc()

	gauge := e.gaugeFor(r.Key)
	if gauge == nil {
		return
	}
	v, ok := value(r.State)
	if !ok {
		gauge.DeleteLabelValues(ip)
		return
	}
	gauge.WithLabelValues(ip).Set(v)
}

// Forget removes every series of printer ip.
func (e *Exporter) Forget(ip string) {
	for _, g := range []*prometheus.GaugeVec{
		e.nozzleTemperature, e.nozzleTarget, e.bedTemperature, e.bedTarget,
		e.progress, e.elapsed, e.online, e.idle,
	} {
		g.DeleteLabelValues(ip)
	}
	e.updates.DeletePartialMatch(prometheus.Labels{"printer": ip})
}

func (e *Exporter) gaugeFor(key string) *prometheus.GaugeVec {
	switch key {
	case printer.KeyNozzleTemperature:
		return e.nozzleTemperature
	case printer.KeyNozzleTarget:
		return e.nozzleTarget
	case printer.KeyBedTemperature:
		return e.bedTemperature
	case printer.KeyBedTarget:
		return e.bedTarget
	case printer.KeyProgress:
		return e.progress
	case printer.KeyElapsedTime:
		return e.elapsed
	case printer.KeyOnline:
		return e.online
	case printer.KeyIdle:
		return e.idle
	}
	return nil
}

func value(state interface{}) (float64, bool) {
	switch v := state.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
