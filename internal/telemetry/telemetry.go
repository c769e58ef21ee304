// Package telemetry records timed operations, forwarding them to the
// message bus and, when configured, to New Relic APM.
package telemetry

import (
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/cryptonote-labs/cn-pool/internal/bus"
	"github.com/cryptonote-labs/cn-pool/internal/config"
	"github.com/cryptonote-labs/cn-pool/internal/util"
)

// Recorder publishes telemetry events
type Recorder struct {
	cfg *config.NewRelicConfig
	bus *bus.Bus

	mu  sync.RWMutex
	app *newrelic.Application
}

// NewRecorder creates a telemetry recorder. The bus may not be nil; the
// APM agent is optional and enabled via config.
func NewRecorder(cfg *config.NewRelicConfig, b *bus.Bus) *Recorder {
	return &Recorder{cfg: cfg, bus: b}
}

// Start initializes the APM agent if enabled
func (r *Recorder) Start() error {
	if !r.cfg.Enabled {
		util.Info("APM telemetry disabled")
		return nil
	}
	if r.cfg.LicenseKey == "" {
		util.Warn("APM license key not configured, telemetry stays bus-only")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(r.cfg.AppName),
		newrelic.ConfigLicense(r.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
	)
	if err != nil {
		return err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("APM connection timeout: %v (will retry in background)", err)
	}

	r.mu.Lock()
	r.app = app
	r.mu.Unlock()

	util.Infof("APM telemetry enabled for app: %s", r.cfg.AppName)
	return nil
}

// Stop shuts down the APM agent
func (r *Recorder) Stop() {
	r.mu.Lock()
	app := r.app
	r.app = nil
	r.mu.Unlock()

	if app != nil {
		app.Shutdown(5 * time.Second)
	}
}

// Record publishes one timed operation
func (r *Recorder) Record(category string, d time.Duration, success bool) {
	r.bus.PublishTelemetry(category, d, success)

	r.mu.RLock()
	app := r.app
	r.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent("PoolTelemetry", map[string]interface{}{
			"category":    category,
			"duration_ms": float64(d.Microseconds()) / 1000.0,
			"success":     success,
		})
	}
}

// Time runs fn and records its duration under category
func (r *Recorder) Time(category string, fn func() error) error {
	start := time.Now()
	err := fn()
	r.Record(category, time.Since(start), err == nil)
	return err
}
