package telemetry

import (
	"fmt"
	"testing"
	"time"

	"github.com/cryptonote-labs/cn-pool/internal/bus"
	"github.com/cryptonote-labs/cn-pool/internal/config"
)

func TestRecordPublishesToBus(t *testing.T) {
	b := bus.New(4)
	ch := b.Subscribe()

	r := NewRecorder(&config.NewRelicConfig{Enabled: false}, b)
	if err := r.Start(); err != nil {
		t.Fatalf("Start error = %v", err)
	}

	r.Record("daemon_rpc", 25*time.Millisecond, true)

	ev := <-ch
	tel := ev.Payload.(bus.Telemetry)
	if tel.Category != "daemon_rpc" || !tel.Success {
		t.Errorf("unexpected telemetry: %+v", tel)
	}
}

func TestTime(t *testing.T) {
	b := bus.New(4)
	ch := b.Subscribe()
	r := NewRecorder(&config.NewRelicConfig{}, b)

	if err := r.Time("ok_op", func() error { return nil }); err != nil {
		t.Fatalf("Time error = %v", err)
	}
	if ev := <-ch; !ev.Payload.(bus.Telemetry).Success {
		t.Error("successful operation must record success")
	}

	wantErr := fmt.Errorf("boom")
	if err := r.Time("bad_op", func() error { return wantErr }); err != wantErr {
		t.Fatalf("Time must return the callback error, got %v", err)
	}
	if ev := <-ch; ev.Payload.(bus.Telemetry).Success {
		t.Error("failed operation must record failure")
	}
}

func TestStartWithoutLicense(t *testing.T) {
	r := NewRecorder(&config.NewRelicConfig{Enabled: true, AppName: "cn-pool"}, bus.New(1))
	if err := r.Start(); err != nil {
		t.Errorf("Start without license key should degrade, got %v", err)
	}
	r.Stop()
}
