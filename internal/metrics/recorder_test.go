package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/psantana5/devicectl/pkg/models"
)

func TestRebootKindsAreSeparate(t *testing.T) {
	r := NewRecorder()
	r.Reboot(models.RebootFull, true, 30*time.Second)
	r.Reboot(models.RebootUserspace, false, 0)
	r.Reboot(models.RebootUserspace, true, 5*time.Second)

	if got := testutil.ToFloat64(r.rebootsTotal.WithLabelValues("full", "success")); got != 1 {
		t.Errorf("full success = %v, expected 1", got)
	}
	if got := testutil.ToFloat64(r.rebootsTotal.WithLabelValues("full", "failure")); got != 0 {
		t.Errorf("userspace failure leaked into full reboots: %v", got)
	}
	if got := testutil.ToFloat64(r.rebootsTotal.WithLabelValues("userspace", "failure")); got != 1 {
		t.Errorf("userspace failure = %v, expected 1", got)
	}
}

func TestDeviceStateGauge(t *testing.T) {
	r := NewRecorder()
	r.DeviceState("abc", models.StateOnline)
	r.DeviceState("abc", models.StateBootloader)

	if got := testutil.ToFloat64(r.deviceState.WithLabelValues("abc", "BOOTLOADER")); got != 1 {
		t.Errorf("BOOTLOADER gauge = %v, expected 1", got)
	}
	if got := testutil.ToFloat64(r.deviceState.WithLabelValues("abc", "ONLINE")); got != 0 {
		t.Errorf("ONLINE gauge = %v, expected 0", got)
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.CommandFinished(models.KindShell, models.StatusCompleted, time.Second)
	r.Reboot(models.RebootFull, true, time.Second)
	r.DeviceState("abc", models.StateOnline)
	if r.Registry() != nil {
		t.Error("nil recorder should have no registry")
	}
}

func TestHandler(t *testing.T) {
	r := NewRecorder()
	r.CommandFinished(models.KindShell, models.StatusCompleted, 50*time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), `devicectl_commands_total{kind="shell",status="COMPLETED"} 1`) {
		t.Errorf("expected command counter in output, got:\n%s", rec.Body.String())
	}
}
