package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/devicectl/pkg/models"
)

// Recorder collects device layer metrics. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	commandsTotal    *prometheus.CounterVec
	commandAttempts  *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	faultsTotal      *prometheus.CounterVec
	recoveriesTotal  *prometheus.CounterVec
	recoveryDuration *prometheus.HistogramVec
	rebootsTotal     *prometheus.CounterVec
	rebootDuration   *prometheus.HistogramVec
	wifiAttempts     *prometheus.CounterVec
	transfersTotal   *prometheus.CounterVec
	logBufferBytes   *prometheus.GaugeVec
	deviceState      *prometheus.GaugeVec
}

// NewRecorder creates a recorder registered on its own registry
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devicectl_commands_total",
				Help: "Commands executed by completion status",
			},
			[]string{"kind", "status"},
		),
		commandAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devicectl_command_attempts_total",
				Help: "Individual command attempts sent to the transport",
			},
			[]string{"kind"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devicectl_command_duration_seconds",
				Help:    "Command duration including retries",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"kind"},
		),
		faultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devicectl_transport_faults_total",
				Help: "Transport faults seen by the command executor",
			},
			[]string{"class"},
		),
		recoveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devicectl_recoveries_total",
				Help: "Recovery attempts by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		recoveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devicectl_recovery_duration_seconds",
				Help:    "Time spent recovering a device",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"mode"},
		),
		rebootsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devicectl_reboots_total",
				Help: "Boot transitions by kind and outcome; userspace reboots are reported separately from full reboots",
			},
			[]string{"kind", "outcome"},
		),
		rebootDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devicectl_reboot_duration_seconds",
				Help:    "Time from trigger until the target state was observed",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"kind"},
		),
		wifiAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devicectl_wifi_connect_attempts_total",
				Help: "Wifi association attempts by outcome",
			},
			[]string{"outcome"},
		),
		transfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devicectl_file_transfers_total",
				Help: "File transfers by direction and outcome",
			},
			[]string{"direction", "outcome"},
		),
		logBufferBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "devicectl_log_buffer_bytes",
				Help: "Bytes held by the background log capture buffer",
			},
			[]string{"serial"},
		),
		deviceState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "devicectl_device_state",
				Help: "1 for the current connectivity state of each device",
			},
			[]string{"serial", "state"},
		),
	}

	r.registry.MustRegister(
		r.commandsTotal,
		r.commandAttempts,
		r.commandDuration,
		r.faultsTotal,
		r.recoveriesTotal,
		r.recoveryDuration,
		r.rebootsTotal,
		r.rebootDuration,
		r.wifiAttempts,
		r.transfersTotal,
		r.logBufferBytes,
		r.deviceState,
	)

	return r
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// CommandFinished records a command result
func (r *Recorder) CommandFinished(kind models.CommandKind, status models.CommandStatus, duration time.Duration) {
	if r == nil {
		return
	}
	r.commandsTotal.WithLabelValues(string(kind), string(status)).Inc()
	r.commandDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

// CommandAttempt records one attempt sent to the transport
func (r *Recorder) CommandAttempt(kind models.CommandKind) {
	if r == nil {
		return
	}
	r.commandAttempts.WithLabelValues(string(kind)).Inc()
}

// Fault records a transport fault by class
func (r *Recorder) Fault(class string) {
	if r == nil {
		return
	}
	r.faultsTotal.WithLabelValues(class).Inc()
}

// Recovery records a recovery attempt
func (r *Recorder) Recovery(mode models.RecoveryMode, success bool, duration time.Duration) {
	if r == nil {
		return
	}
	r.recoveriesTotal.WithLabelValues(string(mode), outcome(success)).Inc()
	r.recoveryDuration.WithLabelValues(string(mode)).Observe(duration.Seconds())
}

// Reboot records a boot transition. Userspace reboots carry their own kind label.
func (r *Recorder) Reboot(kind models.RebootKind, success bool, duration time.Duration) {
	if r == nil {
		return
	}
	r.rebootsTotal.WithLabelValues(string(kind), outcome(success)).Inc()
	if success {
		r.rebootDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
	}
}

// RebootSkipped records a transition suppressed by configuration
func (r *Recorder) RebootSkipped(kind models.RebootKind) {
	if r == nil {
		return
	}
	r.rebootsTotal.WithLabelValues(string(kind), "skipped").Inc()
}

// WifiAttempt records one association attempt
func (r *Recorder) WifiAttempt(success bool) {
	if r == nil {
		return
	}
	r.wifiAttempts.WithLabelValues(outcome(success)).Inc()
}

// Transfer records one file transfer
func (r *Recorder) Transfer(direction string, success bool) {
	if r == nil {
		return
	}
	r.transfersTotal.WithLabelValues(direction, outcome(success)).Inc()
}

// LogBuffer records the size of a device's log buffer
func (r *Recorder) LogBuffer(serial string, bytes int) {
	if r == nil {
		return
	}
	r.logBufferBytes.WithLabelValues(serial).Set(float64(bytes))
}

// DeviceState sets the state gauge of serial to state
func (r *Recorder) DeviceState(serial string, state models.ConnectivityState) {
	if r == nil {
		return
	}
	for _, s := range models.AllStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.deviceState.WithLabelValues(serial, string(s)).Set(v)
	}
}

// ForgetDevice drops per-device series of serial
func (r *Recorder) ForgetDevice(serial string) {
	if r == nil {
		return
	}
	r.logBufferBytes.DeleteLabelValues(serial)
	for _, s := range models.AllStates {
		r.deviceState.DeleteLabelValues(serial, string(s))
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
