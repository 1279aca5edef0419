// Package api exposes allocated devices over HTTP
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/devicectl/internal/device"
	"github.com/psantana5/devicectl/internal/logging"
	"github.com/psantana5/devicectl/internal/manager"
	"github.com/psantana5/devicectl/internal/store"
	"github.com/psantana5/devicectl/pkg/models"
)

const defaultEventLimit = 50

// DeviceView is one row of the device listing
type DeviceView struct {
	Serial     string                   `json:"serial"`
	State      models.ConnectivityState `json:"state"`
	Allocated  bool                     `json:"allocated"`
	Descriptor *models.DeviceDescriptor `json:"descriptor,omitempty"`
}

// ShellRequest is the body of a shell call
type ShellRequest struct {
	Command string `json:"command"`
}

// Handler serves the device routes
type Handler struct {
	manager *manager.Manager
	store   store.Store
	logger  *logging.Logger
}

// NewHandler creates a handler. The store may be nil, in which case event
// history is unavailable.
func NewHandler(m *manager.Manager, s store.Store, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{manager: m, store: s, logger: logger}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	r.HandleFunc("/devices", h.ListDevices).Methods("GET")
	r.HandleFunc("/devices/{serial}", h.GetDevice).Methods("GET")
	r.HandleFunc("/devices/{serial}", h.ReleaseDevice).Methods("DELETE")
	r.HandleFunc("/devices/{serial}/allocate", h.AllocateDevice).Methods("POST")
	r.HandleFunc("/devices/{serial}/events", h.ListEvents).Methods("GET")
	r.HandleFunc("/devices/{serial}/logcat", h.GetLogcat).Methods("GET")
	r.HandleFunc("/devices/{serial}/reboot", h.RebootDevice).Methods("POST")
	r.HandleFunc("/devices/{serial}/shell", h.RunShell).Methods("POST")
}

// Health reports whether the service and its event store are usable
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.HealthCheck(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ListDevices lists every enumerated device and whether it is allocated.
// Allocated devices that vanished from enumeration are listed with their tracked state.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	entries, err := h.manager.Devices(r.Context())
	if err != nil {
		h.logger.Error("Failed to enumerate devices", map[string]interface{}{"error": err.Error()})
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	views := make([]DeviceView, 0, len(entries))
	listed := make(map[string]bool, len(entries))
	for _, e := range entries {
		v := DeviceView{Serial: e.Serial, State: e.State}
		if handle, ok := h.manager.Get(e.Serial); ok {
			desc := handle.Descriptor()
			v.Allocated = true
			v.Descriptor = &desc
		}
		views = append(views, v)
		listed[e.Serial] = true
	}
	for _, handle := range h.manager.Handles() {
		if listed[handle.Serial()] {
			continue
		}
		desc := handle.Descriptor()
		views = append(views, DeviceView{
			Serial:     handle.Serial(),
			State:      handle.State(),
			Allocated:  true,
			Descriptor: &desc,
		})
	}

	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) (*device.Handle, bool) {
	serial := mux.Vars(r)["serial"]
	handle, ok := h.manager.Get(serial)
	if !ok {
		http.Error(w, "Device not allocated", http.StatusNotFound)
		return nil, false
	}
	return handle, true
}

// GetDevice returns the descriptor of an allocated device
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.handle(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, handle.Descriptor())
}

// AllocateDevice allocates a visible device
func (h *Handler) AllocateDevice(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]
	handle, err := h.manager.Allocate(r.Context(), serial)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, handle.Descriptor())
	case errors.Is(err, manager.ErrDeviceNotFound):
		http.Error(w, "Device not found", http.StatusNotFound)
	case errors.Is(err, manager.ErrAlreadyAllocated):
		http.Error(w, "Device already allocated", http.StatusConflict)
	case errors.Is(err, manager.ErrLowBattery):
		http.Error(w, err.Error(), http.StatusPreconditionFailed)
	default:
		h.writeDeviceError(w, serial, "allocate", err)
	}
}

// ReleaseDevice releases an allocated device
func (h *Handler) ReleaseDevice(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]
	if err := h.manager.Release(r.Context(), serial); err != nil {
		http.Error(w, "Device not allocated", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListEvents returns the newest recorded events of a device; ?limit= bounds the count
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.Error(w, "Event store not configured", http.StatusNotImplemented)
		return
	}
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	serial := mux.Vars(r)["serial"]
	events, err := h.store.ListEvents(r.Context(), serial, limit)
	if err != nil {
		h.logger.Error("Failed to list events", map[string]interface{}{"serial": serial, "error": err.Error()})
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetLogcat returns the captured device log as text. ?since= takes device
// epoch seconds and drops earlier lines.
func (h *Handler) GetLogcat(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.handle(w, r)
	if !ok {
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			http.Error(w, "Invalid since", http.StatusBadRequest)
			return
		}
		since = time.Unix(0, int64(secs*float64(time.Second))).UTC()
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(handle.Logs().SnapshotSince(since)))
}

// RebootDevice runs a blocking boot transition; ?mode= selects it and defaults to a full reboot
func (h *Handler) RebootDevice(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]
	kind, err := models.ParseRebootKind(r.URL.Query().Get("mode"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var desc models.DeviceDescriptor
	err = h.manager.With(r.Context(), serial, func(handle *device.Handle) error {
		if err := handle.Boot().RebootInto(r.Context(), kind, r.URL.Query().Get("reason")); err != nil {
			return err
		}
		desc = handle.Descriptor()
		return nil
	})
	if err != nil {
		h.writeDeviceError(w, serial, "reboot", err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

// RunShell runs a shell command with the handle's retry and recovery policy
func (h *Handler) RunShell(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]
	var req ShellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var res models.CommandResult
	err := h.manager.With(r.Context(), serial, func(handle *device.Handle) error {
		var err error
		res, err = handle.Shell(r.Context(), req.Command)
		return err
	})
	if err != nil {
		h.writeDeviceError(w, serial, "shell", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) writeDeviceError(w http.ResponseWriter, serial, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, manager.ErrNotAllocated):
		http.Error(w, "Device not allocated", http.StatusNotFound)
		return
	case errors.Is(err, device.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, device.ErrUnsupported):
		status = http.StatusNotImplemented
	case device.IsNotAvailable(err):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	h.logger.Warn("Device request failed", map[string]interface{}{
		"serial": serial,
		"op":     op,
		"status": status,
		"error":  err.Error(),
	})
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
