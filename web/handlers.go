package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"video-adapter/stream"
	"video-adapter/webrtc"
)

// Handlers serves the adapter management API.
type Handlers struct {
	registry *stream.Registry
	viewers  *webrtc.Server
	logger   *zap.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(registry *stream.Registry, viewers *webrtc.Server, logger *zap.Logger) *Handlers {
	return &Handlers{
		registry: registry,
		viewers:  viewers,
		logger:   logger,
	}
}

// HandleHealth returns health check information
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":     "ok",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"adapters":   h.registry.Count(),
		"configured": len(h.registry.Configured()),
	}
	if h.viewers != nil {
		health["viewers"] = h.viewers.Stats().Clients
	}
	h.writeJSONResponse(w, http.StatusOK, health)
}

// HandleList returns the state of every running adapter.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"configured": h.registry.Configured(),
		"running":    h.registry.List(),
	})
}

// HandleStatus returns the state of one adapter.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}
	h.writeJSONResponse(w, http.StatusOK, a.Status())
}

// HandleStart runs a configured stream.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := h.registry.Start(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("Adapter started via API", zap.String("adapter", id))
	h.writeJSONResponse(w, http.StatusOK, a.Status())
}

// HandleStop asks a running adapter to stop. It does not wait for the loop
// to exit.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.registry.Stop(id); err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("Adapter stop requested via API", zap.String("adapter", id))
	h.writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{"id": id, "stopping": true})
}

func (h *Handlers) HandleStartRecording(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, (*stream.Adapter).StartRecording)
}

func (h *Handlers) HandleStopRecording(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, (*stream.Adapter).StopRecording)
}

func (h *Handlers) HandleStartPushing(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, (*stream.Adapter).StartPushing)
}

func (h *Handlers) HandleStopPushing(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, (*stream.Adapter).StopPushing)
}

func (h *Handlers) toggle(w http.ResponseWriter, r *http.Request, fn func(*stream.Adapter) error) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}
	if err := fn(a); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, a.Status())
}

// HandleCapture takes a snapshot and waits for the result.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": a.Capture(r.Context())})
}

// HandleFiles lists the recordings of an adapter.
func (h *Handlers) HandleFiles(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, (*stream.Adapter).ListFiles)
}

// HandleCaptures lists the snapshots of an adapter.
func (h *Handlers) HandleCaptures(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, (*stream.Adapter).ListCaptures)
}

func (h *Handlers) list(w http.ResponseWriter, r *http.Request, fn func(*stream.Adapter) ([]string, error)) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}
	names, err := fn(a)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	h.writeJSONResponse(w, http.StatusOK, names)
}

// HandleWebSocket upgrades to the signaling channel of a stream's viewers.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.viewers.HandleWebSocket(w, r, chi.URLParam(r, "id"))
}

func (h *Handlers) adapter(w http.ResponseWriter, r *http.Request) (*stream.Adapter, bool) {
	a, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return a, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrAdapterNotFound):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrAdapterExists), errors.Is(err, stream.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, stream.ErrRegistryClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeError writes an error response with a status derived from err.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	statusCode := statusFor(err)
	if statusCode == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	h.writeJSONResponse(w, statusCode, map[string]interface{}{
		"error":  err.Error(),
		"status": statusCode,
	})
}
