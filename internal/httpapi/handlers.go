package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Zereker/communicator"
	"github.com/Zereker/communicator/observer/journal"
)

const (
	codeBadRequest  = "bad_request"
	codeNotFound    = "not_found"
	codeInternal    = "internal_error"
	codeUnavailable = "unavailable"

	maxEventLimit = 1000
)

// Error is the body of every non-2xx response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

// DeviceView is one connected device.
type DeviceView struct {
	DeviceType     string `json:"device_type"`
	Name           string `json:"name,omitempty"`
	ConnectionID   string `json:"connection_id"`
	ConnectionType string `json:"connection_type"`
	Identifier     string `json:"identifier"`
	State          any    `json:"state,omitempty"`
}

// ConnectionView is one tracked connection.
type ConnectionView struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`
	Status     string `json:"status"`
	Buffered   int    `json:"buffered_bytes"`
	DeviceType string `json:"device_type,omitempty"`
}

type snapshotter interface {
	Snapshot() any
}

type namer interface {
	Name() string
}

func deviceView(d communicator.Device) DeviceView {
	v := DeviceView{DeviceType: string(d.DeviceType())}
	if n, ok := d.(namer); ok {
		v.Name = n.Name()
	}
	if conn := d.Connection(); conn != nil {
		v.ConnectionID = conn.ID()
		v.ConnectionType = string(conn.Type())
		v.Identifier = conn.DeviceIdentifier()
	}
	if s, ok := d.(snapshotter); ok {
		v.State = s.Snapshot()
	}
	return v
}

func connectionView(c *communicator.Connection) ConnectionView {
	v := ConnectionView{
		ID:         c.ID(),
		Type:       string(c.Type()),
		Identifier: c.DeviceIdentifier(),
		Name:       c.DeviceName(),
		Status:     c.Status().String(),
		Buffered:   c.BufferedSize(),
	}
	if d := c.Device(); d != nil {
		v.DeviceType = string(d.DeviceType())
	}
	return v
}

// handleListDevices lists connected devices, optionally only those of
// ?type= or its descendants.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	want := communicator.DeviceType(r.URL.Query().Get("type"))
	types := s.deps.Registry.Types()

	out := []DeviceView{}
	for _, d := range s.deps.Registry.ConnectedDevices() {
		if want != "" && !types.IsA(d.DeviceType(), want) {
			continue
		}
		out = append(out, deviceView(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}

func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	conns := s.deps.Registry.Connections()
	out := make([]ConnectionView, 0, len(conns))
	for _, c := range conns {
		out = append(out, connectionView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": out, "count": len(out)})
}

func (s *Server) findConnection(id string) *communicator.Connection {
	for _, c := range s.deps.Registry.Connections() {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	c := s.findConnection(chi.URLParam(r, "id"))
	if c == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "connection not found")
		return
	}
	writeJSON(w, http.StatusOK, connectionView(c))
}

// handleDisconnect starts a disconnect; completion is reported as an event.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	c := s.findConnection(chi.URLParam(r, "id"))
	if c == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "connection not found")
		return
	}
	if err := c.Disconnect(); err != nil {
		s.logger.Error("failed to disconnect", "connection", c.Description(), "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "disconnecting", "id": c.ID()})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "event journal is disabled")
		return
	}

	q := journal.Query{
		Identifier: r.URL.Query().Get("identifier"),
		Kind:       r.URL.Query().Get("event"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxEventLimit {
			writeError(w, http.StatusBadRequest, codeBadRequest, "limit must be between 1 and 1000")
			return
		}
		q.Limit = n
	}

	events, err := s.deps.Events.Recent(r.Context(), q)
	if err != nil {
		s.logger.Error("failed to query events", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to query events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// handleHealth runs every registered check; any failure makes it 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.deps.Checks))
	for name, c := range s.deps.Checks {
		if err := c.HealthCheck(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = codeUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":      overall,
		"version":     s.deps.Version,
		"connections": s.deps.Registry.ConnectionCount(""),
		"checks":      checks,
	})
}
