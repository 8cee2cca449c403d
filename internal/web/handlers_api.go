package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"wol-go-home/internal/registry"
)

const maxFormBytes = 1 << 20

// Device routes answer text/plain bodies carrying JSON; existing clients
// depend on that content type.
const plainContentType = "text/plain; charset=UTF-8"

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.reg.ListDevices()
	if err != nil {
		s.writeError(w, "list devices", err)
		return
	}
	s.writePlainJSON(w, http.StatusOK, devices)
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	form, err := parseDeviceForm(w, r, "name", "ip", "mac")
	if err != nil {
		s.writePlainJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if form["name"] == "" {
		s.writePlainJSON(w, http.StatusBadRequest, map[string]string{"error": "name must not be empty"})
		return
	}

	reg, err := s.reg.UpsertDevice(form["name"], form["ip"], form["mac"])
	if err != nil {
		s.writeError(w, "create device", err)
		return
	}
	s.writePlainJSON(w, http.StatusOK, reg)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.reg.GetDevice(r.PathValue("name"))
	if err != nil {
		s.writeError(w, "get device", err)
		return
	}
	s.writePlainJSON(w, http.StatusOK, dev)
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	form, err := parseDeviceForm(w, r, "ip", "mac")
	if err != nil {
		s.writePlainJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	reg, err := s.reg.UpsertDevice(r.PathValue("name"), form["ip"], form["mac"])
	if err != nil {
		s.writeError(w, "update device", err)
		return
	}
	s.writePlainJSON(w, http.StatusOK, reg)
}

// handleDeleteDevice answers with the removed device, or null when the name
// was not registered.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	removed, err := s.reg.DeleteDevice(r.PathValue("name"))
	if err != nil {
		s.writeError(w, "delete device", err)
		return
	}
	s.writePlainJSON(w, http.StatusOK, removed)
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.WakeDevice(r.Context(), r.PathValue("name")); err != nil {
		s.writeError(w, "wake device", err)
		return
	}
	s.writePlain(w, http.StatusOK, []byte("Done"))
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	res, err := s.reg.ProbeDevice(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, "probe device", err)
		return
	}
	s.writePlainJSON(w, http.StatusOK, res)
}

// handleSettings serves the backing registry bytes unchanged.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	raw, err := s.reg.RawSettings()
	if err != nil {
		s.writeError(w, "read settings", err)
		return
	}
	s.writePlain(w, http.StatusOK, raw)
}

// parseDeviceForm reads a urlencoded or multipart body and returns the named
// fields. A field that is absent, as opposed to empty, is an error.
func parseDeviceForm(w http.ResponseWriter, r *http.Request, fields ...string) (map[string]string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseMultipartForm(maxFormBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return nil, fmt.Errorf("invalid form body: %w", err)
	}

	values := make(map[string]string, len(fields))
	for _, f := range fields {
		v, ok := r.PostForm[f]
		if !ok || len(v) == 0 {
			return nil, fmt.Errorf("missing form field %q", f)
		}
		values[f] = v[0]
	}
	return values, nil
}

// statusFor maps registry errors to HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound, "device not found"
	case errors.Is(err, registry.ErrInvalidMAC):
		return http.StatusBadRequest, "invalid mac address"
	case errors.Is(err, registry.ErrActionFailed):
		return http.StatusBadGateway, "action failed"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op, "err", err)
	} else {
		s.logger.Debug(op, "err", err)
	}
	s.writePlainJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writePlainJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode response", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writePlain(w, status, data)
}

func (s *Server) writePlain(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", plainContentType)
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		s.logger.Debug("write response", "err", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
