package web

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"

	"wol-go-home/internal/automation"
	"wol-go-home/internal/probe"
	"wol-go-home/internal/registry"
	"wol-go-home/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

// Registry is the operation surface the HTTP layer calls into.
type Registry interface {
	ListDevices() (map[string]store.Device, error)
	GetDevice(name string) (store.Device, error)
	UpsertDevice(name, ip, mac string) (*store.Registry, error)
	DeleteDevice(name string) (*store.Device, error)
	WakeDevice(ctx context.Context, name string) error
	ProbeDevice(ctx context.Context, name string) (probe.Result, error)
	RawSettings() ([]byte, error)
	Events() *registry.EventBus
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAllowedOrigins sets the origins allowed for cross-origin mutating
// requests and WebSocket upgrades.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version string shown in the UI.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithHostname overrides the host name shown in the page footer.
func WithHostname(name string) ServerOption {
	return func(s *Server) {
		s.hostname = name
	}
}

// Server is the HTTP server for the web interface and device API.
type Server struct {
	reg            Registry
	templates      map[string]*template.Template
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	hostname       string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// DeviceView is one row of the device table.
type DeviceView struct {
	Name string
	IP   string
	MAC  string
}

// NewServer creates a new web server.
func NewServer(reg Registry, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	// Each page gets its own clone of the layout so {{define "content"}} blocks
	// don't collide.
	base, err := template.ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	pages := []string{"index.html", "automations.html"}
	tmpl := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		cloned, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("clone layout for %s: %w", page, err)
		}
		t, err := cloned.ParseFS(templateFS, "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", page, err)
		}
		tmpl[page] = t
	}

	s := &Server{
		reg:       reg,
		templates: tmpl,
		logger:    logger.With("component", "web"),
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hostname == "" {
		s.hostname, _ = os.Hostname()
	}

	s.wsHub = NewWSHub(s.logger)
	s.wsHub.snapshot = s.snapshot
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()
	s.unsubEvents = reg.Events().OnAll(s.wsHub.Broadcast)

	s.routes()
	return s, nil
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /automations", s.handleAutomationsPage)

	// Device API. Paths and bodies are fixed by existing clients.
	s.mux.HandleFunc("GET /device", s.handleListDevices)
	s.mux.HandleFunc("POST /device", s.handleCreateDevice)
	s.mux.HandleFunc("GET /device/{name}", s.handleGetDevice)
	s.mux.HandleFunc("PUT /device/{name}", s.handleUpdateDevice)
	s.mux.HandleFunc("DELETE /device/{name}", s.handleDeleteDevice)
	s.mux.HandleFunc("GET /wake/{name}", s.handleWake)
	s.mux.HandleFunc("GET /probe/{name}", s.handleProbe)
	s.mux.HandleFunc("GET /settings.json", s.handleSettings)

	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, rejecting cross-origin mutations from
// origins that are not allowed.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && len(s.allowedOrigins) > 0 {
		switch {
		case r.Method == http.MethodOptions:
			if !s.isOriginAllowed(origin) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusNoContent)
			return
		case r.Method != http.MethodGet:
			if !s.isOriginAllowed(origin) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	devices, err := s.reg.ListDevices()
	if err != nil {
		s.logger.Error("list devices for index", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.renderTemplate(w, "index.html", map[string]any{
		"PageTitle": "Wake on Lan",
		"Devices":   deviceViews(devices),
	})
}

// deviceViews returns the devices sorted by name.
func deviceViews(devices map[string]store.Device) []DeviceView {
	views := make([]DeviceView, 0, len(devices))
	for name, dev := range devices {
		views = append(views, DeviceView{Name: name, IP: dev.IP, MAC: dev.MAC})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	return views
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// renderTemplate renders into a buffer first so a failing template doesn't
// leave a half-written page.
func (s *Server) renderTemplate(w http.ResponseWriter, name string, data map[string]any) {
	t, ok := s.templates[name]
	if !ok {
		s.logger.Error("template not found", "name", name)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	data["Version"] = s.version
	data["Hostname"] = s.hostname

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("render template", "name", name, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("write template response", "name", name, "err", err)
	}
}
