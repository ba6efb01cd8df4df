package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/audiolibrelab/pwmloop/internal/audio"
	"github.com/audiolibrelab/pwmloop/internal/config"
	"github.com/audiolibrelab/pwmloop/internal/hal"
	"github.com/audiolibrelab/pwmloop/internal/service"
)

// Server represents the web server for controlling the loop
type Server struct {
	mu            sync.RWMutex
	service       service.Service
	cfg           *config.Config
	configFile    string
	port          string
	activeProfile string

	// engines started over HTTP outlive the request
	baseCtx context.Context
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status        string              `json:"status"`
	Message       string              `json:"message,omitempty"`
	Engine        service.Status      `json:"engine"`
	Config        *ResolvedConfigInfo `json:"resolved_config"`
	ActiveProfile string              `json:"active_profile"`
}

// ResolvedConfigInfo contains the derived timing of a profile
type ResolvedConfigInfo struct {
	Profile         string            `json:"profile"`
	SampleRate      int               `json:"sample_rate"`
	Samples         int               `json:"samples"`
	Oversample      int               `json:"oversample"`
	CapturePeriodUS int64             `json:"capture_period_us"`
	ClockDivider    float64           `json:"clock_divider"`
	CycleRateHz     float64           `json:"cycle_rate_hz"`
	Source          string            `json:"source"`
	Sink            string            `json:"sink"`
	SimMode         string            `json:"sim_mode"`
	Inheritance     map[string]string `json:"inheritance,omitempty"`
}

// BackendInfo describes a selectable source or sink
type BackendInfo struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Description string `json:"description"`
}

// New creates a new web server instance
func New(configFile string, port string) (*Server, error) {
	cfg, err := config.LoadWithProfile(configFile, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return &Server{
		service:       service.New(cfg, configFile, nil),
		cfg:           cfg,
		configFile:    configFile,
		port:          port,
		activeProfile: cfg.Profile,
		baseCtx:       context.Background(),
	}, nil
}

// Handler returns the routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/restart", s.handleRestart)
	mux.HandleFunc("/backends", s.handleBackends)
	mux.HandleFunc("/config/profiles", s.handleProfiles)
	mux.HandleFunc("/config/select", s.handleSelectProfile)
	mux.HandleFunc("/config/details/", s.handleProfileDetails)
	return mux
}

// Start starts the web server
func (s *Server) Start() error {
	localIP := getLocalIP()

	slog.Info("Starting pwmloop control server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	return http.ListenAndServe(":"+s.port, s.Handler())
}

// Shutdown stops the engine
func (s *Server) Shutdown() error {
	return s.currentService().Stop()
}

func (s *Server) currentService() service.Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.service
}

// handleIndex serves a minimal landing page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(getDefaultHTML()))
}

func getDefaultHTML() string {
	return `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>pwmloop</title>
</head>
<body>
    <h1>pwmloop</h1>
    <p>Half-duplex capture and playback loop.</p>
    <h2>API Endpoints:</h2>
    <ul>
        <li>GET /status - Engine phase, counters and resolved timing</li>
        <li>POST /start - Start the loop</li>
        <li>POST /stop - Stop the loop</li>
        <li>POST /restart - Start a new session</li>
        <li>GET /backends - List sources and sinks</li>
        <li>GET /config/profiles - List profiles</li>
        <li>POST /config/select - Select a profile (profile=name)</li>
        <li>GET /config/details/{name} - Resolved profile timing</li>
    </ul>
</body>
</html>`
}

// handleStatus returns the engine status and resolved config
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.mu.RLock()
	st := s.service.Status()
	resolved := resolvedConfigInfo(s.cfg)
	active := s.activeProfile
	s.mu.RUnlock()

	response := StatusResponse{
		Status:        string(st.State),
		Message:       generateStatusMessage(st),
		Engine:        st,
		Config:        resolved,
		ActiveProfile: active,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func generateStatusMessage(st service.Status) string {
	switch st.State {
	case service.StatusRunning:
		return fmt.Sprintf("Cycle %d, %s", st.Loop.Cycles+1, st.Loop.PhaseName)
	case service.StatusFinished:
		return fmt.Sprintf("Finished after %d cycles", st.Loop.Cycles)
	case service.StatusError:
		return st.LastError
	default:
		return "Ready to start"
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	svc := s.currentService()
	if !s.checkDrivable(w, svc, "start") {
		return
	}
	if err := svc.Start(s.baseCtx); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, service.ErrRunning) {
			code = http.StatusConflict
		}
		s.sendErrorResponse(w, code, fmt.Sprintf("Failed to start engine: %v", err), "operation", "start")
		return
	}

	sendSuccess(w, "Engine started", svc.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	svc := s.currentService()
	if err := svc.Stop(); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to stop engine: %v", err), "operation", "stop")
		return
	}

	sendSuccess(w, "Engine stopped", svc.Status())
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	svc := s.currentService()
	if !s.checkDrivable(w, svc, "restart") {
		return
	}
	if err := svc.Restart(s.baseCtx); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to restart engine: %v", err), "operation", "restart")
		return
	}

	slog.Info("Engine restarted", "session", svc.Status().Session)
	sendSuccess(w, "Engine restarted", svc.Status())
}

// checkDrivable rejects profiles whose peripherals only advance on Step,
// which nothing over HTTP can call.
func (s *Server) checkDrivable(w http.ResponseWriter, svc service.Service, operation string) bool {
	mode, err := hal.ParseMode(svc.GetConfig().Sim.Mode)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", operation)
		return false
	}
	if mode == hal.ModeManual {
		s.sendErrorResponse(w, http.StatusBadRequest,
			"sim.mode manual has no tick driver on the server, use paced or fast", "operation", operation)
		return false
	}
	return true
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var backends []BackendInfo
	for _, b := range audio.GetAvailableBackends() {
		backends = append(backends, BackendInfo{Name: string(b.Type), Role: b.Role, Description: b.Description})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"backends": backends,
	})
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	profiles, err := config.ProfileNames(s.configFile)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read profiles: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"profiles": profiles,
	})
}

// handleSelectProfile handles profile selection
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	profile := r.FormValue("profile")
	slog.Debug("Profile selection request", "profile", profile)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.service.Status().State == service.StatusRunning {
		s.sendErrorResponse(w, http.StatusConflict,
			"Stop the engine before changing profile",
			"profile", profile, "operation", "profile_selection")
		return
	}

	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Failed to load profile '%s': %v", profile, err))
		return
	}

	if err := config.UpdateActiveProfile(s.configFile, newCfg.Profile); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to save profile selection to config file: %v", err))
		return
	}

	s.cfg = newCfg
	s.activeProfile = newCfg.Profile
	s.service = service.New(s.cfg, s.configFile, nil)

	slog.Info("Profile changed", "profile", s.activeProfile)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Profile changed to %s", s.activeProfile),
		"profile": s.activeProfile,
	})
}

// handleProfileDetails returns the resolved timing of a specific profile
func (s *Server) handleProfileDetails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	profileName := strings.TrimPrefix(r.URL.Path, "/config/details/")
	if profileName == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Profile name is required")
		return
	}

	cfg, err := config.LoadWithProfile(s.configFile, profileName)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Failed to load profile '%s': %v", profileName, err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"profile": profileName,
		"config":  resolvedConfigInfo(cfg),
	})
}

func resolvedConfigInfo(cfg *config.Config) *ResolvedConfigInfo {
	return &ResolvedConfigInfo{
		Profile:         cfg.Profile,
		SampleRate:      cfg.Audio.SampleRate,
		Samples:         cfg.BufferLen(),
		Oversample:      cfg.Audio.Oversample,
		CapturePeriodUS: cfg.CapturePeriod().Microseconds(),
		ClockDivider:    cfg.ClockDivider(),
		CycleRateHz:     cfg.CycleRate(),
		Source:          cfg.Capture.Source,
		Sink:            cfg.Playback.Sink,
		SimMode:         cfg.Sim.Mode,
		Inheritance:     cfg.Inheritance,
	}
}

func sendSuccess(w http.ResponseWriter, message string, st service.Status) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": message,
		"engine":  st,
	})
}

// sendErrorResponse logs the error and sends a JSON error body
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
