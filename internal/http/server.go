package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"bridgehost/internal/config"
	"bridgehost/internal/domain"
	"bridgehost/internal/registry"
	"bridgehost/internal/supervisor"
)

// Server exposes the supervisor and registry to the GUI shell over the
// local IPC boundary. Every response uses the {success, data, error}
// envelope.
type Server struct {
	cfg config.Config
	reg *registry.Registry
	sup *supervisor.Supervisor
}

func NewServer(cfg config.Config, reg *registry.Registry, sup *supervisor.Supervisor) *Server {
	return &Server{cfg: cfg, reg: reg, sup: sup}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/admin/login", s.handleAdminLogin)

	r.Group(func(protected chi.Router) {
		protected.Use(s.requireAdmin)

		protected.Get("/agents/health", s.handleAgentsHealth)
		protected.Get("/agents/{platform}/health", s.handleAgentHealth)
		protected.Post("/agents/{platform}/start", s.handleAgentStart)
		protected.Post("/agents/{platform}/stop", s.handleAgentStop)
		protected.Post("/agents/{platform}/restart", s.handleAgentRestart)
		protected.Get("/agents/{platform}/log", s.handleAgentLogPath)

		protected.Get("/connections", s.handleListConnections)
		protected.Get("/connections/{accountID}", s.handleGetConnection)
		protected.Post("/connections/{accountID}/disconnect", s.handleDisconnect)
		protected.Get("/events", s.handleListEvents)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeResult(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username != s.cfg.AdminUsername || req.Password != s.cfg.AdminPassword {
		writeFailure(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := s.signAdminToken(req.Username)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, "failed to create admin token")
		return
	}
	writeResult(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt.Format(time.RFC3339),
		"type":       "Bearer",
	})
}

func (s *Server) handleAgentsHealth(w http.ResponseWriter, r *http.Request) {
	writeResult(w, http.StatusOK, s.sup.States())
}

func (s *Server) handleAgentHealth(w http.ResponseWriter, r *http.Request) {
	platform, ok := platformParam(w, r)
	if !ok {
		return
	}
	state, err := s.sup.State(platform)
	if err != nil {
		writeFailure(w, http.StatusNotFound, err.Error())
		return
	}
	if state.Mode == domain.AgentModeExternal {
		// External agents have no owned process; probe on demand.
		if _, err := s.sup.CheckExternal(r.Context(), platform); err == nil {
			state, _ = s.sup.State(platform)
		}
	}
	writeResult(w, http.StatusOK, state)
}

func (s *Server) handleAgentStart(w http.ResponseWriter, r *http.Request) {
	platform, ok := platformParam(w, r)
	if !ok {
		return
	}
	if err := s.sup.Start(platform); err != nil {
		writeFailure(w, http.StatusConflict, err.Error())
		return
	}
	state, _ := s.sup.State(platform)
	writeResult(w, http.StatusOK, state)
}

func (s *Server) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	platform, ok := platformParam(w, r)
	if !ok {
		return
	}
	if err := s.sup.Stop(platform); err != nil {
		writeFailure(w, http.StatusNotFound, err.Error())
		return
	}
	state, _ := s.sup.State(platform)
	writeResult(w, http.StatusOK, state)
}

func (s *Server) handleAgentRestart(w http.ResponseWriter, r *http.Request) {
	platform, ok := platformParam(w, r)
	if !ok {
		return
	}
	if err := s.sup.Restart(platform); err != nil {
		writeFailure(w, http.StatusConflict, err.Error())
		return
	}
	state, _ := s.sup.State(platform)
	writeResult(w, http.StatusOK, state)
}

func (s *Server) handleAgentLogPath(w http.ResponseWriter, r *http.Request) {
	platform, ok := platformParam(w, r)
	if !ok {
		return
	}
	path, err := s.sup.LogPath(platform)
	if err != nil {
		writeFailure(w, http.StatusNotFound, err.Error())
		return
	}
	writeResult(w, http.StatusOK, map[string]string{"log_path": path})
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	writeResult(w, http.StatusOK, s.reg.ListSnapshots())
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	snap, err := s.reg.GetSnapshot(accountID)
	if err != nil {
		writeFailure(w, http.StatusNotFound, "connection not found")
		return
	}
	writeResult(w, http.StatusOK, snap)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if err := s.reg.SetStatus(accountID, domain.StatusDisconnected, ""); err != nil {
		writeFailure(w, http.StatusNotFound, "connection not found")
		return
	}
	snap, _ := s.reg.GetSnapshot(accountID)
	writeResult(w, http.StatusOK, snap)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 20)
	writeResult(w, http.StatusOK, s.reg.Events(limit))
}

func (s *Server) signAdminToken(subject string) (string, time.Time, error) {
	expiresAt := time.Now().UTC().Add(12 * time.Hour)
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": expiresAt.Unix(),
		"iat": time.Now().UTC().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeFailure(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !parsed.Valid {
			writeFailure(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func platformParam(w http.ResponseWriter, r *http.Request) (domain.Platform, bool) {
	raw := strings.ToLower(chi.URLParam(r, "platform"))
	switch domain.Platform(raw) {
	case domain.PlatformMT5, domain.PlatformCTrader:
		return domain.Platform(raw), true
	}
	writeFailure(w, http.StatusBadRequest, "unknown platform: "+raw)
	return "", false
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func decodeJSON(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeResult(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
