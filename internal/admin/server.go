// Package admin serves the operator surface: fiscal regime confirmation,
// kill-switch resume, session status, health, and metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/rkapoor/goldarb/internal/engine"
	"github.com/rkapoor/goldarb/internal/fiscal"
	"github.com/rkapoor/goldarb/internal/observ"
)

// Config tunes the listener.
type Config struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8090"
	}
	if c.ReadTimeoutMs == 0 {
		c.ReadTimeoutMs = 5000
	}
	if c.WriteTimeoutMs == 0 {
		c.WriteTimeoutMs = 10000
	}
}

// Server exposes the admin API over HTTP.
type Server struct {
	cfg    Config
	engine *engine.Engine
	gate   *fiscal.Gate
	http   *http.Server
}

// NewServer builds the admin server around a running engine and its gate.
func NewServer(cfg Config, eng *engine.Engine, gate *fiscal.Gate) *Server {
	cfg.applyDefaults()
	s := &Server{cfg: cfg, engine: eng, gate: gate}

	r := mux.NewRouter()
	r.HandleFunc("/regime/confirm", s.handleConfirmRegime).Methods(http.MethodPost)
	r.HandleFunc("/engine/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", observ.Handler()).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.WriteTimeoutMs) * time.Millisecond,
	}
	return s
}

// Start serves until Shutdown. It returns http.ErrServerClosed on a clean
// shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.Addr).Msg("admin server listening")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type confirmRequest struct {
	DutyRate        float64 `json:"duty_rate"`
	BankPremiumRate float64 `json:"bank_premium_rate"`
	GSTRate         float64 `json:"gst_rate"`
	Source          string  `json:"source"`
	Override        bool    `json:"override"`
}

func (s *Server) handleConfirmRegime(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}

	regime := fiscal.Regime{
		DutyRate:        req.DutyRate,
		BankPremiumRate: req.BankPremiumRate,
		GSTRate:         req.GSTRate,
	}
	if err := s.gate.Confirm(regime, req.Source, req.Override); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, fiscal.ErrDutyJump) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}

	log.Info().Str("source", req.Source).Float64("duty_rate", req.DutyRate).
		Bool("override", req.Override).Msg("fiscal regime confirmed via admin")
	writeJSON(w, http.StatusOK, map[string]any{
		"state":        s.gate.State(),
		"confirmed_at": time.Now().UTC(),
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Resume(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	killed, _ := s.engine.Killed()
	writeJSON(w, http.StatusOK, map[string]any{"killed": killed})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("admin response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
