// Package web exposes the engine over a small JSON API. Every route past
// login is scoped to the account bound into the caller's session cookie.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"

	"github.com/example/courtkeeper/internal/credential"
	"github.com/example/courtkeeper/internal/gateway"
	"github.com/example/courtkeeper/internal/journal"
	"github.com/example/courtkeeper/internal/keeper"
	"github.com/example/courtkeeper/internal/login"
	"github.com/example/courtkeeper/internal/task"
)

// Engine is the slice of the keeper the API drives.
type Engine interface {
	StartScan(account string, key gateway.ResourceKey, price float64) (string, error)
	StartDirect(ctx context.Context, account string, key gateway.ResourceKey, price float64) (string, error)
	StopTask(id string) bool
	ListTasks(account string) []task.Info
}

// Authenticator is the login surface; satisfied by login.Coordinator.
type Authenticator interface {
	Login(ctx context.Context, account, password string) (credential.Credential, error)
	SubmitSecondFactor(ctx context.Context, account, code string) (credential.Credential, error)
	SecondFactorPending(account string) bool
}

type Server struct {
	Engine   Engine
	Auth     Authenticator
	Gateway  keeper.Gateway
	Creds    *credential.Store
	Journal  *journal.Journal
	Sessions *Sessions
	Log      *slog.Logger
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Post("/api/login", s.handleLogin)
	r.Post("/api/login/code", s.handleSecondFactor)
	r.Post("/api/logout", s.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(s.Sessions.RequireAccount)
		r.Get("/api/availability", s.handleAvailability)
		r.Get("/api/tasks", s.handleListTasks)
		r.Post("/api/tasks", s.handleCreateTask)
		r.Delete("/api/tasks/{id}", s.handleStopTask)
		r.Get("/api/logs", s.handleLogs)
	})

	return r
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account  string `json:"account"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	req.Account = strings.TrimSpace(req.Account)
	if req.Account == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "account and password required")
		return
	}

	cred, err := s.Auth.Login(r.Context(), req.Account, req.Password)
	if errors.Is(err, login.ErrSecondFactorRequired) {
		writeJSON(w, http.StatusAccepted, map[string]any{"secondFactor": true, "account": req.Account})
		return
	}
	if err != nil {
		s.Log.Warn("login failed", "account", req.Account, "error", err)
		writeError(w, http.StatusUnauthorized, "login failed")
		return
	}
	if err := s.Sessions.Set(w, r, cred.Account); err != nil {
		writeError(w, http.StatusInternalServerError, "session encode failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": cred.Account})
}

func (s *Server) handleSecondFactor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string `json:"account"`
		Code    string `json:"code"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Account == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "account and code required")
		return
	}
	if !s.Auth.SecondFactorPending(req.Account) {
		writeError(w, http.StatusConflict, "no verification pending for this account")
		return
	}

	cred, err := s.Auth.SubmitSecondFactor(r.Context(), req.Account, req.Code)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "verification failed")
		return
	}
	if err := s.Sessions.Set(w, r, cred.Account); err != nil {
		writeError(w, http.StatusInternalServerError, "session encode failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": cred.Account})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.Sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	account, _ := AccountFromContext(r.Context())
	date := r.URL.Query().Get("date")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	cred, ok := s.Creds.Get(account)
	if !ok {
		writeError(w, http.StatusUnauthorized, "no live credential, log in again")
		return
	}

	slots, err := s.Gateway.QueryAvailability(r.Context(), cred, date)
	if errors.Is(err, gateway.ErrSessionInvalid) {
		writeError(w, http.StatusUnauthorized, "booking session expired, log in again")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": date, "slots": slots})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	account, _ := AccountFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.Engine.ListTasks(account)})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	account, _ := AccountFromContext(r.Context())
	var req struct {
		Mode      string  `json:"mode"`
		Date      string  `json:"date"`
		StartTime string  `json:"startTime"`
		EndTime   string  `json:"endTime"`
		VenueID   string  `json:"venueId"`
		VenueName string  `json:"venueName"`
		Price     float64 `json:"price"`
	}
	if !decode(w, r, &req) {
		return
	}
	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	if req.StartTime == "" || req.EndTime == "" {
		writeError(w, http.StatusBadRequest, "startTime and endTime required")
		return
	}

	key := gateway.ResourceKey{
		Date:      req.Date,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		VenueID:   req.VenueID,
		VenueName: req.VenueName,
	}
	if key.StartsBefore(time.Now()) {
		writeError(w, http.StatusBadRequest, "slot start time already passed")
		return
	}

	var (
		id  string
		err error
	)
	switch req.Mode {
	case "scan", "":
		id, err = s.Engine.StartScan(account, key, req.Price)
	case "direct":
		id, err = s.Engine.StartDirect(r.Context(), account, key, req.Price)
	default:
		writeError(w, http.StatusBadRequest, "mode must be scan or direct")
		return
	}
	if errors.Is(err, keeper.ErrNoCredential) {
		writeError(w, http.StatusUnauthorized, "no live credential, log in again")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Engine.StopTask(id) {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "stopped": true})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	account, _ := AccountFromContext(r.Context())
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			n = v
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": s.Journal.Recent(account, n)})
}

// Start serves h until ctx is cancelled, then drains for up to 5 seconds.
func Start(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv.ListenAndServe()
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
