// Package api serves the remote management protocol on the machine.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/devforge/internal/rmp"
	"github.com/atvirokodosprendimai/devforge/internal/spec"
	"github.com/atvirokodosprendimai/devforge/internal/units"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Host performs the operations behind the management API.
type Host interface {
	AgentState(ctx context.Context, def spec.AgentDef) (rmp.AgentState, error)
	InstallAgent(ctx context.Context, def spec.AgentDef) error
	UninstallAgent(ctx context.Context, def spec.AgentDef) error
	ResetCredentials(ctx context.Context, creds units.Credentials) error
	RestartSelf() error
}

// DefaultRestartDelay is how long after answering a credential reset the
// agent restarts itself to pick up the new token.
const DefaultRestartDelay = time.Second

// Handler is the management API router.
type Handler struct {
	host         Host
	token        []byte
	log          *zap.SugaredLogger
	restartDelay time.Duration
	router       chi.Router
}

// NewHandler builds the router. Every request must carry token as a bearer.
func NewHandler(host Host, token string, log *zap.SugaredLogger) *Handler {
	h := &Handler{
		host:         host,
		token:        []byte(token),
		log:          log,
		restartDelay: DefaultRestartDelay,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.authenticate)
	r.Get("/status", h.status)
	r.Post("/install", h.install)
	r.Post("/uninstall", h.uninstall)
	r.Post("/reset-credentials", h.resetCredentials)
	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)
	h.router = r
	return h
}

// SetRestartDelay overrides DefaultRestartDelay.
func (h *Handler) SetRestartDelay(d time.Duration) { h.restartDelay = d }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || len(h.token) == 0 || subtle.ConstantTimeCompare([]byte(got), h.token) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	out := rmp.StatusResponse{OK: true, Agents: make(map[string]rmp.AgentState)}
	for _, def := range spec.Agents() {
		state, err := h.host.AgentState(r.Context(), def)
		if err != nil {
			h.log.Errorw("Failed to inspect agent", "agent", def.Name, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out.Agents[string(def.Name)] = state
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) decodeAgent(w http.ResponseWriter, r *http.Request) (spec.AgentDef, bool) {
	var req rmp.AgentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return spec.AgentDef{}, false
	}
	a, err := spec.ParseAgent(req.Agent)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return spec.AgentDef{}, false
	}
	def, _ := spec.Lookup(a)
	return def, true
}

func (h *Handler) install(w http.ResponseWriter, r *http.Request) {
	def, ok := h.decodeAgent(w, r)
	if !ok {
		return
	}

	state, err := h.host.AgentState(r.Context(), def)
	if err == nil && state.Installed {
		writeJSON(w, http.StatusOK, rmp.AgentResponse{OK: true, Agent: string(def.Name), Message: "already installed"})
		return
	}

	h.log.Infow("Installing agent", "agent", def.Name)
	if err := h.host.InstallAgent(r.Context(), def); err != nil {
		h.log.Errorw("Agent install failed", "agent", def.Name, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rmp.AgentResponse{OK: true, Agent: string(def.Name)})
}

func (h *Handler) uninstall(w http.ResponseWriter, r *http.Request) {
	def, ok := h.decodeAgent(w, r)
	if !ok {
		return
	}

	h.log.Infow("Uninstalling agent", "agent", def.Name)
	if err := h.host.UninstallAgent(r.Context(), def); err != nil {
		h.log.Errorw("Agent uninstall failed", "agent", def.Name, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rmp.AgentResponse{OK: true, Agent: string(def.Name)})
}

func (h *Handler) resetCredentials(w http.ResponseWriter, r *http.Request) {
	var req rmp.ResetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := rmp.ValidateCredentials(req.Username, req.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.log.Infow("Resetting credentials", "username", req.Username)
	creds := units.Credentials{Username: req.Username, Password: req.Password}
	if err := h.host.ResetCredentials(r.Context(), creds); err != nil {
		h.log.Errorw("Credential reset failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, rmp.OKResponse{OK: true})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	// The new password is the new token; restart once the response is out.
	time.AfterFunc(h.restartDelay, func() {
		if err := h.host.RestartSelf(); err != nil {
			h.log.Errorw("Self restart failed", "error", err)
		}
	})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, rmp.ErrorResponse{Error: msg})
}
