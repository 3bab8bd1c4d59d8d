// Package httpapi is the control-plane HTTP API. Callers are identified by
// headers set by an upstream identity proxy.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/atvirokodosprendimai/devforge/internal/db"
	"github.com/atvirokodosprendimai/devforge/internal/rmp"
	"github.com/atvirokodosprendimai/devforge/internal/server/accounts"
	"github.com/atvirokodosprendimai/devforge/internal/server/orchestrator"
	"github.com/atvirokodosprendimai/devforge/internal/spec"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Identity headers set by the proxy in front of the API.
const (
	HeaderUser  = "X-Devforge-User"
	HeaderEmail = "X-Devforge-Email"
	HeaderName  = "X-Devforge-Name"
)

// Orchestrator runs provisioning and lifecycle operations.
// *orchestrator.Orchestrator implements it.
type Orchestrator interface {
	Provision(ctx context.Context, userID string, req spec.ProvisionRequest) (string, error)
	InstallAgent(ctx context.Context, userID, serverID, agent string) error
	UninstallAgent(ctx context.Context, userID, serverID, agent string) error
	ResetCredentials(ctx context.Context, userID, serverID, username, password string) error
	AgentStatus(ctx context.Context, userID, serverID string) (rmp.StatusResponse, error)
	Delete(ctx context.Context, userID, serverID string) error
}

// Store is the read side the API serves from. *db.Store implements it.
type Store interface {
	GetServer(ctx context.Context, id string) (*db.Server, error)
	ListServersByUser(ctx context.Context, userID string) ([]db.Server, error)
	ListLogs(ctx context.Context, serverID string) ([]db.ProvisioningLog, error)
}

var (
	_ Orchestrator = (*orchestrator.Orchestrator)(nil)
	_ Store        = (*db.Store)(nil)
)

type ctxKey struct{}

// NewRouter builds the API. metrics may be nil.
func NewRouter(accts *accounts.Service, orch Orchestrator, store Store, metrics http.Handler, log *zap.SugaredLogger) http.Handler {
	a := &api{accounts: accts, orch: orch, store: store, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(a.identify)
		r.Get("/account", a.getAccount)
		r.Put("/account/keys", a.updateKeys)

		r.Route("/servers", func(r chi.Router) {
			r.Get("/", a.listServers)
			r.Post("/", a.createServer)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.getServer)
				r.Delete("/", a.deleteServer)
				r.Get("/logs", a.listLogs)
				r.Get("/agents", a.agentStatus)
				r.Post("/agents", a.installAgent)
				r.Delete("/agents/{agent}", a.uninstallAgent)
				r.Post("/credentials", a.resetCredentials)
			})
		})
	})
	return r
}

type api struct {
	accounts *accounts.Service
	orch     Orchestrator
	store    Store
	log      *zap.SugaredLogger
}

func (a *api) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := accounts.Identity{
			Subject: r.Header.Get(HeaderUser),
			Email:   r.Header.Get(HeaderEmail),
			Name:    r.Header.Get(HeaderName),
		}
		if id.Subject == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := a.accounts.GetOrCreate(r.Context(), id)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, identified{id: id, user: user})))
	})
}

type identified struct {
	id   accounts.Identity
	user *db.User
}

func caller(r *http.Request) identified {
	return r.Context().Value(ctxKey{}).(identified)
}

func (a *api) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := a.accounts.Current(r.Context(), caller(r).id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (a *api) updateKeys(w http.ResponseWriter, r *http.Request) {
	var upd accounts.KeyUpdate
	if !decode(w, r, &upd) {
		return
	}
	acct, err := a.accounts.UpdateKeys(r.Context(), caller(r).id, upd)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (a *api) listServers(w http.ResponseWriter, r *http.Request) {
	servers, err := a.store.ListServersByUser(r.Context(), caller(r).user.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]Server, 0, len(servers))
	for i := range servers {
		out = append(out, serverView(&servers[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) createServer(w http.ResponseWriter, r *http.Request) {
	var req spec.ProvisionRequest
	if !decode(w, r, &req) {
		return
	}
	userID := caller(r).user.ID
	id, err := a.orch.Provision(r.Context(), userID, req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	srv, err := a.ownedServer(r.Context(), userID, id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, serverView(srv))
}

// ownedServer hides servers of other users behind not found.
func (a *api) ownedServer(ctx context.Context, userID, id string) (*db.Server, error) {
	srv, err := a.store.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}
	if srv.UserID != userID {
		return nil, orchestrator.ErrNotFound
	}
	return srv, nil
}

func (a *api) getServer(w http.ResponseWriter, r *http.Request) {
	srv, err := a.ownedServer(r.Context(), caller(r).user.ID, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, serverView(srv))
}

func (a *api) deleteServer(w http.ResponseWriter, r *http.Request) {
	if err := a.orch.Delete(r.Context(), caller(r).user.ID, chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) listLogs(w http.ResponseWriter, r *http.Request) {
	srv, err := a.ownedServer(r.Context(), caller(r).user.ID, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	entries, err := a.store.ListLogs(r.Context(), srv.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if r.URL.Query().Get("view") == "latest" {
		entries = db.LatestByStep(entries)
	}
	writeJSON(w, http.StatusOK, logView(entries))
}

func (a *api) agentStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.orch.AgentStatus(r.Context(), caller(r).user.ID, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *api) installAgent(w http.ResponseWriter, r *http.Request) {
	var req rmp.AgentRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.orch.InstallAgent(r.Context(), caller(r).user.ID, chi.URLParam(r, "id"), req.Agent); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rmp.AgentResponse{OK: true, Agent: req.Agent})
}

func (a *api) uninstallAgent(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	if err := a.orch.UninstallAgent(r.Context(), caller(r).user.ID, chi.URLParam(r, "id"), agent); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rmp.AgentResponse{OK: true, Agent: agent})
}

func (a *api) resetCredentials(w http.ResponseWriter, r *http.Request) {
	var req rmp.ResetRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.orch.ResetCredentials(r.Context(), caller(r).user.ID, chi.URLParam(r, "id"), req.Username, req.Password); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rmp.OKResponse{OK: true})
}

// fail maps an error to a status code. Unclassified errors are logged and
// answered with a generic message.
func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *orchestrator.ValidationError
		keyErr     *accounts.KeyError
		opErr      *orchestrator.OperationError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &keyErr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrMissingCredentials):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "server not found")
	case errors.Is(err, orchestrator.ErrNotRunning),
		errors.Is(err, orchestrator.ErrAgentInstalled),
		errors.Is(err, orchestrator.ErrAgentNotInstalled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrManagementUnreachable), errors.As(err, &opErr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		a.log.Errorw("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
