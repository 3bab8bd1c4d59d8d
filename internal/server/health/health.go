// Package health classifies running servers as healthy, degraded or
// unreachable.
package health

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/devforge/internal/config"
	"github.com/atvirokodosprendimai/devforge/internal/db"
	"github.com/atvirokodosprendimai/devforge/internal/metrics"
	"github.com/atvirokodosprendimai/devforge/internal/rmp"
	"github.com/atvirokodosprendimai/devforge/internal/spec"
	"github.com/atvirokodosprendimai/devforge/internal/vault"
	"go.uber.org/zap"
)

// Store is what the monitor reads and writes. *db.Store implements it.
type Store interface {
	ListServersByStatus(ctx context.Context, status spec.Status) ([]db.Server, error)
	UpdateHealth(ctx context.Context, id string, health spec.Health, checkedAt time.Time) error
}

// Service periodically classifies every running server.
type Service struct {
	store      Store
	vault      *vault.Vault
	cfg        config.Config
	metrics    *metrics.Metrics
	log        *zap.SugaredLogger
	httpClient *http.Client
	ticker     *time.Ticker
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewService creates a new health monitor.
func NewService(store Store, v *vault.Vault, cfg config.Config, m *metrics.Metrics, log *zap.SugaredLogger) *Service {
	return &Service{
		store:      store,
		vault:      v,
		cfg:        cfg,
		metrics:    m,
		log:        log,
		httpClient: &http.Client{},
		ticker:     time.NewTicker(cfg.HealthInterval),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the periodic checks. The first pass runs immediately.
func (s *Service) Start() {
	s.log.Infow("Starting health monitor", "interval", s.cfg.HealthInterval)
	go func() {
		s.RunOnce(context.Background())

		for {
			select {
			case <-s.ticker.C:
				s.RunOnce(context.Background())
			case <-s.stopCh:
				s.log.Info("Stopping health monitor.")
				s.ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the health monitor. It is safe to call without Start and more
// than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// RunOnce checks every running server and records the result.
func (s *Service) RunOnce(ctx context.Context) {
	servers, err := s.store.ListServersByStatus(ctx, spec.StatusRunning)
	if err != nil {
		s.log.Errorw("Failed to list running servers", "error", err)
		return
	}

	var wg sync.WaitGroup
	for i := range servers {
		srv := &servers[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			health := s.Check(ctx, srv)
			s.metrics.ObserveHealth(string(health))
			if err := s.store.UpdateHealth(ctx, srv.ID, health, time.Now().UTC()); err != nil {
				s.log.Errorw("Failed to record health", "server_id", srv.ID, "error", err)
				return
			}
			if health != spec.HealthHealthy {
				s.log.Warnw("Server unhealthy", "server_id", srv.ID, "health", health)
			}
		}()
	}
	wg.Wait()
}

// Check classifies one server. The management API answering with 2xx is
// healthy; otherwise any answer from an agent port is degraded.
func (s *Service) Check(ctx context.Context, srv *db.Server) spec.Health {
	if srv.PublicIP == "" {
		return spec.HealthUnreachable
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
	defer cancel()
	token := s.vault.TryUnseal(srv.Password)
	client := rmp.NewClient(srv.PublicIP, s.cfg.Ports.Management, token, s.httpClient)
	if _, err := client.Status(checkCtx); err == nil {
		return spec.HealthHealthy
	}

	for _, a := range srv.Agents {
		if s.answers(ctx, srv.PublicIP, srv.Port(a)) {
			return spec.HealthDegraded
		}
	}
	return spec.HealthUnreachable
}

func (s *Service) answers(ctx context.Context, address string, port int) bool {
	checkCtx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
	defer cancel()
	url := "http://" + net.JoinHostPort(address, strconv.Itoa(port)) + "/"
	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
