package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/devforge/internal/config"
	"github.com/atvirokodosprendimai/devforge/internal/db"
	"github.com/atvirokodosprendimai/devforge/internal/metrics"
	"github.com/atvirokodosprendimai/devforge/internal/spec"
	"github.com/atvirokodosprendimai/devforge/internal/vault"
	"go.uber.org/zap"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func portOf(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("url.Parse failed: %v", err)
	}
	_, p, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(p)
	return port
}

// closedPort returns a local port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func managementServer(t *testing.T, token string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" || r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok":true,"agents":{}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newService(t *testing.T, mgmtPort int) *Service {
	cfg := config.Default()
	cfg.CheckTimeout = time.Second
	cfg.Ports.Management = mgmtPort
	return NewService(nil, vault.New(testKey), cfg, metrics.New(), zap.NewNop().Sugar())
}

func TestCheck(t *testing.T) {
	v := vault.New(testKey)
	sealed, err := v.Seal("s3cret-password")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	agentUI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer agentUI.Close()

	t.Run("healthy", func(t *testing.T) {
		mgmt := managementServer(t, "s3cret-password")
		s := newService(t, portOf(t, mgmt.URL))
		got := s.Check(context.Background(), &db.Server{PublicIP: "127.0.0.1", Password: sealed})
		if got != spec.HealthHealthy {
			t.Errorf("Expected healthy, but got %s", got)
		}
	})

	t.Run("legacy plaintext password", func(t *testing.T) {
		mgmt := managementServer(t, "plain-legacy")
		s := newService(t, portOf(t, mgmt.URL))
		got := s.Check(context.Background(), &db.Server{PublicIP: "127.0.0.1", Password: "plain-legacy"})
		if got != spec.HealthHealthy {
			t.Errorf("Expected healthy, but got %s", got)
		}
	})

	t.Run("degraded", func(t *testing.T) {
		s := newService(t, closedPort(t))
		srv := &db.Server{
			PublicIP:     "127.0.0.1",
			Password:     sealed,
			Agents:       []spec.Agent{spec.OpenCode},
			OpenCodePort: portOf(t, agentUI.URL),
		}
		if got := s.Check(context.Background(), srv); got != spec.HealthDegraded {
			t.Errorf("Expected degraded, but got %s", got)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		s := newService(t, closedPort(t))
		srv := &db.Server{
			PublicIP:  "127.0.0.1",
			Password:  sealed,
			Agents:    []spec.Agent{spec.Codex},
			CodexPort: closedPort(t),
		}
		if got := s.Check(context.Background(), srv); got != spec.HealthUnreachable {
			t.Errorf("Expected unreachable, but got %s", got)
		}
	})

	t.Run("no address", func(t *testing.T) {
		s := newService(t, closedPort(t))
		if got := s.Check(context.Background(), &db.Server{}); got != spec.HealthUnreachable {
			t.Errorf("Expected unreachable, but got %s", got)
		}
	})
}

func TestRunOnceWritesHealthOnly(t *testing.T) {
	// 1. Setup
	gormDB, err := db.NewDatabase(filepath.Join(t.TempDir(), "test.db"), zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewDatabase failed: %v", err)
	}
	store := db.NewStore(gormDB)
	v := vault.New(testKey)
	sealed, _ := v.Seal("s3cret-password")
	mgmt := managementServer(t, "s3cret-password")

	srv := &db.Server{UserID: "u1", PublicIP: "127.0.0.1", Password: sealed, Status: spec.StatusRunning, StatusMessage: "Server is ready"}
	if err := store.CreateServer(context.Background(), srv); err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	other := &db.Server{UserID: "u1", PublicIP: "127.0.0.1", Status: spec.StatusInstalling}
	if err := store.CreateServer(context.Background(), other); err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}

	cfg := config.Default()
	cfg.Ports.Management = portOf(t, mgmt.URL)
	s := NewService(store, v, cfg, nil, zap.NewNop().Sugar())

	// 2. Execute
	s.RunOnce(context.Background())

	// 3. Assertions
	got, err := store.GetServer(context.Background(), srv.ID)
	if err != nil {
		t.Fatalf("GetServer failed: %v", err)
	}
	if got.HealthStatus != spec.HealthHealthy || got.LastHealthCheck == nil {
		t.Errorf("Expected a healthy check to be recorded, got %+v", got)
	}
	if got.Status != spec.StatusRunning || got.StatusMessage != "Server is ready" {
		t.Errorf("Expected status untouched, got %s %q", got.Status, got.StatusMessage)
	}
	skipped, _ := store.GetServer(context.Background(), other.ID)
	if skipped.HealthStatus != "" {
		t.Errorf("Expected non-running servers to be skipped, got %s", skipped.HealthStatus)
	}
}

func TestStopWithoutStart(t *testing.T) {
	s := newService(t, closedPort(t))

	done := make(chan struct{})
	go func() {
		s.Stop()
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Stop to return when the monitor never started")
	}
}
