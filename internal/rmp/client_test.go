package rmp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
)

func clientFor(t *testing.T, srv *httptest.Server, token string) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("url.Parse failed: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("SplitHostPort failed: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return NewClient(host, port, token, srv.Client())
}

func TestStatus(t *testing.T) {
	// 1. Setup
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok":true,"agents":{"codex":{"installed":true,"running":false}}}`))
	}))
	defer srv.Close()

	// 2. Execute
	status, err := clientFor(t, srv, "tok").Status(context.Background())

	// 3. Assertions
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.OK || !status.Agents["codex"].Installed || status.Agents["codex"].Running {
		t.Errorf("Unexpected status %+v", status)
	}
}

func TestCallErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/install":
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"npm exploded"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream gone"))
		}
	}))
	defer srv.Close()
	c := clientFor(t, srv, "tok")

	var rmpErr *Error
	err := c.Install(context.Background(), "codex")
	if !errors.As(err, &rmpErr) || rmpErr.StatusCode != 500 || rmpErr.Message != "npm exploded" {
		t.Errorf("Expected a 500 Error with the agent message, got %v", err)
	}
	err = c.Uninstall(context.Background(), "codex")
	if !errors.As(err, &rmpErr) || rmpErr.Message != "upstream gone" {
		t.Errorf("Expected the raw body as message, got %v", err)
	}
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := clientFor(t, srv, "tok")
	srv.Close()

	var unreachable *UnreachableError
	if err := c.ResetCredentials(context.Background(), "dev", "password1"); !errors.As(err, &unreachable) {
		t.Errorf("Expected UnreachableError, got %v", err)
	}
	if ok, err := c.Ready(context.Background()); ok || !errors.As(err, &unreachable) {
		t.Errorf("Expected a readiness check of a closed port to fail, got %v %v", ok, err)
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusOK, true},
		{http.StatusUnauthorized, true},
		{http.StatusInternalServerError, false},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "" {
				t.Error("Expected the readiness check to carry no token")
			}
			w.WriteHeader(tt.status)
		}))
		ok, err := clientFor(t, srv, "tok").Ready(context.Background())
		srv.Close()
		if err != nil {
			t.Fatalf("Ready failed: %v", err)
		}
		if ok != tt.want {
			t.Errorf("status %d: expected %v, but got %v", tt.status, tt.want, ok)
		}
	}
}

func TestValidateCredentials(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
		ok       bool
	}{
		{"valid", "dev_user-1", "password1", true},
		{"empty username", "", "password1", false},
		{"bad username", "dev user", "password1", false},
		{"long username", strings.Repeat("a", 65), "password1", false},
		{"short password", "dev", "short", false},
		{"long password", "dev", strings.Repeat("p", 257), false},
		{"newline", "dev", "pass\nword1", false},
		{"nul", "dev", "pass\x00word1", false},
		{"tab", "dev", "abcdefgh\t", false},
		{"escape sequence", "dev", "abcdefgh\x1b[2J", false},
		{"delete", "dev", "abcdefgh\x7f", false},
		{"c1 control", "dev", "abcdefgh\u0085", false},
		{"punctuation and unicode", "dev", "p@ss w0rd 'ü\"$", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCredentials(tt.username, tt.password)
			if (err == nil) != tt.ok {
				t.Errorf("Expected ok=%v, got %v", tt.ok, err)
			}
		})
	}
}
