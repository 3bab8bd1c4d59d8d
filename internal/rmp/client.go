package rmp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// Error is a non-2xx answer from the management API.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("management api: %d: %s", e.StatusCode, e.Message)
}

// UnreachableError means no HTTP answer came back at all.
type UnreachableError struct {
	Address string
	Err     error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("management api at %s unreachable: %v", e.Address, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// Client talks to one machine's management API.
type Client struct {
	baseURL    string
	address    string
	token      string
	httpClient *http.Client
}

// NewClient returns a client for the agent listening on address:port.
func NewClient(address string, port int, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	hostPort := net.JoinHostPort(address, strconv.Itoa(port))
	return &Client{
		baseURL:    "http://" + hostPort,
		address:    hostPort,
		token:      token,
		httpClient: httpClient,
	}
}

// Status returns the live agent states.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	if err := c.call(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return StatusResponse{}, err
	}
	return out, nil
}

// Install installs and starts agent.
func (c *Client) Install(ctx context.Context, agent string) error {
	return c.call(ctx, http.MethodPost, "/install", AgentRequest{Agent: agent}, nil)
}

// Uninstall stops and disables agent.
func (c *Client) Uninstall(ctx context.Context, agent string) error {
	return c.call(ctx, http.MethodPost, "/uninstall", AgentRequest{Agent: agent}, nil)
}

// ResetCredentials rotates the shared login. The agent restarts itself
// shortly after answering, so the client token is stale afterwards.
func (c *Client) ResetCredentials(ctx context.Context, username, password string) error {
	return c.call(ctx, http.MethodPost, "/reset-credentials", ResetRequest{Username: username, Password: password}, nil)
}

// Ready reports whether the management API is up. Any 2xx or a 401 counts
// as ready; no token is sent.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return false, &UnreachableError{Address: c.address, Err: err}
	}
	defer response.Body.Close()
	io.Copy(io.Discard, io.LimitReader(response.Body, 1<<16))

	ok := response.StatusCode == http.StatusUnauthorized ||
		(response.StatusCode >= 200 && response.StatusCode < 300)
	return ok, nil
}

func (c *Client) call(ctx context.Context, method, path string, requestBody, out any) error {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return &UnreachableError{Address: c.address, Err: err}
	}
	defer response.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return &UnreachableError{Address: c.address, Err: err}
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		var envelope ErrorResponse
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error != "" {
			msg = envelope.Error
		}
		if msg == "" {
			msg = http.StatusText(response.StatusCode)
		}
		return &Error{StatusCode: response.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return nil
}
