// Package hetzner implements provider.Provider against the Hetzner Cloud API.
package hetzner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/atvirokodosprendimai/devforge/internal/provider"
)

// DefaultBaseURL is the public Hetzner Cloud API.
const DefaultBaseURL = "https://api.hetzner.cloud/v1"

// Image is the OS image every machine boots.
const Image = "ubuntu-24.04"

// locations maps region codes to Hetzner location names.
var locations = map[string]string{
	"ash":  "ash",  // Ashburn, VA
	"hil":  "hil",  // Hillsboro, OR
	"nbg1": "nbg1", // Nuremberg, DE
	"fsn1": "fsn1", // Falkenstein, DE
	"hel1": "hel1", // Helsinki, FI
}

// APIError is an error answer from the API.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hetzner: %s: %s", e.Code, e.Message)
}

// IsUnauthorized reports whether err is an authentication failure.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == string(hcloud.ErrorCodeUnauthorized) || apiErr.Code == string(hcloud.ErrorCodeForbidden)
}

// Client talks to the Hetzner Cloud API. Each call authenticates with the
// account's own token.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client for baseURL. A nil httpClient uses
// http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

var _ provider.Provider = (*Client)(nil)

func (c *Client) api(apiKey string) *hcloud.Client {
	return hcloud.NewClient(
		hcloud.WithToken(apiKey),
		hcloud.WithEndpoint(c.baseURL),
		hcloud.WithHTTPClient(c.httpClient),
		hcloud.WithApplication("devforge", ""),
	)
}

// CreateMachine creates and starts a server with public networking.
func (c *Client) CreateMachine(ctx context.Context, apiKey string, req provider.CreateRequest) (provider.Machine, error) {
	location, ok := locations[req.Region]
	if !ok {
		return provider.Machine{}, fmt.Errorf("hetzner: unknown region %q", req.Region)
	}

	result, _, err := c.api(apiKey).Server.Create(ctx, hcloud.ServerCreateOpts{
		Name:             req.Name,
		ServerType:       &hcloud.ServerType{Name: req.ServerType},
		Image:            &hcloud.Image{Name: Image},
		Location:         &hcloud.Location{Name: location},
		UserData:         req.UserData,
		StartAfterCreate: hcloud.Ptr(true),
		PublicNet:        &hcloud.ServerCreatePublicNet{EnableIPv4: true, EnableIPv6: true},
	})
	if err != nil {
		return provider.Machine{}, fmt.Errorf("hetzner: create server %s: %w", req.Name, translate(err))
	}
	if result.Server == nil || result.Server.ID == 0 {
		return provider.Machine{}, errors.New("hetzner: create response carries no server id")
	}

	m := provider.Machine{ID: strconv.FormatInt(result.Server.ID, 10)}
	if ip := result.Server.PublicNet.IPv4.IP; ip != nil {
		m.PublicIPv4 = ip.String()
	}
	if ip := result.Server.PublicNet.IPv6.IP; ip != nil {
		m.PublicIPv6 = ip.String()
	}
	return m, nil
}

// DeleteMachine deletes a server. A server that no longer exists is not an
// error.
func (c *Client) DeleteMachine(ctx context.Context, apiKey, machineID string) error {
	id, err := strconv.ParseInt(machineID, 10, 64)
	if err != nil {
		return fmt.Errorf("hetzner: invalid server id %q: %w", machineID, err)
	}
	_, _, err = c.api(apiKey).Server.DeleteWithResult(ctx, &hcloud.Server{ID: id})
	if hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("hetzner: delete server %s: %w", machineID, translate(err))
	}
	return nil
}

// translate turns an hcloud API error into an APIError and passes transport
// failures through.
func translate(err error) error {
	var hcErr hcloud.Error
	if errors.As(err, &hcErr) {
		return &APIError{Code: string(hcErr.Code), Message: hcErr.Message}
	}
	return err
}
