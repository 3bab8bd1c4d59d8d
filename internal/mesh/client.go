// Package mesh mints join tokens for the private mesh network (Tailscale)
// and resolves the network's DNS suffix.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"tailscale.com/client/tailscale"
)

func init() {
	tailscale.I_Acknowledge_This_API_Is_Unstable = true
}

// DefaultBaseURL is the public Tailscale API host. The client appends the
// /api/v2 prefix itself.
const DefaultBaseURL = "https://api.tailscale.com"

// FallbackDNSSuffix is returned when no device on the network reveals the
// real MagicDNS suffix.
const FallbackDNSSuffix = "tailnet.ts.net"

// DeviceTag is attached to every device enrolled with a minted token.
const DeviceTag = "tag:devforge"

// JoinTokenExpiry bounds how long a minted token can be used.
const JoinTokenExpiry = time.Hour

// Mesh is the mesh network boundary the orchestrator uses.
type Mesh interface {
	CreateJoinToken(ctx context.Context, apiKey, network, description string) (string, error)
	ResolveDNSSuffix(ctx context.Context, apiKey, network string) (string, error)
}

// APIError is a non-2xx answer from the Tailscale API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tailscale: %d: %s", e.StatusCode, e.Message)
}

// Client wraps the Tailscale API client. Every call authenticates with the
// account's own API key against the account's network.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new Tailscale client.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

var _ Mesh = (*Client)(nil)

func (c *Client) api(apiKey, network string) *tailscale.Client {
	if network == "" {
		network = "-"
	}
	api := tailscale.NewClient(network, tailscale.APIKey(apiKey))
	api.BaseURL = c.baseURL
	api.HTTPClient = c.httpClient
	return api
}

// CreateJoinToken mints a single-use, preauthorized, non-ephemeral auth key
// that expires after an hour. The description only labels errors; the key
// itself carries the device tag.
func (c *Client) CreateJoinToken(ctx context.Context, apiKey, network, description string) (string, error) {
	caps := tailscale.KeyCapabilities{
		Devices: tailscale.KeyDeviceCapabilities{
			Create: tailscale.KeyDeviceCreateCapabilities{
				Reusable:      false,
				Ephemeral:     false,
				Preauthorized: true,
				Tags:          []string{DeviceTag},
			},
		},
	}
	secret, _, err := c.api(apiKey, network).CreateKeyWithExpiry(ctx, caps, JoinTokenExpiry)
	if err != nil {
		return "", fmt.Errorf("tailscale: create auth key for %s: %w", description, translate(err))
	}
	if secret == "" {
		return "", errors.New("tailscale: key response carries no key")
	}
	return secret, nil
}

// MagicDNS names look like "hostname.tailnet-name.ts.net".
var magicDNSName = regexp.MustCompile(`^[^.]+\.(.+\.ts\.net)\.?$`)

// ResolveDNSSuffix inspects existing devices for their MagicDNS suffix. The
// fallback suffix is always returned alongside a lookup error so callers can
// carry on.
func (c *Client) ResolveDNSSuffix(ctx context.Context, apiKey, network string) (string, error) {
	devices, err := c.api(apiKey, network).Devices(ctx, nil)
	if err != nil {
		return FallbackDNSSuffix, fmt.Errorf("tailscale: list devices: %w", translate(err))
	}
	for _, d := range devices {
		if d == nil {
			continue
		}
		if m := magicDNSName.FindStringSubmatch(d.Name); m != nil {
			return m[1], nil
		}
	}
	return FallbackDNSSuffix, nil
}

func translate(err error) error {
	var resp tailscale.ErrResponse
	if errors.As(err, &resp) {
		return &APIError{StatusCode: resp.Status, Message: resp.Message}
	}
	return err
}
