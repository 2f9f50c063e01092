// Package controlplane is the HTTP client for the control plane the worker
// registers itself against. The contract — device registration, device
// deletion, project lookup, and session-token minting — is an external
// collaborator: this package only needs to produce typed Go values out of
// that HTTP contract, not own any business logic.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DeviceRegisterRequest is the body of the device-registration call.
type DeviceRegisterRequest struct {
	Name    string `json:"name"`
	Group   string `json:"group"`
	Comment string `json:"comments,omitempty"`
}

// DeviceResponse is the control plane's answer to a device registration,
// carrying the routing information the Broker Listener needs.
type DeviceResponse struct {
	ID                          string `json:"id"`
	Group                       string `json:"group"`
	SessionNotificationExchange string `json:"session_notification_exchange_name"`
	SessionNotificationBindingKey string `json:"session_notification_binding_key"`
}

// VideoGrants mirrors the grant set minted for the text-egress bot identity.
type VideoGrants struct {
	Room         string `json:"room"`
	RoomJoin     bool   `json:"room_join"`
	CanSubscribe bool   `json:"can_subscribe"`
	CanPublish   bool   `json:"can_publish"`
	Hidden       bool   `json:"hidden"`
}

// TokenRequest is the body sent to mint a room-join token for a session.
type TokenRequest struct {
	SessionID string      `json:"session_id"`
	Identity  string      `json:"identity"`
	Name      string      `json:"name"`
	Grants    VideoGrants `json:"grants"`
}

// TokenResponse carries the minted JWT and the LiveKit server URL to dial.
type TokenResponse struct {
	Token     string `json:"token"`
	ServerURL string `json:"server_url"`
}

// ProjectDetails is the subset of project metadata the supervisor needs to
// compute upload key prefixes.
type ProjectDetails struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// apiTokenResponse is the wire shape of the API-token endpoint's response.
type apiTokenResponse struct {
	Token string `json:"api_token"`
}

// Client is the interface the rest of the worker depends on. Defining it as
// an interface (rather than depending on *HTTPClient directly) keeps the
// supervisor and token minter testable without a live control plane.
type Client interface {
	RegisterDevice(ctx context.Context, req DeviceRegisterRequest) (*DeviceResponse, error)
	DeleteDevice(ctx context.Context, deviceID string) error
	ProjectDetails(ctx context.Context) (*ProjectDetails, error)
	MintToken(ctx context.Context, req TokenRequest) (*TokenResponse, error)
	APIToken(ctx context.Context) (string, error)
}

// HTTPClient is the default Client implementation, scoped to a single
// project via its API key/secret.
type HTTPClient struct {
	baseURL   string
	projectID string
	apiKey    string
	apiSecret string
	http      *http.Client
}

// New creates an HTTPClient scoped to one project.
func New(baseURL, projectID, apiKey, apiSecret string) *HTTPClient {
	return &HTTPClient{
		baseURL:   baseURL,
		projectID: projectID,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("controlplane: failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("controlplane: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("X-Api-Secret", c.apiSecret)
	req.Header.Set("X-Project-Id", c.projectID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("controlplane: request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("controlplane: %s returned status %d", path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("controlplane: failed to decode response from %s: %w", path, err)
	}
	return nil
}

// RegisterDevice registers this worker as a device for the scoped project.
func (c *HTTPClient) RegisterDevice(ctx context.Context, req DeviceRegisterRequest) (*DeviceResponse, error) {
	var resp DeviceResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/devices", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteDevice removes the device record created by RegisterDevice.
func (c *HTTPClient) DeleteDevice(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/devices/"+deviceID, nil, nil)
}

// ProjectDetails fetches the metadata of the scoped project.
func (c *HTTPClient) ProjectDetails(ctx context.Context) (*ProjectDetails, error) {
	var resp ProjectDetails
	if err := c.do(ctx, http.MethodGet, "/api/v1/projects/"+c.projectID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MintToken requests a room-join token for the given session from the
// control plane.
func (c *HTTPClient) MintToken(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	var resp TokenResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions/token", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// APIToken fetches the project-scoped API token the Broker Listener
// authenticates with, in place of the API key/secret pair used for the rest
// of this client's calls.
func (c *HTTPClient) APIToken(ctx context.Context) (string, error) {
	var resp apiTokenResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/projects/"+c.projectID+"/api-token", nil, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}
