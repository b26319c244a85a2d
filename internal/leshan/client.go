// Package leshan is a thin HTTP client for the three Leshan LwM2M server
// endpoints this gateway depends on (spec.md §6): listing registered
// clients, reading one resource, and pushing a pre-shared key.
package leshan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HidResourcePath is the LwM2M resource path the gateway reads to learn a
// device's human identifier once it registers with Leshan (spec.md §11).
const HidResourcePath = "/27003/0/19"

// Client is a thin wrapper over net/http for the Leshan REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a Client pointed at baseURL (e.g. "http://127.0.0.1:8080").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// ClientInfo is one entry of GET /api/clients.
type ClientInfo struct {
	Endpoint       string `json:"endpoint"`
	RegistrationID string `json:"registrationId"`
}

// GetClients lists endpoints currently registered with the server.
func (c *Client) GetClients(ctx context.Context) ([]ClientInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/clients", nil)
	if err != nil {
		return nil, fmt.Errorf("leshan: building clients request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("leshan: GET /api/clients: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("leshan: GET /api/clients: unexpected status %d", resp.StatusCode)
	}

	var clients []ClientInfo
	if err := json.NewDecoder(resp.Body).Decode(&clients); err != nil {
		return nil, fmt.Errorf("leshan: decoding clients response: %w", err)
	}
	return clients, nil
}

// resourceEnvelope matches the `{"content":{"value":...}}` shape spec.md §6
// describes for a resource-read response.
type resourceEnvelope struct {
	Content struct {
		Value any `json:"value"`
	} `json:"content"`
}

// GetResource reads object/instance/resource path on endpoint, returning
// the decoded value field.
func (c *Client) GetResource(ctx context.Context, endpoint string, obj, ins, res int) (any, error) {
	url := fmt.Sprintf("%s/api/clients/%s/%d/%d/%d", c.baseURL, endpoint, obj, ins, res)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("leshan: building resource request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("leshan: GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("leshan: GET %s: unexpected status %d", url, resp.StatusCode)
	}

	var envelope resourceEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("leshan: decoding resource response: %w", err)
	}
	return envelope.Content.Value, nil
}

// GetHID is a convenience wrapper over GetResource for HidResourcePath,
// coercing the returned value to a string.
func (c *Client) GetHID(ctx context.Context, endpoint string) (string, error) {
	value, err := c.GetResource(ctx, endpoint, 27003, 0, 19)
	if err != nil {
		return "", err
	}
	hid, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("leshan: resource %s returned non-string value %v", HidResourcePath, value)
	}
	return hid, nil
}

type pskTLS struct {
	Mode    string `json:"mode"`
	Details struct {
		Identity string `json:"identity"`
		Key      string `json:"key"`
	} `json:"details"`
}

type pushPSKRequest struct {
	Endpoint string `json:"endpoint"`
	TLS      pskTLS `json:"tls"`
}

// PushPSK provisions a pre-shared key security entry for endpoint.
func (c *Client) PushPSK(ctx context.Context, endpoint, identity, key string) error {
	body := pushPSKRequest{Endpoint: endpoint}
	body.TLS.Mode = "psk"
	body.TLS.Details.Identity = identity
	body.TLS.Details.Key = key

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("leshan: marshaling push-psk body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/security/clients/", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("leshan: building push-psk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("leshan: PUT /api/security/clients/: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("leshan: PUT /api/security/clients/: unexpected status %d", resp.StatusCode)
	}
	return nil
}
