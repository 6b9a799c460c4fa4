// ABOUTME: HTTP client for the on-chain DID service: register and resolve
// ABOUTME: Falls back to the local DID form when the service omits one

package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ErrNotConfigured marks a client without a base URL. The identity package
// treats this as a permanent failure and stops retrying.
var ErrNotConfigured = errors.New("chain service not configured")

// ErrDIDNotFound marks an unknown DID on resolution.
var ErrDIDNotFound = errors.New("did not found")

// Client talks to the chain DID service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a chain client for the given base URL (e.g.
// http://chain:8080/chain). httpClient may be nil; a 30s-timeout default is
// used, matching the service's worst-case anchoring latency.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		logger:  slog.Default().With("component", "chain"),
	}
}

// LocalDID is the hub-issued DID form used when the chain service does not
// return one of its own.
func LocalDID(agentID string) string {
	return "did:dubhe:local:" + agentID
}

// RegisterDID registers the agent on chain and returns its DID. Satisfies
// identity.DIDRegistrar.
func (c *Client) RegisterDID(ctx context.Context, agentID string) (string, error) {
	if c.baseURL == "" {
		return "", ErrNotConfigured
	}

	payload, err := json.Marshal(map[string]string{"agent_id": agentID})
	if err != nil {
		return "", fmt.Errorf("encoding register payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/register", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("registering did: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("chain service returned %d: %s", resp.StatusCode, detail)
	}

	var result struct {
		DID string `json:"did"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding register response: %w", err)
	}
	if result.DID == "" {
		result.DID = LocalDID(agentID)
	}

	c.logger.Debug("did registered on chain", "agent_id", agentID, "did", result.DID)
	return result.DID, nil
}

// ResolveDID fetches the on-chain document for a DID.
func (c *Client) ResolveDID(ctx context.Context, did string) (map[string]any, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/did/"+url.PathEscape(did), nil)
	if err != nil {
		return nil, fmt.Errorf("building resolve request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolving did: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrDIDNotFound, did)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("chain service returned %d: %s", resp.StatusCode, detail)
	}

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding did document: %w", err)
	}
	return doc, nil
}
