// Package api is the account-mode client: pre-provisioned API-key/JWT
// access to the proxy REST API, independent of the payment pathway. All of
// it is plain request/response plumbing; no payment logic lives here.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Port is one provisioned proxy port on the account.
type Port struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	HTTPPort  int       `json:"httpPort"`
	SocksPort int       `json:"socksPort"`
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	Country   string    `json:"country"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TrafficStats is the metered usage of one port.
type TrafficStats struct {
	PortID    string  `json:"portId"`
	AllowedGB float64 `json:"allowedGB"`
	UsedGB    float64 `json:"usedGB"`
}

// BillingEntry is one row of the account's billing history.
type BillingEntry struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Ticket is a support ticket.
type Ticket struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Status  string `json:"status"`
}

// Client talks to the account-scoped endpoints with an API key and a JWT.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	token   string
	logger  zerolog.Logger
}

// New constructs the account client. The JWT is not verified locally (the
// server holds the secret); only its expiry claim is inspected so a stale
// token is reported before a doomed remote call.
func New(baseURL, apiKey, token string, logger zerolog.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		apiKey:  apiKey,
		token:   token,
		logger:  logger.With().Str("component", "account").Logger(),
	}
}

// checkToken rejects a locally-expired JWT without a round trip.
func (c *Client) checkToken() error {
	if c.token == "" {
		return nil
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, &claims); err != nil {
		return fmt.Errorf("account JWT is malformed: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if exp.Before(time.Now()) {
		return fmt.Errorf("account JWT expired at %s; obtain a fresh token", exp.Format(time.RFC3339))
	}
	return nil
}

// ListPorts returns the account's ports. 404 means none yet, not an error.
func (c *Client) ListPorts(ctx context.Context) ([]Port, error) {
	var out struct {
		Ports []Port `json:"ports"`
	}
	status, err := c.do(ctx, http.MethodGet, "/v1/account/ports", nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	return out.Ports, nil
}

// GetPort fetches one port by id.
func (c *Client) GetPort(ctx context.Context, id string) (*Port, error) {
	var out Port
	status, err := c.do(ctx, http.MethodGet, "/v1/account/ports/"+id, nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("port %s not found", id)
	}
	return &out, nil
}

// ReplacePort swaps a port for a fresh one in the same location.
func (c *Client) ReplacePort(ctx context.Context, id string) (*Port, error) {
	var out Port
	status, err := c.do(ctx, http.MethodPost, "/v1/account/ports/"+id+"/replace", nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("port %s not found", id)
	}
	return &out, nil
}

// RotatePort cycles the exit IP of an account port.
func (c *Client) RotatePort(ctx context.Context, id string) (string, error) {
	var out struct {
		NewIP string `json:"newIp"`
	}
	status, err := c.do(ctx, http.MethodPost, "/v1/account/ports/"+id+"/rotate", nil, &out)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", fmt.Errorf("port %s not found", id)
	}
	return out.NewIP, nil
}

// Traffic fetches usage for one port.
func (c *Client) Traffic(ctx context.Context, id string) (*TrafficStats, error) {
	var out TrafficStats
	status, err := c.do(ctx, http.MethodGet, "/v1/account/ports/"+id+"/traffic", nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("port %s not found", id)
	}
	return &out, nil
}

// BillingHistory returns up to limit recent billing rows.
func (c *Client) BillingHistory(ctx context.Context, limit int) ([]BillingEntry, error) {
	var out struct {
		Entries []BillingEntry `json:"entries"`
	}
	status, err := c.do(ctx, http.MethodGet, "/v1/account/billing?limit="+strconv.Itoa(limit), nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	return out.Entries, nil
}

// CreateTicket opens a support ticket.
func (c *Client) CreateTicket(ctx context.Context, subject, message string) (*Ticket, error) {
	payload := map[string]string{"subject": subject, "message": message}
	var out Ticket
	if _, err := c.do(ctx, http.MethodPost, "/v1/account/tickets", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs one authenticated call. 404 is returned to the caller via
// the status (list reads treat it as empty); other non-2xx are errors.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) (int, error) {
	if err := c.checkToken(); err != nil {
		return 0, err
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(raw)
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		return resp.StatusCode, fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, snippet)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
