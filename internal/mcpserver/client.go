package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/contagion/internal/retry"
)

// Config holds the configuration for connecting to a contagion API server.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	// APIKey is sent as a bearer token. The API requires it for mutating
	// tools once API_KEYS is configured server-side.
	APIKey string
}

// Client is a pure HTTP client for the contagion risk API. Reads are
// retried on transport errors, 429 and 5xx; writes are sent once.
type Client struct {
	cfg        Config
	httpClient *http.Client
	policy     retry.Policy
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		policy:     retry.Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
	}
}

// apiError is the API's {"error","message"} body.
type apiError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
	raw     string
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.raw)
}

func (e *apiError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.policy.Do(ctx, func() error {
		body, err := c.send(ctx, http.MethodGet, path, query, nil)
		if err != nil {
			var ae *apiError
			if errors.As(err, &ae) && !ae.retryable() {
				return retry.Permanent(err)
			}
			return err
		}
		out = body
		return nil
	})
	return out, err
}

func (c *Client) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.send(ctx, http.MethodPost, path, nil, body)
}

// send makes one request and returns the body of a 2xx/3xx response.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		ae := &apiError{Status: resp.StatusCode, raw: string(respBody)}
		_ = json.Unmarshal(respBody, ae)
		return nil, ae
	}
	return json.RawMessage(respBody), nil
}

// GetAccount returns an account's risk profile.
func (c *Client) GetAccount(ctx context.Context, accountID string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/accounts/"+url.PathEscape(accountID), nil)
}

// GetHistory returns an account's most recent assessments.
func (c *Client) GetHistory(ctx context.Context, accountID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.get(ctx, "/v1/accounts/"+url.PathEscape(accountID)+"/history", q)
}

// ListZone returns the highest-scored members of a zone.
func (c *Client) ListZone(ctx context.Context, zone string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.get(ctx, "/v1/zones/"+url.PathEscape(zone), q)
}

// GetStats returns the network-wide zone distribution.
func (c *Client) GetStats(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/v1/stats", nil)
}

// FraudNeighbors returns the confirmed-fraud accounts nearest to accountID.
func (c *Client) FraudNeighbors(ctx context.Context, accountID string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/accounts/"+url.PathEscape(accountID)+"/fraud-neighbors", nil)
}

// Simulate runs a risk evolution simulation. Zero-valued fields in params
// are omitted so the server defaults apply.
func (c *Client) Simulate(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	return c.post(ctx, "/v1/simulations", params)
}

// SubmitTransaction records a transfer and returns the sender's rescore.
func (c *Client) SubmitTransaction(ctx context.Context, senderID, receiverID string, amount float64, hour int) (json.RawMessage, error) {
	body := map[string]any{
		"senderId":   senderID,
		"receiverId": receiverID,
		"amount":     amount,
		"hour":       hour,
	}
	return c.post(ctx, "/v1/transactions", body)
}
