package arena

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RESTClient talks to the arena engine's HTTP endpoints: the active-session
// poll and the session-start endpoints.
type RESTClient struct {
	baseURL    string
	token      func(ctx context.Context) (string, error)
	httpClient *http.Client
}

// NewRESTClient creates a REST client. token may be nil when the endpoints
// are unauthenticated; when set it is invoked per request.
func NewRESTClient(baseURL string, timeout time.Duration, token func(ctx context.Context) (string, error)) *RESTClient {
	return &RESTClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *RESTClient) HTTPClient() *http.Client {
	return c.httpClient
}

// GetActiveSessions fetches the forward and backtest session summaries.
func (c *RESTClient) GetActiveSessions(ctx context.Context) (ActiveSessions, error) {
	var out ActiveSessions
	if err := c.doJSON(ctx, http.MethodGet, "/api/sessions/active", nil, &out); err != nil {
		return ActiveSessions{}, err
	}
	return out, nil
}

// StartBacktest starts a backtest session and returns its id plus optional
// preview candles for seeding aggregate state.
func (c *RESTClient) StartBacktest(ctx context.Context, req StartSessionRequest) (StartSessionResponse, error) {
	var out StartSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/backtest/start", req, &out); err != nil {
		return StartSessionResponse{}, err
	}
	return out, nil
}

// StartForward starts a forward-test session.
func (c *RESTClient) StartForward(ctx context.Context, req StartSessionRequest) (StartSessionResponse, error) {
	var out StartSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/forward/start", req, &out); err != nil {
		return StartSessionResponse{}, err
	}
	return out, nil
}

func (c *RESTClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	// Construct the request with context for timeout/cancel support
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("fetch token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("arena error (%d): %s", resp.StatusCode, b)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
