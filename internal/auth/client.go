package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// ErrAuth marks a failed credential exchange with the upstream service
var ErrAuth = errors.New("authentication failed")

// maxTokenResponse bounds how much of the /auth response body is read
const maxTokenResponse = 64 << 10

type tokenResponse struct {
	Token string `json:"token"`
}

// Client exchanges static service credentials for a bearer token
type Client struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new credential client for the service at baseURL
func NewClient(baseURL, username, password string, httpClient *http.Client, logger *zap.Logger) *Client {
	return &Client{
		BaseURL:    baseURL,
		Username:   username,
		Password:   password,
		HTTPClient: httpClient,
		logger:     logger,
	}
}

// Authenticate performs a fresh POST /auth exchange with HTTP Basic
// credentials and returns the bearer token. Tokens are never cached.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/auth", http.NoBody)
	if err != nil {
		return "", fmt.Errorf("%w: failed to build request: %v", ErrAuth, err)
	}
	req.SetBasicAuth(c.Username, c.Password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxTokenResponse))
		return "", fmt.Errorf("%w: upstream returned %s", ErrAuth, resp.Status)
	}

	var body tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTokenResponse)).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: failed to decode token response: %v", ErrAuth, err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("%w: token missing from response", ErrAuth)
	}

	c.logger.Debug("Obtained bearer token", zap.String("user", c.Username))
	return body.Token, nil
}
