// Package provisioning creates rooms through the media provider's REST API
package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/navikt/dualroom/internal/config"
)

const defaultBaseURL = "https://api.videosdk.live"

// ErrMissingToken is returned when no API token is configured
var ErrMissingToken = errors.New("provisioning token is not configured")

type createRoomResponse struct {
	RoomID string `json:"roomId"`
}

// Client calls POST /v2/rooms
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a provisioning client from configuration
func NewClient(cfg config.ProvisioningConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		token:   cfg.Token,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CreateRoom provisions one room and returns its id
func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	if c.token == "" {
		return "", ErrMissingToken
	}

	url := c.baseURL + "/v2/rooms"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	// The provider expects the raw token, not a bearer scheme
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("room API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var created createRoomResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("failed to parse room response: %w", err)
	}
	if created.RoomID == "" {
		return "", errors.New("room API returned no roomId")
	}

	log.Debug().Str("module", "provisioning").Str("roomId", created.RoomID).Msg("room created")
	return created.RoomID, nil
}
