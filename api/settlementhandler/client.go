package settlementhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/worldcoins-backend/api"
)

// Client calls the action endpoints of a running service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the service at baseURL. The timeout must
// cover the server's confirmation timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// VerifyAndMint requests a token creation. Non-2xx settlement responses are
// returned without error; inspect Success and ErrorKind.
func (c *Client) VerifyAndMint(ctx context.Context, req *api.VerifyAndMintRequest) (*api.SettlementResponse, error) {
	return c.post(ctx, "/api/verify-and-mint", req)
}

// VerifyAndClaim requests a claim.
func (c *Client) VerifyAndClaim(ctx context.Context, req *api.VerifyAndClaimRequest) (*api.SettlementResponse, error) {
	return c.post(ctx, "/api/verify-and-claim", req)
}

func (c *Client) post(ctx context.Context, path string, body any) (*api.SettlementResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("could not encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not request %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response: %w", err)
	}

	var result api.SettlementResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("could not parse response (status %d): %w", resp.StatusCode, err)
	}
	if result.Status == 0 {
		result.Status = resp.StatusCode
	}
	return &result, nil
}
