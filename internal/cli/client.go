package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WebSocketURL derives the stream endpoint from the API base URL.
func (c *Client) WebSocketURL() string {
	u := c.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func (c *Client) PlaceBet(ctx context.Context, userID string, roundNumber int64, usdAmount, currency string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/bet", map[string]any{
		"user_id":      userID,
		"round_number": roundNumber,
		"usd_amount":   usdAmount,
		"currency":     currency,
	}, &out)
	return out, err
}

func (c *Client) CashOut(ctx context.Context, userID string, roundNumber int64, currency string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/cashout", map[string]any{
		"user_id":      userID,
		"round_number": roundNumber,
		"currency":     currency,
	}, &out)
	return out, err
}

func (c *Client) Wallet(ctx context.Context, userID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/wallet/"+url.PathEscape(userID), nil, &out)
	return out, err
}

func (c *Client) CurrentRound(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/rounds/current", nil, &out)
	return out, err
}

func (c *Client) Round(ctx context.Context, number int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/rounds/%d", number), nil, &out)
	return out, err
}

func (c *Client) Verify(ctx context.Context, seed, commitment string, roundNumber int64) (map[string]any, error) {
	q := url.Values{}
	q.Set("seed", seed)
	q.Set("commitment", commitment)
	if roundNumber > 0 {
		q.Set("round_number", fmt.Sprintf("%d", roundNumber))
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/verify?"+q.Encode(), nil, &out)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
