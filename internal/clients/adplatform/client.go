// Package adplatform provides the outbound ad platform clients: a live HTTP
// client and a dry-run stand-in that only logs.
package adplatform

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

	"github.com/aristath/adpilot/internal/domain"
	"github.com/rs/zerolog"
)

// Client talks to the ad platform's JSON API
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a live platform client. Per-call deadlines come from the
// caller's context; the client timeout is only a backstop.
func NewClient(baseURL, token string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 60 * time.Second},
		log:     log.With().Str("client", "adplatform").Logger(),
	}
}

type budgetRequest struct {
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	ClientToken string  `json:"client_token"`
}

type statusRequest struct {
	ClientToken string `json:"client_token"`
}

type mutationResponse struct {
	ChangeID string `json:"change_id"`
	Success  bool   `json:"success"`
}

// SetBudget sets an ad's daily budget
func (c *Client) SetBudget(ctx context.Context, externalAdID string, amount float64, currency, clientToken string) (*domain.PlatformResult, error) {
	return c.mutate(ctx, "set_budget", externalAdID, "budget", budgetRequest{
		Amount:      amount,
		Currency:    currency,
		ClientToken: clientToken,
	}, clientToken)
}

// Pause pauses an ad
func (c *Client) Pause(ctx context.Context, externalAdID, clientToken string) (*domain.PlatformResult, error) {
	return c.mutate(ctx, "pause", externalAdID, "pause", statusRequest{ClientToken: clientToken}, clientToken)
}

// Resume resumes an ad
func (c *Client) Resume(ctx context.Context, externalAdID, clientToken string) (*domain.PlatformResult, error) {
	return c.mutate(ctx, "resume", externalAdID, "resume", statusRequest{ClientToken: clientToken}, clientToken)
}

func (c *Client) mutate(ctx context.Context, op, externalAdID, action string, payload interface{}, clientToken string) (*domain.PlatformResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to encode request: %w", op, err)
	}

	endpoint := fmt.Sprintf("%s/ads/%s/%s", c.baseURL, url.PathEscape(externalAdID), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", clientToken)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	c.log.Debug().
		Str("op", op).
		Str("ad", externalAdID).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Platform call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var parsed mutationResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		// a 2xx with an unreadable body has an unknown outcome; the client token
		// makes the retry safe
		return nil, &Error{Op: op, Err: fmt.Errorf("failed to parse response: %w", err)}
	}

	return &domain.PlatformResult{
		PlatformChangeID: parsed.ChangeID,
		Request:          body,
		Response:         respBody,
	}, nil
}
