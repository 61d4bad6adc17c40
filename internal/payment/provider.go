// Package payment talks to the hosted payment provider. The provider is a
// black box with two surfaces: an intent-creation/query REST API and a
// signed webhook. Only the webhook (and a direct intent query) carry final
// outcomes; everything else is correlation data.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type IntentStatus string

const (
	IntentStatusProcessing IntentStatus = "processing"
	IntentStatusSucceeded  IntentStatus = "succeeded"
	IntentStatusFailed     IntentStatus = "failed"
)

// Intent mirrors the provider's payment-intent resource. ClientSecret is
// only populated on creation and is handed to the buyer's browser; the
// server never needs it again.
type Intent struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret,omitempty"`
	Status       IntentStatus      `json:"status"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Metadata     map[string]string `json:"metadata"`
	FailureCause string            `json:"failure_cause,omitempty"`
}

type CreateIntentParams struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}

// Provider is the outbound surface the reconciler and checkout flow use.
type Provider interface {
	CreateIntent(ctx context.Context, params CreateIntentParams) (Intent, error)
	GetIntent(ctx context.Context, intentID string) (Intent, error)
}

// Client is the HTTP implementation of Provider. The request timeout bounds
// every provider call so a slow provider cannot pin a checkout request; on
// timeout the order simply stays in AwaitingPayment for the webhook or the
// sweep to resolve.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: timeout},
	}
}

func (c *Client) CreateIntent(ctx context.Context, params CreateIntentParams) (Intent, error) {
	return c.do(ctx, http.MethodPost, "/v1/payment_intents", params)
}

func (c *Client) GetIntent(ctx context.Context, intentID string) (Intent, error) {
	return c.do(ctx, http.MethodGet, "/v1/payment_intents/"+intentID, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (Intent, error) {
	var intent Intent

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return intent, fmt.Errorf("json.Marshal: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return intent, fmt.Errorf("http.NewRequestWithContext: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return intent, fmt.Errorf("httpc.Do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return intent, fmt.Errorf("provider returned %d: %s", resp.StatusCode, raw)
	}

	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return intent, fmt.Errorf("decode intent: %w", err)
	}

	return intent, nil
}
