// Package texthub is the HTTP client for the TextHub messaging gateway, the
// delivery transport behind the dispatch queue.
package texthub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"dispatchq/internal/provider"
)

type Client struct {
	BaseURL string
	APIKey  string
	From    string
	HTTP    *http.Client
}

type sendPayload struct {
	To        string `json:"to"`
	From      string `json:"from,omitempty"`
	Body      string `json:"body"`
	TenantRef string `json:"tenantRef,omitempty"`
}

type sendResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (c *Client) Send(ctx context.Context, tenantID, recipient, body string) (string, error) {
	payload, err := json.Marshal(sendPayload{
		To:        recipient,
		From:      c.From,
		Body:      body,
		TenantRef: tenantID,
	})
	if err != nil {
		return "", err
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/messages", bytes.NewReader(payload))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out sendResponse
	_ = json.Unmarshal(b, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Message
		if msg == "" {
			msg = "texthub send failed"
		}
		return "", provider.CallError{Err: errors.New(msg), HTTPStatus: resp.StatusCode, Raw: b}
	}
	return out.ID, nil
}
