// Package whatsapp sends text messages through the WhatsApp Cloud API.
package whatsapp

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
)

type Client struct {
	Token         string
	PhoneNumberID string
	APIVersion    string
	BaseURL       string
	HTTP          *http.Client
}

var ErrNotConfigured = errors.New("whatsapp credentials are not configured")

type textBody struct {
	Body string `json:"body"`
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendText posts a text message and returns the provider message id. A 2xx response whose body
// cannot be read yields an empty id and no error.
func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	if c.Token == "" || c.PhoneNumberID == "" {
		return "", ErrNotConfigured
	}
	body, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             textBody{Body: text},
	})
	if err != nil {
		return "", err
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://graph.facebook.com"
	}
	version := c.APIVersion
	if version == "" {
		version = "v20.0"
	}
	endpoint := baseURL + "/" + version + "/" + c.PhoneNumberID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out sendResponse
	_ = json.Unmarshal(b, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Error != nil && out.Error.Message != "" {
			return "", fmt.Errorf("whatsapp send failed: status %d: %s", resp.StatusCode, out.Error.Message)
		}
		return "", fmt.Errorf("whatsapp send failed: status %d", resp.StatusCode)
	}
	if len(out.Messages) == 0 {
		return "", nil
	}
	return out.Messages[0].ID, nil
}
