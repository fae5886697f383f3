package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ControlClient calls the control endpoint on behalf of a connection.
type ControlClient struct {
	URL    string
	Client *http.Client
}

type controlRequest struct {
	ClientID string `json:"clientId"`
	Action   string `json:"action"`
	Topic    string `json:"topic,omitempty"`
}

type controlResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Subscribe reports whether the server still knew the connection.
func (c *ControlClient) Subscribe(ctx context.Context, clientID, topic string) (bool, error) {
	return c.call(ctx, controlRequest{ClientID: clientID, Action: "subscribe", Topic: topic})
}

func (c *ControlClient) Unsubscribe(ctx context.Context, clientID, topic string) (bool, error) {
	return c.call(ctx, controlRequest{ClientID: clientID, Action: "unsubscribe", Topic: topic})
}

func (c *ControlClient) call(ctx context.Context, body controlRequest) (bool, error) {
	buf, err := json.Marshal(&body)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(buf))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var out controlResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode control response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("control %s returned %d: %s", body.Action, resp.StatusCode, out.Message)
	}

	return out.Success, nil
}
