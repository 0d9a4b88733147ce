// Package client talks to a running llmrelay server.
package client

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

	"github.com/lkarlslund/llmrelay/pkg/credentials"
	"github.com/lkarlslund/llmrelay/pkg/llm"
	"github.com/lkarlslund/llmrelay/pkg/sse"
)

// ErrIncompleteStream is returned when the server closed the stream without
// a terminal frame.
var ErrIncompleteStream = errors.New("stream ended without a terminal frame")

// StatusError is a pre-stream rejection from the server.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay status %d: %s", e.StatusCode, e.Message)
}

// StreamError is an in-band failure reported after the stream started.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "relay stream error: " + e.Message
}

type Client struct {
	BaseURL    string
	Password   string
	HTTPClient *http.Client
}

func New(baseURL, password string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Password: password,
		// No overall timeout: streams can run for minutes.
		HTTPClient: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 60 * time.Second,
		}},
	}
}

// Config fetches the server's redacted LLM configuration.
func (c *Client) Config(ctx context.Context) (credentials.PublicBundle, error) {
	resp, err := c.post(ctx, "/api/llm/config", nil)
	if err != nil {
		return credentials.PublicBundle{}, err
	}
	defer resp.Body.Close()
	var body struct {
		Success bool                     `json:"success"`
		Config  credentials.PublicBundle `json:"config"`
		Error   string                   `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return credentials.PublicBundle{}, fmt.Errorf("decode config response: %w", err)
	}
	if !body.Success {
		return credentials.PublicBundle{}, &StatusError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	return body.Config, nil
}

// Stream sends messages and calls onContent for every content frame. bundle
// is only sent when no password is set. It returns nil after the done frame.
func (c *Client) Stream(ctx context.Context, bundle *credentials.Bundle, messages []llm.Message, onContent func(string)) error {
	if messages == nil {
		messages = []llm.Message{}
	}
	payload := map[string]any{"messages": messages}
	if c.Password == "" && bundle != nil {
		payload["config"] = bundle
	}
	resp, err := c.post(ctx, "/api/llm/stream", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(b, &body); err != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(b))
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: body.Error}
	}

	reader := sse.NewReader(resp.Body)
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return ErrIncompleteStream
		}
		if err != nil {
			return err
		}
		if ev.Data == sse.DoneMarker {
			return nil
		}
		var frame struct {
			Content *string `json:"content"`
			Error   *string `json:"error"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
			return fmt.Errorf("malformed relay frame: %w", err)
		}
		switch {
		case frame.Error != nil:
			return &StreamError{Message: *frame.Error}
		case frame.Content != nil && onContent != nil:
			onContent(*frame.Content)
		}
	}
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Password != "" {
		req.Header.Set(credentials.PasswordHeader, c.Password)
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return httpClient.Do(req)
}
