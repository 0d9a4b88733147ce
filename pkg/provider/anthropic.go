package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/lkarlslund/llmrelay/pkg/llm"
	"github.com/lkarlslund/llmrelay/pkg/sse"
)

const (
	NameAnthropic = "anthropic"

	anthropicVersion      = "2023-06-01"
	anthropicMaxTokens    = 4096
	anthropicDefaultBase  = "https://api.anthropic.com"
	anthropicDefaultModel = "claude-3-5-sonnet-latest"
)

// Anthropic streams from the Messages API.
type Anthropic struct {
	httpClient *http.Client
}

func NewAnthropic(httpClient *http.Client) *Anthropic {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Anthropic{httpClient: httpClient}
}

func (p *Anthropic) Name() string {
	return NameAnthropic
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream"`
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Anthropic) Open(ctx context.Context, req Request) (Stream, error) {
	u, err := url.Parse(strings.TrimRight(firstNonEmpty(req.BaseURL, anthropicDefaultBase), "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid anthropic base url: %w", err)
	}
	u.Path = JoinProviderPath(u.Path, "/v1/messages")

	system, rest := llm.SplitSystem(req.Messages)
	body := anthropicRequest{
		Model:     firstNonEmpty(req.Model, anthropicDefaultModel),
		MaxTokens: anthropicMaxTokens,
		System:    system,
		Messages:  make([]anthropicMessage, 0, len(rest)),
		Stream:    true,
	}
	for _, m := range rest {
		body.Messages = append(body.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", req.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{Provider: NameAnthropic, StatusCode: resp.StatusCode, Body: upstreamErrorMessage(b)}
	}
	return &anthropicStream{body: resp.Body, reader: sse.NewReader(resp.Body)}, nil
}

type anthropicStream struct {
	body      io.ReadCloser
	reader    *sse.Reader
	done      bool
	closeOnce sync.Once
}

func (s *anthropicStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		ev, err := s.reader.Next()
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("anthropic stream ended before message_stop: %w", io.ErrUnexpectedEOF)
		}
		if err != nil {
			return "", err
		}
		if ev.Data == "" {
			continue
		}
		var payload anthropicEvent
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			return "", fmt.Errorf("malformed anthropic event: %w", err)
		}
		if payload.Type == "" {
			payload.Type = ev.Type
		}
		switch payload.Type {
		case "content_block_delta":
			if payload.Delta.Type == "text_delta" && payload.Delta.Text != "" {
				return payload.Delta.Text, nil
			}
		case "message_stop":
			s.done = true
			return "", io.EOF
		case "error":
			msg := payload.Error.Message
			if msg == "" {
				msg = payload.Error.Type
			}
			return "", fmt.Errorf("anthropic stream error: %s", msg)
		}
	}
}

func (s *anthropicStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
