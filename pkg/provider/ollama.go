package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/lkarlslund/llmrelay/pkg/llm"
)

const (
	NameOllama = "ollama"

	ollamaDefaultBase  = "http://localhost:11434"
	ollamaDefaultModel = "llama3.1"
)

// Ollama streams newline-delimited JSON from /api/chat.
type Ollama struct {
	httpClient *http.Client
}

func NewOllama(httpClient *http.Client) *Ollama {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Ollama{httpClient: httpClient}
}

func (p *Ollama) Name() string {
	return NameOllama
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []llm.Message `json:"messages"`
	Stream   bool          `json:"stream"`
}

type ollamaChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

func (p *Ollama) Open(ctx context.Context, req Request) (Stream, error) {
	u, err := url.Parse(strings.TrimRight(firstNonEmpty(req.BaseURL, ollamaDefaultBase), "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base url: %w", err)
	}
	// Users often paste the OpenAI-compatible endpoint; the native API lives at the root.
	u.Path = JoinProviderPath(strings.TrimSuffix(u.Path, "/v1"), "/api/chat")

	messages := req.Messages
	if messages == nil {
		messages = []llm.Message{}
	}
	payload, err := json.Marshal(ollamaRequest{
		Model:    firstNonEmpty(req.Model, ollamaDefaultModel),
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("encode ollama request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(req.APIKey); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{Provider: NameOllama, StatusCode: resp.StatusCode, Body: upstreamErrorMessage(b)}
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &ollamaStream{body: resp.Body, scanner: scanner}, nil
}

type ollamaStream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	done      bool
	closeOnce sync.Once
}

func (s *ollamaStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", fmt.Errorf("malformed ollama chunk: %w", err)
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("ollama stream error: %s", chunk.Error)
		}
		if chunk.Done {
			s.done = true
			if chunk.Message.Content != "" {
				return chunk.Message.Content, nil
			}
			return "", io.EOF
		}
		if chunk.Message.Content != "" {
			return chunk.Message.Content, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("ollama stream ended before done: %w", io.ErrUnexpectedEOF)
}

func (s *ollamaStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
