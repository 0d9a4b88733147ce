package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

const NameOpenAI = "openai"

// OpenAI speaks the chat completions API. The same implementation serves
// every OpenAI-compatible vendor; they differ only in default base URL and
// model.
type OpenAI struct {
	name           string
	defaultBaseURL string
	defaultModel   string
	httpClient     *http.Client
}

func NewOpenAI(httpClient *http.Client) *OpenAI {
	return &OpenAI{
		name:           NameOpenAI,
		defaultBaseURL: "https://api.openai.com/v1",
		defaultModel:   openai.GPT4oMini,
		httpClient:     httpClient,
	}
}

// NewOpenAICompatible returns a chat completions provider registered under
// name, for vendors that mirror the OpenAI API at another base URL.
func NewOpenAICompatible(name, baseURL, model string, httpClient *http.Client) *OpenAI {
	return &OpenAI{name: name, defaultBaseURL: baseURL, defaultModel: model, httpClient: httpClient}
}

func (p *OpenAI) Name() string {
	return p.name
}

func (p *OpenAI) Open(ctx context.Context, req Request) (Stream, error) {
	cfg := openai.DefaultConfig(req.APIKey)
	cfg.BaseURL = strings.TrimRight(firstNonEmpty(req.BaseURL, p.defaultBaseURL), "/")
	if p.httpClient != nil {
		cfg.HTTPClient = p.httpClient
	}
	client := openai.NewClientWithConfig(cfg)

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	stream, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    firstNonEmpty(req.Model, p.defaultModel),
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, p.translateError(err)
	}
	return &openAIStream{provider: p, stream: stream}, nil
}

func (p *OpenAI) translateError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &HTTPError{Provider: p.name, StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		body := upstreamErrorMessage(reqErr.Body)
		if body == "" && reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &HTTPError{Provider: p.name, StatusCode: reqErr.HTTPStatusCode, Body: body}
	}
	return err
}

type openAIStream struct {
	provider  *OpenAI
	stream    *openai.ChatCompletionStream
	closeOnce sync.Once
	closeErr  error
}

func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", s.provider.translateError(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if text := resp.Choices[0].Delta.Content; text != "" {
			return text, nil
		}
	}
}

func (s *openAIStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.stream.Close()
	})
	return s.closeErr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
