package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lkarlslund/llmrelay/pkg/llm"
)

func collect(t *testing.T, s Stream) ([]string, error) {
	t.Helper()
	defer s.Close()
	var out []string
	for {
		text, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, text)
	}
}

func TestRegistryLookup(t *testing.T) {
	r, err := NewDefaultRegistry(NewHTTPClient(time.Second))
	if err != nil {
		t.Fatalf("default registry: %v", err)
	}
	for _, typ := range []string{"openai", " OpenAI ", "deepseek", "groq", "anthropic", "claude", "ollama"} {
		if _, err := r.Lookup(typ); err != nil {
			t.Fatalf("lookup %q: %v", typ, err)
		}
	}
	_, err = r.Lookup("nope")
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
	if !strings.Contains(err.Error(), "openai") {
		t.Fatalf("expected supported list in error, got %q", err.Error())
	}
}

func TestJoinProviderPath(t *testing.T) {
	tests := []struct {
		base, req, want string
	}{
		{"", "/v1/messages", "/v1/messages"},
		{"/v1", "/v1/messages", "/v1/messages"},
		{"/proxy/v1/", "/v1/messages", "/proxy/v1/messages"},
		{"/", "/api/chat", "/api/chat"},
	}
	for _, tc := range tests {
		if got := JoinProviderPath(tc.base, tc.req); got != tc.want {
			t.Fatalf("JoinProviderPath(%q, %q) = %q, want %q", tc.base, tc.req, got, tc.want)
		}
	}
}

func TestUpstreamErrorMessage(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"error":{"message":"bad key","type":"auth"}}`, "bad key"},
		{`{"error":"model not found"}`, "model not found"},
		{`{"message":"overloaded"}`, "overloaded"},
		{"  plain text  ", "plain text"},
	}
	for _, tc := range tests {
		if got := upstreamErrorMessage([]byte(tc.body)); got != tc.want {
			t.Fatalf("upstreamErrorMessage(%q) = %q, want %q", tc.body, got, tc.want)
		}
	}
}

func TestOpenAIStreamsDeltas(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected authorization: %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, chunk := range []string{
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"He"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"llo"}}]}`,
		} {
			_, _ = io.WriteString(w, "data: "+chunk+"\n\n")
			w.(http.Flusher).Flush()
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	p := NewOpenAI(upstream.Client())
	s, err := p.Open(context.Background(), Request{
		BaseURL:  upstream.URL + "/v1/",
		APIKey:   "sk-test",
		Model:    "gpt-test",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, err := collect(t, s)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if strings.Join(got, "|") != "He|llo" {
		t.Fatalf("unexpected chunks %q", got)
	}
}

func TestOpenAIHTTPErrorIsTranslated(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`)
	}))
	defer upstream.Close()

	_, err := NewOpenAI(upstream.Client()).Open(context.Background(), Request{BaseURL: upstream.URL, APIKey: "bad"})
	if err == nil {
		t.Fatal("expected error")
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %T %v", err, err)
	}
	if httpErr.StatusCode != http.StatusUnauthorized || !IsAuthError(err) {
		t.Fatalf("unexpected status: %+v", httpErr)
	}
	if !strings.Contains(err.Error(), "Incorrect API key provided") {
		t.Fatalf("expected upstream message in %q", err.Error())
	}
}

func TestAnthropicStreamsTextDeltas(t *testing.T) {
	var gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant" || r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("unexpected headers: %v", r.Header)
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		_, _ = io.WriteString(w, "event: ping\ndata: {\"type\":\"ping\"}\n\n")
		_, _ = io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"He\"}}\n\n")
		_, _ = io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"llo\"}}\n\n")
		_, _ = io.WriteString(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer upstream.Close()

	s, err := NewAnthropic(upstream.Client()).Open(context.Background(), Request{
		BaseURL: upstream.URL,
		APIKey:  "sk-ant",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "be brief"},
			{Role: llm.RoleUser, Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, err := collect(t, s)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if strings.Join(got, "|") != "He|llo" {
		t.Fatalf("unexpected chunks %q", got)
	}
	for _, want := range []string{`"system":"be brief"`, `"stream":true`, `"model":"` + anthropicDefaultModel + `"`} {
		if !strings.Contains(gotBody, want) {
			t.Fatalf("expected %s in request body %s", want, gotBody)
		}
	}
	if strings.Contains(gotBody, `"role":"system"`) {
		t.Fatalf("system message must not be sent as a turn: %s", gotBody)
	}
}

func TestAnthropicStreamErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "error event",
			body:    "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n",
			wantErr: "Overloaded",
		},
		{
			name:    "truncated",
			body:    "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"x\"}}\n\n",
			wantErr: "message_stop",
		},
		{
			name:    "malformed",
			body:    "data: {not json\n\n",
			wantErr: "malformed anthropic event",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				_, _ = io.WriteString(w, tc.body)
			}))
			defer upstream.Close()
			s, err := NewAnthropic(upstream.Client()).Open(context.Background(), Request{BaseURL: upstream.URL, APIKey: "k"})
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			_, err = collect(t, s)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestAnthropicNon2xx(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer upstream.Close()
	_, err := NewAnthropic(upstream.Client()).Open(context.Background(), Request{BaseURL: upstream.URL, APIKey: "k"})
	if !IsRateLimited(err) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if err.Error() != "anthropic upstream status 429: slow down" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestOllamaStreamsNDJSON(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer local" {
			t.Errorf("unexpected authorization: %q", got)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"He"},"done":false}`+"\n")
		_, _ = io.WriteString(w, "\n")
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"llo"},"done":false}`+"\n")
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":""},"done":true,"eval_count":2}`+"\n")
	}))
	defer upstream.Close()

	s, err := NewOllama(upstream.Client()).Open(context.Background(), Request{
		BaseURL:  upstream.URL + "/v1",
		APIKey:   "local",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, err := collect(t, s)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if strings.Join(got, "|") != "He|llo" {
		t.Fatalf("unexpected chunks %q", got)
	}
}

func TestOllamaErrorLine(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"message":{"content":"partial"},"done":false}`+"\n")
		_, _ = io.WriteString(w, `{"error":"model crashed"}`+"\n")
	}))
	defer upstream.Close()
	s, err := NewOllama(upstream.Client()).Open(context.Background(), Request{BaseURL: upstream.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, err := collect(t, s)
	if len(got) != 1 || got[0] != "partial" {
		t.Fatalf("unexpected chunks before error: %q", got)
	}
	if err == nil || !strings.Contains(err.Error(), "model crashed") {
		t.Fatalf("expected model crashed error, got %v", err)
	}
}

func TestDefaultRegistryAppliesPresetDefaults(t *testing.T) {
	r, err := NewDefaultRegistry(nil)
	if err != nil {
		t.Fatalf("default registry: %v", err)
	}
	p, err := r.Lookup("deepseek")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	compat, ok := p.(*OpenAI)
	if !ok {
		t.Fatalf("expected *OpenAI, got %T", p)
	}
	if compat.Name() != "deepseek" || compat.defaultBaseURL != "https://api.deepseek.com/v1" || compat.defaultModel != "deepseek-chat" {
		t.Fatalf("unexpected preset defaults: %+v", compat)
	}
}
