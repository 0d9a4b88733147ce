// Package provider opens streaming chat calls against upstream LLM APIs.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/lkarlslund/llmrelay/pkg/assets"
	"github.com/lkarlslund/llmrelay/pkg/llm"
)

var ErrUnsupportedProvider = errors.New("unsupported provider type")

// Request is the provider-neutral description of one streaming chat call.
type Request struct {
	BaseURL  string
	APIKey   string
	Model    string
	Messages []llm.Message
}

// Stream yields text increments. Recv returns io.EOF once the upstream
// completed normally; any other error is terminal. Close releases the
// upstream connection and is safe to call more than once.
type Stream interface {
	Recv() (string, error)
	Close() error
}

type Provider interface {
	Name() string
	Open(ctx context.Context, req Request) (Stream, error)
}

type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s upstream status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s upstream status %d: %s", e.Provider, e.StatusCode, e.Body)
}

func IsAuthError(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden
}

func IsRateLimited(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests
}

// Registry maps provider type tags to implementations.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

// NewDefaultRegistry registers the built-in providers plus every embedded
// vendor preset, all sharing httpClient.
func NewDefaultRegistry(httpClient *http.Client) (*Registry, error) {
	presets, err := assets.LoadProviderPresets()
	if err != nil {
		return nil, err
	}
	anthropic := NewAnthropic(httpClient)
	ollama := NewOllama(httpClient)

	r := NewRegistry()
	r.Register(NameOpenAI, NewOpenAI(httpClient))
	r.Register(NameAnthropic, anthropic)
	r.Register("claude", anthropic)
	r.Register(NameOllama, ollama)
	for _, p := range presets {
		switch p.Compatibility {
		case assets.CompatOpenAI:
			r.Register(p.Name, NewOpenAICompatible(p.Name, p.BaseURL, p.DefaultModel, httpClient))
		case assets.CompatAnthropic:
			r.Register(p.Name, anthropic)
		case assets.CompatOllama:
			r.Register(p.Name, ollama)
		}
	}
	return r, nil
}

func (r *Registry) Register(typ string, p Provider) {
	r.providers[normalizeType(typ)] = p
}

func (r *Registry) Lookup(typ string) (Provider, error) {
	p, ok := r.providers[normalizeType(typ)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedProvider, typ, strings.Join(r.Types(), ", "))
	}
	return p, nil
}

func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.providers))
	for k := range r.providers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeType(typ string) string {
	return strings.ToLower(strings.TrimSpace(typ))
}

// NewHTTPClient returns a client for streaming calls. There is no overall
// timeout because a healthy stream may run for minutes; headerTimeout bounds
// the wait for the upstream to start answering.
func NewHTTPClient(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = 60 * time.Second
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: headerTimeout,
		},
	}
}

func JoinProviderPath(basePath, requestPath string) string {
	base := path.Clean("/" + strings.TrimSpace(basePath))
	req := path.Clean("/" + strings.TrimSpace(requestPath))
	if strings.HasSuffix(base, "/v1") && strings.HasPrefix(req, "/v1/") {
		return path.Join(base, strings.TrimPrefix(req, "/v1/"))
	}
	return path.Join(base, req)
}

// upstreamErrorMessage pulls a readable message out of an error body,
// falling back to the trimmed raw text.
func upstreamErrorMessage(body []byte) string {
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if len(payload.Error) > 0 {
			var nested struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(payload.Error, &nested); err == nil && nested.Message != "" {
				return nested.Message
			}
			var flat string
			if err := json.Unmarshal(payload.Error, &flat); err == nil && flat != "" {
				return flat
			}
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}
