// Package credentials decides which provider credentials a request may use.
//
// In password mode the caller presents the shared access password and the
// server's own LLM configuration is used. Otherwise the caller must supply a
// complete bundle of its own (bring-your-own-key mode).
package credentials

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/lkarlslund/llmrelay/pkg/config"
)

// PasswordHeader selects password mode when present and non-empty.
const PasswordHeader = "x-access-password"

// Bundle is everything needed for one upstream call.
type Bundle struct {
	Type    string `json:"type"`
	BaseURL string `json:"baseUrl,omitempty"`
	APIKey  string `json:"apiKey"`
	Model   string `json:"model,omitempty"`
}

// PublicBundle is the browser-safe view of a Bundle. It has no key field.
type PublicBundle struct {
	Type    string `json:"type"`
	BaseURL string `json:"baseUrl,omitempty"`
	Model   string `json:"model,omitempty"`
}

func (b Bundle) Public() PublicBundle {
	return PublicBundle{Type: b.Type, BaseURL: b.BaseURL, Model: b.Model}
}

// Valid reports whether the fields required by the relay are present.
func (b Bundle) Valid() bool {
	return strings.TrimSpace(b.Type) != "" && strings.TrimSpace(b.APIKey) != ""
}

// Resolver holds a snapshot of the server configuration. It never mutates
// it and keeps no per-request state.
type Resolver struct {
	passwordSet  bool
	passwordHash [32]byte
	server       Bundle
}

func NewResolver(cfg config.ServerConfig) *Resolver {
	r := &Resolver{
		server: Bundle{
			Type:    cfg.LLM.Type,
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
		},
	}
	if cfg.AccessPassword != "" {
		r.passwordSet = true
		r.passwordHash = sha256.Sum256([]byte(cfg.AccessPassword))
	}
	return r
}

// Resolve returns the bundle for one request. A non-empty token selects
// password mode; otherwise supplied must be a complete bundle.
func (r *Resolver) Resolve(token string, supplied *Bundle) (Bundle, error) {
	if token != "" {
		if err := r.checkPassword(token); err != nil {
			return Bundle{}, err
		}
		if !r.server.Valid() {
			return Bundle{}, newError(ErrServerMisconfigured, http.StatusInternalServerError, MsgServerConfigIncomplete)
		}
		return r.server, nil
	}
	if supplied == nil {
		return Bundle{}, newError(ErrMissingConfig, http.StatusBadRequest, MsgMissingConfig)
	}
	if !supplied.Valid() {
		return Bundle{}, newError(ErrInvalidConfig, http.StatusBadRequest, MsgInvalidConfig)
	}
	return *supplied, nil
}

// Disclose validates token and returns the redacted server configuration.
// An empty token is treated as a wrong password.
func (r *Resolver) Disclose(token string) (PublicBundle, error) {
	if err := r.checkPassword(token); err != nil {
		return PublicBundle{}, err
	}
	if !r.server.Valid() {
		return PublicBundle{}, newError(ErrServerMisconfigured, http.StatusInternalServerError, MsgDisclosureIncomplete)
	}
	return r.server.Public(), nil
}

// Authorize checks token against the access password without touching the
// server LLM configuration.
func (r *Resolver) Authorize(token string) error {
	return r.checkPassword(token)
}

func (r *Resolver) checkPassword(token string) error {
	if !r.passwordSet {
		return newError(ErrServerMisconfigured, http.StatusBadRequest, MsgPasswordNotConfigured)
	}
	if token == "" {
		return newError(ErrUnauthorized, http.StatusUnauthorized, MsgPasswordMismatch)
	}
	got := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(got[:], r.passwordHash[:]) != 1 {
		return newError(ErrUnauthorized, http.StatusUnauthorized, MsgPasswordMismatch)
	}
	return nil
}

// TokenFromHeader extracts the access password header value.
func TokenFromHeader(h http.Header) string {
	return h.Get(PasswordHeader)
}
