package assets

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
)

//go:embed files/provider-presets.json
var FS embed.FS

// Wire protocols a preset can speak.
const (
	CompatOpenAI    = "openai"
	CompatAnthropic = "anthropic"
	CompatOllama    = "ollama"
)

// ProviderPreset describes a known upstream vendor: which protocol it
// speaks and the defaults used when a bundle leaves base URL or model empty.
type ProviderPreset struct {
	Name          string `json:"name"`
	DisplayName   string `json:"display_name"`
	Compatibility string `json:"compatibility"`
	BaseURL       string `json:"base_url"`
	DefaultModel  string `json:"default_model"`
	DocsURL       string `json:"docs_url,omitempty"`
	GetAPIKeyURL  string `json:"get_api_key_url,omitempty"`
	BaseURLHint   string `json:"base_url_hint,omitempty"`
}

func LoadProviderPresets() ([]ProviderPreset, error) {
	b, err := FS.ReadFile("files/provider-presets.json")
	if err != nil {
		return nil, fmt.Errorf("read provider presets: %w", err)
	}
	var presets []ProviderPreset
	if err := json.Unmarshal(b, &presets); err != nil {
		return nil, fmt.Errorf("decode provider presets: %w", err)
	}
	for i := range presets {
		presets[i].Name = strings.ToLower(strings.TrimSpace(presets[i].Name))
		presets[i].Compatibility = strings.ToLower(strings.TrimSpace(presets[i].Compatibility))
	}
	return presets, nil
}

// PresetsFor filters presets by wire protocol.
func PresetsFor(presets []ProviderPreset, compatibility string) []ProviderPreset {
	var out []ProviderPreset
	for _, p := range presets {
		if p.Compatibility == compatibility {
			out = append(out, p)
		}
	}
	return out
}
