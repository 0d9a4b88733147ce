package assets

import "testing"

func TestLoadProviderPresets(t *testing.T) {
	presets, err := LoadProviderPresets()
	if err != nil {
		t.Fatalf("load presets: %v", err)
	}
	seen := map[string]bool{}
	for _, p := range presets {
		if p.Name == "" || p.BaseURL == "" || p.DefaultModel == "" {
			t.Fatalf("incomplete preset: %+v", p)
		}
		switch p.Compatibility {
		case CompatOpenAI, CompatAnthropic, CompatOllama:
		default:
			t.Fatalf("preset %q has unknown compatibility %q", p.Name, p.Compatibility)
		}
		if seen[p.Name] {
			t.Fatalf("duplicate preset %q", p.Name)
		}
		seen[p.Name] = true
	}
	for _, want := range []string{"openai", "deepseek", "anthropic", "ollama"} {
		if !seen[want] {
			t.Fatalf("missing preset %q", want)
		}
	}
}

func TestPresetsFor(t *testing.T) {
	presets, err := LoadProviderPresets()
	if err != nil {
		t.Fatalf("load presets: %v", err)
	}
	for _, p := range PresetsFor(presets, CompatAnthropic) {
		if p.Compatibility != CompatAnthropic {
			t.Fatalf("unexpected preset %+v", p)
		}
	}
	if len(PresetsFor(presets, CompatOllama)) != 1 {
		t.Fatal("expected exactly one ollama preset")
	}
}
