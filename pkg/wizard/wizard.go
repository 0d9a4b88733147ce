package wizard

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/lkarlslund/llmrelay/pkg/assets"
	"github.com/lkarlslund/llmrelay/pkg/config"
)

var presetGroups = []struct {
	compat string
	title  string
}{
	{compat: assets.CompatOpenAI, title: "OpenAI-compatible"},
	{compat: assets.CompatAnthropic, title: "Anthropic Messages"},
	{compat: assets.CompatOllama, title: "Ollama"},
}

func RunServerWizard(path string, cfg *config.ServerConfig) error {
	return Run(os.Stdin, os.Stdout, path, cfg)
}

// Run prompts for every server setting on out, reading answers from in. An
// empty answer keeps the current value.
func Run(in io.Reader, out io.Writer, path string, cfg *config.ServerConfig) error {
	presets, err := assets.LoadProviderPresets()
	if err != nil {
		return err
	}
	p := &prompter{in: bufio.NewScanner(in), out: out}
	fmt.Fprintln(out, "llmrelay configuration wizard")
	cfg.ListenAddr = p.ask("Listen address", cfg.ListenAddr)
	cfg.AccessPassword = p.askSecret("Access password (empty disables password mode)", cfg.AccessPassword)

	fmt.Fprintln(out, "Server-side LLM (used in password mode). Known types:")
	for _, group := range presetGroups {
		fmt.Fprintf(out, " %s:\n", group.title)
		for _, preset := range assets.PresetsFor(presets, group.compat) {
			fmt.Fprintf(out, "  %-18s %s\n", preset.Name, preset.DisplayName)
		}
	}
	cfg.LLM.Type = strings.ToLower(p.ask("  type", cfg.LLM.Type))
	var preset *assets.ProviderPreset
	for i := range presets {
		if presets[i].Name == cfg.LLM.Type {
			preset = &presets[i]
			break
		}
	}
	baseDefault, modelDefault := cfg.LLM.BaseURL, cfg.LLM.Model
	if preset != nil {
		if baseDefault == "" {
			baseDefault = preset.BaseURL
		}
		if modelDefault == "" {
			modelDefault = preset.DefaultModel
		}
		if preset.GetAPIKeyURL != "" {
			fmt.Fprintf(out, "  API keys: %s\n", preset.GetAPIKeyURL)
		}
	}
	cfg.LLM.BaseURL = p.ask("  base_url", baseDefault)
	cfg.LLM.APIKey = p.askSecret("  api_key", cfg.LLM.APIKey)
	cfg.LLM.Model = p.ask("  model", modelDefault)

	idle := p.ask("Upstream idle timeout seconds", strconv.Itoa(cfg.Upstream.IdleTimeoutSeconds))
	if v, err := strconv.Atoi(strings.TrimSpace(idle)); err == nil && v > 0 {
		cfg.Upstream.IdleTimeoutSeconds = v
	}
	maxDur := p.ask("Maximum stream duration seconds", strconv.Itoa(cfg.Upstream.MaxDurationSeconds))
	if v, err := strconv.Atoi(strings.TrimSpace(maxDur)); err == nil && v > 0 {
		cfg.Upstream.MaxDurationSeconds = v
	}

	cfg.TLS.Enabled = parseYes(p.ask("Enable Let's Encrypt TLS? (y/N)", boolStr(cfg.TLS.Enabled)))
	if cfg.TLS.Enabled {
		cfg.TLS.Domain = p.ask("TLS domain", cfg.TLS.Domain)
		cfg.TLS.Email = p.ask("ACME email", cfg.TLS.Email)
		cfg.TLS.CacheDir = p.ask("ACME cache dir", cfg.TLS.CacheDir)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved %s\n", path)
	return nil
}

type prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

func (p *prompter) ask(label, def string) string {
	if def == "" {
		fmt.Fprintf(p.out, "%s: ", label)
	} else {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	}
	if !p.in.Scan() {
		return def
	}
	txt := strings.TrimSpace(p.in.Text())
	if txt == "" {
		return def
	}
	return txt
}

// askSecret never echoes the current value. "-" clears it.
func (p *prompter) askSecret(label, current string) string {
	if current == "" {
		fmt.Fprintf(p.out, "%s: ", label)
	} else {
		fmt.Fprintf(p.out, "%s [keep current, - to clear]: ", label)
	}
	if !p.in.Scan() {
		return current
	}
	txt := strings.TrimSpace(p.in.Text())
	switch txt {
	case "":
		return current
	case "-":
		return ""
	default:
		return txt
	}
}

func parseYes(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "y", "yes", "true":
		return true
	default:
		return false
	}
}

func boolStr(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
