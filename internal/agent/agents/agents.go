// Package agents builds the concrete adapter set from configuration. Which
// agents exist is decided here: Codex is always present, Claude and Gemini
// appear when their feature flag and credentials are set, Amp and Droid when
// their binaries are configured.
package agents

import (
	"github.com/adsproject/ads/internal/agent/adapter"
	"github.com/adsproject/ads/internal/common/config"
	"github.com/adsproject/ads/internal/common/logger"
)

// Known agent ids.
const (
	IDCodex  = "codex"
	IDClaude = "claude"
	IDAmp    = "amp"
	IDGemini = "gemini"
	IDDroid  = "droid"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Build constructs adapters for every enabled agent, in stable order with
// Codex first.
func Build(cfg *config.Config, log *logger.Logger) []adapter.Adapter {
	flags := config.AgentFeatureFlags(cfg)
	var out []adapter.Adapter

	out = append(out, adapter.NewCLIAdapter(adapter.CLIConfig{
		Metadata: adapter.Metadata{
			ID:            IDCodex,
			Name:          "Codex",
			Description:   "OpenAI Codex CLI",
			Vendor:        "openai",
			ModelPrefixes: []string{"gpt-", "o", "codex"},
		},
		Binary:      cfg.Agents.CodexBin,
		SandboxMode: adapter.SandboxWorkspaceWrite,
	}, log))

	if flags.Claude {
		claude := config.ClaudeAgentConfig(cfg)
		out = append(out, adapter.NewSDKAdapter(adapter.SDKConfig{
			Metadata: adapter.Metadata{
				ID:            IDClaude,
				Name:          "Claude",
				Description:   "Anthropic Claude via SDK streaming",
				Vendor:        "anthropic",
				ModelPrefixes: []string{"claude-"},
			},
			APIKey:   claude.APIKey,
			Model:    claude.Model,
			BaseURL:  claude.BaseURL,
			Throttle: cfg.Agents.StreamThrottle(),
		}, log))
	}

	if flags.Amp {
		out = append(out, adapter.NewCLIAdapter(adapter.CLIConfig{
			Metadata: adapter.Metadata{
				ID:          IDAmp,
				Name:        "Amp",
				Description: "Sourcegraph Amp CLI",
				Vendor:      "sourcegraph",
			},
			Binary:      cfg.Agents.AmpBin,
			SandboxMode: adapter.SandboxWorkspaceWrite,
		}, log))
	}

	if flags.Gemini {
		key := cfg.Agents.GeminiAPIKey
		if key == "" {
			key = cfg.Agents.GoogleAPIKey
		}
		model := cfg.Agents.GeminiModel
		if model == "" {
			model = "gemini-2.5-pro"
		}
		out = append(out, adapter.NewHTTPAdapter(adapter.HTTPConfig{
			Metadata: adapter.Metadata{
				ID:            IDGemini,
				Name:          "Gemini",
				Description:   "Google Gemini via HTTP",
				Vendor:        "google",
				ModelPrefixes: []string{"gemini-"},
			},
			BaseURL: geminiBaseURL,
			APIKey:  key,
			Model:   model,
		}, log))
	}

	if flags.Droid {
		out = append(out, adapter.NewCLIAdapter(adapter.CLIConfig{
			Metadata: adapter.Metadata{
				ID:          IDDroid,
				Name:        "Droid",
				Description: "Factory Droid CLI",
				Vendor:      "factory",
			},
			Binary:      cfg.Agents.DroidBin,
			SandboxMode: adapter.SandboxWorkspaceWrite,
		}, log))
	}

	return out
}

// CLIBinaries maps enabled CLI agent ids to their binaries, for the
// availability prober. SDK and HTTP agents have no binary to probe.
func CLIBinaries(cfg *config.Config) map[string]string {
	flags := config.AgentFeatureFlags(cfg)
	bins := map[string]string{}
	if cfg.Agents.CodexBin != "" {
		bins[IDCodex] = cfg.Agents.CodexBin
	}
	if flags.Amp {
		bins[IDAmp] = cfg.Agents.AmpBin
	}
	if flags.Droid {
		bins[IDDroid] = cfg.Agents.DroidBin
	}
	return bins
}
