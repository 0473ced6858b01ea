// Package config assembles the process-wide ProviderRegistry that the chat
// entry point and model-discovery endpoint consult: which providers are
// configured, which models each advertises, and what credentials/proxy to
// use when calling them.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kestrel-labs/agentcore/pkg/message"
)

// ProviderEntry is one configured provider: its credential, advertised
// model list, and optional outbound proxy.
type ProviderEntry struct {
	Name     string   `yaml:"-"`
	APIKey   string   `yaml:"api_key"`
	Models   []string `yaml:"models"`
	ProxyURL string   `yaml:"proxy_url"`
}

// ProviderRegistry is the resolved set of usable providers, keyed by their
// upper-cased environment-variable prefix (e.g. "OPENAI", "OLLAMA").
type ProviderRegistry struct {
	Providers map[string]ProviderEntry
}

// ModelOption is one entry of the GET /model-list?type=options response.
type ModelOption struct {
	Value    string `json:"value"`
	Label    string `json:"label"`
	Provider string `json:"provider"`
}

// staticFile is the optional YAML registry file shape: a pinned alternative
// to environment-variable discovery for deployments that prefer config
// committed to source control over per-process env vars.
type staticFile struct {
	Providers map[string]ProviderEntry `yaml:"providers"`
}

// LoadStaticFile parses an optional YAML registry file of the form:
//
//	providers:
//	  openai:
//	    api_key: "${OPENAI_API_KEY}"
//	    models: [gpt-4o, gpt-4o-mini]
//	    proxy_url: ""
//
// Values go through os.ExpandEnv first, so secrets still live in the
// environment even when the model list is pinned in source control.
func LoadStaticFile(path string) (*ProviderRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read registry file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	var parsed staticFile
	if err := yaml.Unmarshal([]byte(expanded), &parsed); err != nil {
		return nil, fmt.Errorf("config: parse registry file: %w", err)
	}

	reg := &ProviderRegistry{Providers: make(map[string]ProviderEntry, len(parsed.Providers))}
	for name, entry := range parsed.Providers {
		name = strings.ToUpper(name)
		entry.Name = name
		reg.Providers[name] = entry
	}
	return reg, nil
}

// LoadFromEnviron scans environ (the format of os.Environ(): "KEY=VALUE"
// strings) for the "<PROVIDER>_API_KEY" + "<PROVIDER>_MODEL_LIST" pattern
// and assembles a ProviderRegistry. A provider whose API key is
// literally "None" is accepted only for OLLAMA, which commonly runs
// unauthenticated against a local daemon.
func LoadFromEnviron(environ []string) *ProviderRegistry {
	apiKeys := map[string]string{}
	modelLists := map[string]string{}
	proxyURLs := map[string]string{}

	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch {
		case strings.HasSuffix(k, "_API_KEY"):
			apiKeys[strings.TrimSuffix(k, "_API_KEY")] = v
		case strings.HasSuffix(k, "_MODEL_LIST"):
			modelLists[strings.TrimSuffix(k, "_MODEL_LIST")] = v
		case strings.HasSuffix(k, "_PROXY_URL"):
			proxyURLs[strings.TrimSuffix(k, "_PROXY_URL")] = v
		}
	}

	reg := &ProviderRegistry{Providers: make(map[string]ProviderEntry)}
	for name, apiKey := range apiKeys {
		if apiKey == "None" && name != "OLLAMA" {
			continue
		}
		models := splitCommaList(modelLists[name])
		if len(models) == 0 {
			continue
		}
		reg.Providers[name] = ProviderEntry{
			Name:     name,
			APIKey:   apiKey,
			Models:   models,
			ProxyURL: proxyURLs[name],
		}
	}
	return reg
}

func splitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Merge overlays other's entries on top of r, provider-by-provider. Used to
// let an environment-derived registry take precedence over (or supplement)
// a static file's pinned entries.
func (r *ProviderRegistry) Merge(other *ProviderRegistry) *ProviderRegistry {
	merged := &ProviderRegistry{Providers: make(map[string]ProviderEntry, len(r.Providers)+len(other.Providers))}
	for k, v := range r.Providers {
		merged.Providers[k] = v
	}
	for k, v := range other.Providers {
		merged.Providers[k] = v
	}
	return merged
}

// ProviderConfigFor builds a message.ProviderConfig for provider/model,
// layering gen on top of DefaultGenerationConfig and attaching the
// registry's credential and proxy.
func (r *ProviderRegistry) ProviderConfigFor(providerName string, gen message.GenerationConfig) (message.ProviderConfig, bool) {
	entry, ok := r.Providers[strings.ToUpper(providerName)]
	if !ok {
		return message.ProviderConfig{}, false
	}
	return message.ProviderConfig{
		GenerationConfig: gen.WithDefaults(),
		APIKey:           entry.APIKey,
		ProxyURL:         entry.ProxyURL,
	}, true
}

// ModelOptions flattens the registry into the GET /model-list?type=options
// response shape, sorted for a stable response body.
func (r *ProviderRegistry) ModelOptions() []ModelOption {
	var out []ModelOption
	for name, entry := range r.Providers {
		for _, model := range entry.Models {
			out = append(out, ModelOption{
				Value:    name + ":" + model,
				Label:    fmt.Sprintf("%s (%s)", model, strings.ToLower(name)),
				Provider: strings.ToLower(name),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}
