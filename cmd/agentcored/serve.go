package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kestrel-labs/agentcore/internal/apiserver"
	"github.com/kestrel-labs/agentcore/internal/config"
	"github.com/kestrel-labs/agentcore/internal/metrics"
	"github.com/kestrel-labs/agentcore/internal/orchestrator"
	"github.com/kestrel-labs/agentcore/internal/provider"
	"github.com/kestrel-labs/agentcore/internal/telemetry"
	"github.com/kestrel-labs/agentcore/internal/toolserver"
)

func buildServeCmd() *cobra.Command {
	var (
		addr         string
		registryFile string
		logLevel     string
		logFormat    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration core's HTTP server",
		Long: `Start the HTTP server hosting /chat, /model-list, and /mcp-test.

Providers are discovered from <PROVIDER>_API_KEY / <PROVIDER>_MODEL_LIST /
<PROVIDER>_PROXY_URL environment variables. An optional YAML registry file
(--registry) is merged underneath the environment, for deployments that
prefer to pin model lists outside the environment.`,
		Example: `  # Start with providers discovered purely from the environment
  agentcored serve

  # Start with a pinned registry file as a base
  agentcored serve --registry ./providers.yaml --addr :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), addr, registryFile, logLevel, logFormat)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&registryFile, "registry", "", "optional YAML provider registry file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "json", "log format: json, text")

	return cmd
}

func runServe(ctx context.Context, addr, registryFile, logLevel, logFormat string) error {
	logger := telemetry.New(telemetry.Config{Level: logLevel, Format: logFormat})

	providers, err := loadProviderRegistry(registryFile)
	if err != nil {
		return err
	}
	logger.Info(ctx, "provider registry loaded", "providers", len(providers.Providers))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	providerRegistry := provider.NewRegistry(map[string]provider.Adapter{
		"openai": provider.NewOpenAIAdapter(nil),
		"gemini": provider.NewGeminiAdapter(nil),
		"ollama": provider.NewOllamaAdapter(nil),
	})
	toolRegistry := toolserver.NewRegistry(nil, m)
	defer toolRegistry.CloseAll()

	loop := orchestrator.NewLoop(providerRegistry, toolRegistry, logger.Slog(), m)

	srv := &apiserver.Server{
		Loop:      loop,
		Providers: providers,
		Tools:     toolRegistry,
		Logger:    logger,
		Metrics:   m,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info(ctx, "agentcored starting", "addr", addr)
	if err := srv.ListenAndServe(ctx, addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	logger.Info(ctx, "agentcored stopped")
	return nil
}

func loadProviderRegistry(registryFile string) (*config.ProviderRegistry, error) {
	envRegistry := config.LoadFromEnviron(os.Environ())
	if registryFile == "" {
		return envRegistry, nil
	}

	staticRegistry, err := config.LoadStaticFile(registryFile)
	if err != nil {
		return nil, fmt.Errorf("load registry file: %w", err)
	}
	return staticRegistry.Merge(envRegistry), nil
}
