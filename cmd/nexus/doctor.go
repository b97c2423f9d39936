package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexuscore/agentcore/internal/config"
)

// newDoctorCmd creates the "doctor" command: it loads and validates the
// config file and reports which LLM provider would be selected, without
// standing up the orchestrator or touching any provider's network.
func newDoctorCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}

			provider := cfg.LLM.DefaultProvider
			if provider == "" {
				provider = "anthropic"
			}
			providerCfg, ok := cfg.LLM.Providers[provider]
			if !ok {
				return fmt.Errorf("default_provider %q has no entry under llm.providers", provider)
			}
			if providerCfg.APIKey == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: llm.providers.%s.api_key is empty\n", provider)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "config OK: %s\n", *configPath)
			fmt.Fprintf(cmd.OutOrStdout(), "default provider: %s (model: %s)\n", provider, providerCfg.DefaultModel)
			fmt.Fprintf(cmd.OutOrStdout(), "server: %s:%d (http %d, metrics %d)\n",
				cfg.Server.Host, cfg.Server.GRPCPort, cfg.Server.HTTPPort, cfg.Server.MetricsPort)
			fmt.Fprintf(cmd.OutOrStdout(), "mcp servers configured: %d\n", len(cfg.MCP.Servers))
			fmt.Fprintf(cmd.OutOrStdout(), "skill sources configured: %d\n", len(cfg.Skills.Sources))
			return nil
		},
	}
	return cmd
}
