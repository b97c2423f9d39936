package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexuscore/agentcore/internal/agent"
	"github.com/nexuscore/agentcore/internal/agent/providers"
	"github.com/nexuscore/agentcore/internal/agentservice"
	"github.com/nexuscore/agentcore/internal/config"
	"github.com/nexuscore/agentcore/internal/jobs"
	"github.com/nexuscore/agentcore/internal/mcp"
	"github.com/nexuscore/agentcore/internal/memory"
	"github.com/nexuscore/agentcore/internal/orchestrator"
	"github.com/nexuscore/agentcore/internal/servicefactory"
	"github.com/nexuscore/agentcore/internal/sessions"
	"github.com/nexuscore/agentcore/internal/skills"
	"github.com/nexuscore/agentcore/internal/tenancy"
	"github.com/nexuscore/agentcore/internal/tools/exec"
	"github.com/nexuscore/agentcore/internal/tools/files"
	"github.com/nexuscore/agentcore/internal/tools/policy"
)

func newRunCmd(configPath *string) *cobra.Command {
	var (
		workspace  string
		platform   string
		platformID string
		message    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process one message through the orchestrator and print its event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			orch, err := buildOrchestrator(cfg, workspace, logger)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if message == "" {
				return runInteractive(ctx, orch, platform, platformID)
			}
			return emitTurn(ctx, orch, platform, platformID, message)
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", ".", "filesystem workspace root for file/exec tools")
	cmd.Flags().StringVar(&platform, "platform", "cli", "adapter platform identifier for the requesting context")
	cmd.Flags().StringVar(&platformID, "platform-id", "local", "adapter-specific identity within platform")
	cmd.Flags().StringVar(&message, "message", "", "single message to process; omit to read a line-per-turn loop from stdin")
	return cmd
}

// buildOrchestrator wires the process-lifetime singletons (tool registry,
// skill manager, MCP pool, memory store, tenancy/session/job stores, policy
// resolver, LLM provider) into one Orchestrator, the single adapter-facing
// entry point external front ends are expected to call.
func buildOrchestrator(cfg *config.Config, workspace string, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	provider, model, err := selectProvider(cfg)
	if err != nil {
		return nil, err
	}

	tenancyStore := tenancy.NewMemoryStore()
	sessionStore := sessions.NewMemoryStore()
	jobStore := jobs.NewMemoryStore()

	skillMgr, err := skills.NewManager(&cfg.Skills, workspace, nil)
	if err != nil {
		return nil, fmt.Errorf("build skill manager: %w", err)
	}

	memMgr, err := memory.NewManager(&cfg.VectorMemory)
	if err != nil {
		return nil, fmt.Errorf("build memory manager: %w", err)
	}
	memStore := memory.NewContextScopedStore(memMgr)

	mcpPool := mcp.NewPool(&cfg.MCP, logger, 30*time.Second)

	resolver := policy.NewResolver()
	profile := policy.Profile(cfg.Tools.Execution.Approval.Profile)
	if profile == "" {
		profile = policy.ProfileCoding
	}
	basePolicy := policy.NewPolicy(profile)

	baseTools := agent.NewToolRegistry()
	registerBaseTools(baseTools, workspace)

	factory := servicefactory.NewFactory(baseTools, skillMgr, mcpPool, memStore, tenancyStore, resolver, basePolicy, nil, provider, model)
	factory.SetAsyncJobs(jobStore, cfg.Tools.Execution.Async)

	agentSvc := agentservice.New(agentservice.DefaultConfig(), factory, sessionStore, logger)
	return orchestrator.New(orchestrator.DefaultConfig(), tenancyStore, sessionStore, nil, provider, agentSvc, logger), nil
}

// registerBaseTools installs the filesystem and process-execution tools
// every run gets before permission filtering narrows the clone per request.
func registerBaseTools(reg *agent.ToolRegistry, workspace string) {
	filesCfg := files.Config{Workspace: workspace}
	reg.Register(files.NewReadTool(filesCfg))
	reg.Register(files.NewWriteTool(filesCfg))
	reg.Register(files.NewEditTool(filesCfg))
	reg.Register(files.NewApplyPatchTool(filesCfg))

	execMgr := exec.NewManager(workspace)
	reg.Register(exec.NewExecTool("exec", execMgr))
	reg.Register(exec.NewProcessTool(execMgr))
}

// selectProvider picks the LLM provider named by cfg.LLM.DefaultProvider out
// of cfg.LLM.Providers. Only the providers with an idiomatic, low-config
// constructor (Anthropic, OpenAI) are wired here; the rest of the gateway's
// providers are available to import but need their own dedicated flags.
func selectProvider(cfg *config.Config) (agent.LLMProvider, string, error) {
	name := cfg.LLM.DefaultProvider
	if name == "" {
		name = "anthropic"
	}
	providerCfg := cfg.LLM.Providers[name]

	switch name {
	case "anthropic":
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       providerCfg.APIKey,
			BaseURL:      providerCfg.BaseURL,
			DefaultModel: providerCfg.DefaultModel,
		})
		if err != nil {
			return nil, "", fmt.Errorf("build anthropic provider: %w", err)
		}
		return p, providerCfg.DefaultModel, nil
	case "openai":
		return providers.NewOpenAIProvider(providerCfg.APIKey), providerCfg.DefaultModel, nil
	default:
		return nil, "", fmt.Errorf("unsupported default_provider %q", name)
	}
}

// runInteractive reads one message per line from stdin, streaming each
// turn's events to stdout before prompting for the next line.
func runInteractive(ctx context.Context, orch *orchestrator.Orchestrator, platform, platformID string) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := emitTurn(ctx, orch, platform, platformID, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// emitTurn drives one Orchestrator.Stream call to completion, writing each
// AgentEvent as a JSON line to stdout.
func emitTurn(ctx context.Context, orch *orchestrator.Orchestrator, platform, platformID, message string) error {
	events, err := orch.Stream(ctx, platform, platformID, message, nil)
	if err != nil {
		return fmt.Errorf("stream: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
	}
	return nil
}
