// Package main provides the CLI entry point for the agent execution core.
//
// It wires the Service Factory, Agent Service, and Orchestrator together and
// drives Orchestrator.Stream as the single adapter-facing entry point:
// external collaborators (chat adapters, HTTP front ends, schedulers) are
// expected to call Stream the same way this CLI does, not to import any of
// the internal packages directly.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "agentcore",
		Short: "Agent execution core: unified orchestrator, agent service, and tool runtime",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "agentcore.yaml", "path to config file")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newDoctorCmd(&configPath))
	return root
}
