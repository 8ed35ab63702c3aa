// Package main provides the approvals binary, a command line front end to
// the approval workflow engine.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "approvals"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	a := &app{}
	defer a.Close()
	if err := rootCmd(a).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		a.Close()
		os.Exit(1)
	}
}

func rootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Approval workflow engine",
		Long: `approvals drives entities through configured approval workflows.

Workflows are loaded from the config file. Every stage change is checked
against the workflow graph and the stage's responsible actors, and is
recorded in the entity's audit history.

The default memory backend keeps state only for the life of one command, so
create followed by transition in a separate invocation will not find the
entity. Set storage.backend to redis for state that outlives the process.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if !a.printMetrics {
				return nil
			}
			return a.dumpMetrics(cmd.OutOrStdout())
		},
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&a.printMetrics, "print-metrics", false, "Print transition counters after the command")

	cmd.AddCommand(
		validateCmd(a),
		stagesCmd(a),
		createCmd(a),
		transitionCmd(a),
		historyCmd(a),
		stageCmd(a),
		availableCmd(a),
		verifyCmd(a),
		deleteCmd(a),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}
