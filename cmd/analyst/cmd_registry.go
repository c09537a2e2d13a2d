package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"analysis-workers/pkg/registry"
)

var registryFlags struct {
	path string
	bpmn string
}

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Validate the activity registry and list its task types",
	RunE:  runRegistry,
}

func init() {
	registryCmd.Flags().StringVar(&registryFlags.path, "path", registry.DefaultPath, "Path to registry file")
	registryCmd.Flags().StringVar(&registryFlags.bpmn, "bpmn", "", "BPMN file whose error boundaries are checked against the registry")
}

func runRegistry(cmd *cobra.Command, _ []string) error {
	reg, err := registry.LoadRegistry(registryFlags.path)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	if err := reg.Validate(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Registry %s: %d activities\n", reg.Version, len(reg.Activities))
	for _, a := range reg.Activities {
		fmt.Fprintf(out, "  %-14s timeout=%-4s retries=%d errors=%s\n",
			a.TaskType, a.Timeout, a.Retries, strings.Join(a.ErrorCodes, ","))
	}

	if registryFlags.bpmn == "" {
		return nil
	}
	uncaught, err := reg.UncaughtErrorsInFile(registryFlags.bpmn)
	if err != nil {
		return fmt.Errorf("check %s: %w", registryFlags.bpmn, err)
	}
	for _, u := range uncaught {
		fmt.Fprintf(out, "  uncaught %s\n", u)
	}
	if len(uncaught) > 0 {
		return fmt.Errorf("%d error codes have no boundary in %s", len(uncaught), registryFlags.bpmn)
	}
	fmt.Fprintf(out, "All declared errors are caught in %s\n", registryFlags.bpmn)
	return nil
}
