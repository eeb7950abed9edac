package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/posdesk/posdesk/internal/rules"
)

// runValidate checks a catalog file offline: parse, compile, report.
func runValidate(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}

	compiled, errs := rules.ParseCatalogText(string(data))
	if errs != nil {
		fmt.Fprintf(os.Stderr, "✗ %s: %d problem(s)\n", path, len(errs))
		for _, msg := range errs.Messages() {
			fmt.Fprintf(os.Stderr, "  - %s\n", msg)
		}
		os.Exit(1)
	}

	fmt.Printf("✓ %s: %d rule(s) compile cleanly\n", path, len(compiled))
	for _, r := range compiled {
		fmt.Printf("  %-24s %-8s %-10s %s\n", r.RuleID, r.Severity, r.Scope, r.Name)
	}
	return nil
}
