package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/untoldecay/varmesh/internal/registry"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List live connections from the local registry",
	Long:  `list reads ~/.varmesh/registry.json and prints every connection whose process is still alive, pruning dead entries as a side effect.`,
	RunE:  runList,
}

func runList(cmd *cobra.Command, _ []string) error {
	reg, err := registry.New()
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	entries, err := reg.List()
	if err != nil {
		return fmt.Errorf("list registry: %w", err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no live connections")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "NAME\tTRANSPORT\tENDPOINT\tPID\tSTARTED\tINSTANCE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Name, e.TransportKind, e.Endpoint, e.PID, e.StartedAt.Format("2006-01-02T15:04:05Z07:00"), e.InstanceID)
	}
	return nil
}
