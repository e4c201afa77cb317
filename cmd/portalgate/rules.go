package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var rulesFlags clientConfig

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List the active header rules",
	Args:  cobra.NoArgs,
	RunE:  runRules,
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	addClientFlags(rulesCmd, &rulesFlags)
}

func runRules(cmd *cobra.Command, args []string) error {
	c, err := rulesFlags.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), rulesFlags.timeout)
	defer cancel()

	resp, err := c.Rules(ctx)
	if err != nil {
		return err
	}
	if len(resp.Rules) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No active rules.")
		return nil
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-3s  %-8s  %-28s  %-26s  %s\n", "ID", "PRIORITY", "FILTER", "ORIGIN", "TYPES")
	for _, r := range resp.Rules {
		types := make([]string, len(r.ResourceTypes))
		for i, t := range r.ResourceTypes {
			types[i] = string(t)
		}
		fmt.Fprintf(out, "%-3d  %-8d  %-28s  %-26s  %s\n", r.ID, r.Priority, r.URLFilter, r.Origin, strings.Join(types, ","))
		if r.Referer != "" {
			fmt.Fprintf(out, "     referer: %s\n", r.Referer)
		}
	}
	return nil
}
