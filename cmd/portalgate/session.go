package main

import (
	"github.com/spf13/cobra"

	"github.com/rsclarke/portalgate/internal/api"
	"github.com/rsclarke/portalgate/internal/client"
	"github.com/rsclarke/portalgate/internal/router"
)

var sessionFlags clientConfig

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect or activate the academic system session",
}

var sessionCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether the academic session is ready",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionFlags.send(cmd, api.MessageRequest{Type: router.TypeCheckSession}, client.Sender{})
	},
}

var sessionActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Open the SSO entry in a hidden tab and wait for the session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionFlags.send(cmd, api.MessageRequest{Type: router.TypeActivateSession}, client.Sender{})
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionCheckCmd, sessionActivateCmd)

	// Both subcommands share one set of client flags.
	addClientFlags(sessionCheckCmd, &sessionFlags)
	addClientFlags(sessionActivateCmd, &sessionFlags)
}
