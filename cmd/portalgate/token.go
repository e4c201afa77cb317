package main

import (
	"github.com/spf13/cobra"

	"github.com/rsclarke/portalgate/internal/api"
	"github.com/rsclarke/portalgate/internal/client"
	"github.com/rsclarke/portalgate/internal/router"
)

var tokenFlags clientConfig

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the cached one-table token",
}

var tokenInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Delete the cached token so the next request harvests a new one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return tokenFlags.send(cmd, api.MessageRequest{Type: router.TypeInvalidateToken}, client.Sender{})
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenInvalidateCmd)
	addClientFlags(tokenInvalidateCmd, &tokenFlags)
}
