package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsclarke/portalgate/internal/api"
	"github.com/rsclarke/portalgate/internal/client"
)

type clientConfig struct {
	apiKey  string
	apiURL  string
	timeout time.Duration
}

func addClientFlags(cmd *cobra.Command, cfg *clientConfig) {
	cmd.Flags().StringVar(&cfg.apiKey, "api-key", os.Getenv("PORTALGATE_API_KEY"), "API key for authentication")
	cmd.Flags().StringVar(&cfg.apiURL, "api-url", getEnv("PORTALGATE_API_URL", "http://127.0.0.1:8765"), "API server URL")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", 2*time.Minute, "how long to wait for a reply")
}

func (cfg *clientConfig) newClient() (*client.Client, error) {
	if cfg.apiURL == "" {
		return nil, fmt.Errorf("API URL required (use --api-url flag or PORTALGATE_API_URL env var)")
	}
	if cfg.apiKey == "" {
		return nil, fmt.Errorf("API key required (use --api-key flag or PORTALGATE_API_KEY env var)")
	}
	return client.NewClient(cfg.apiURL, cfg.apiKey), nil
}

// send posts one message and prints the reply as indented JSON.
func (cfg *clientConfig) send(cmd *cobra.Command, msg api.MessageRequest, sender client.Sender) error {
	c, err := cfg.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.timeout)
	defer cancel()

	reply, err := c.SendMessage(ctx, msg, sender)
	if err != nil {
		return err
	}
	if reply == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "accepted")
		return nil
	}
	return printJSON(cmd, reply)
}

func printJSON(cmd *cobra.Command, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), string(raw))
		return nil
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
