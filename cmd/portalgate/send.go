package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rsclarke/portalgate/internal/api"
	"github.com/rsclarke/portalgate/internal/client"
)

var sendFlags struct {
	clientConfig
	payload string
	url     string
	tabID   string
	tabURL  string
}

var sendCmd = &cobra.Command{
	Use:   "send <TYPE>",
	Short: "Send one message to the daemon",
	Long: `Send one message to the daemon and print its reply.

Example:
  portalgate send FETCH_LEGACY --payload '{"url":"https://jwxt.xju.edu.cn/jwglxt/xtgl/index_cxYhxxIndex.html","encoding":"utf-8"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)

	addClientFlags(sendCmd, &sendFlags.clientConfig)
	sendCmd.Flags().StringVar(&sendFlags.payload, "payload", "", "message payload as JSON")
	sendCmd.Flags().StringVar(&sendFlags.url, "url", "", "page URL reported with the message")
	sendCmd.Flags().StringVar(&sendFlags.tabID, "tab-id", "", "sender tab id")
	sendCmd.Flags().StringVar(&sendFlags.tabURL, "tab-url", "", "sender tab URL")
}

func runSend(cmd *cobra.Command, args []string) error {
	msg := api.MessageRequest{
		Type: strings.ToUpper(args[0]),
		URL:  sendFlags.url,
	}
	if sendFlags.payload != "" {
		if !json.Valid([]byte(sendFlags.payload)) {
			return fmt.Errorf("--payload is not valid JSON")
		}
		msg.Payload = json.RawMessage(sendFlags.payload)
	}
	return sendFlags.send(cmd, msg, client.Sender{TabID: sendFlags.tabID, URL: sendFlags.tabURL})
}
