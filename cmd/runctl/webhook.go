package main

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook [source] [run-id] [event]",
	Short: "Deliver an external event to a run's audit trail",
	Args:  cobra.ExactArgs(3),
	RunE:  runWebhook,
}

var webhookPayload string

func init() {
	webhookCmd.Flags().StringVar(&webhookPayload, "payload", "", "JSON payload")
}

func runWebhook(cmd *cobra.Command, args []string) error {
	req := domain.WebhookRequest{RunID: args[1], Event: args[2]}
	if webhookPayload != "" {
		payload := jsonc.ToJSON([]byte(webhookPayload))
		if !json.Valid(payload) {
			return fmt.Errorf("--payload is not valid JSON")
		}
		req.Payload = payload
	}

	var resp struct {
		EventID string `json:"event_id"`
		Seq     int64  `json:"seq"`
	}
	if err := newClient(apiAddr).post("/v1/webhooks/"+url.PathEscape(args[0]), req, &resp); err != nil {
		return err
	}
	fmt.Printf("Recorded %s (seq %d)\n", resp.EventID, resp.Seq)
	return nil
}
