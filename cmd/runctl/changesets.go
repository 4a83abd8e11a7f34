package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/spf13/cobra"
)

var changesetCmd = &cobra.Command{
	Use:     "changeset",
	Aliases: []string{"cs"},
	Short:   "Inspect, approve and re-drive changesets",
}

var changesetListCmd = &cobra.Command{
	Use:   "list [run-id]",
	Short: "List a run's changesets",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangesetList,
}

var changesetGetCmd = &cobra.Command{
	Use:   "get [changeset-id]",
	Short: "Show a changeset",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangesetGet,
}

var changesetApproveCmd = &cobra.Command{
	Use:   "approve [changeset-id]",
	Short: "Approve a changeset and apply it",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangesetApprove,
}

var changesetRedriveCmd = &cobra.Command{
	Use:   "redrive [changeset-id]",
	Short: "Re-propose a dead-lettered or failed changeset",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangesetRedrive,
}

var requestedBy string

func init() {
	changesetCmd.AddCommand(changesetListCmd, changesetGetCmd, changesetApproveCmd, changesetRedriveCmd)

	user := currentUser()
	changesetApproveCmd.Flags().StringVar(&approvedBy, "approved-by", user, "Approver recorded on the changeset")
	changesetRedriveCmd.Flags().StringVar(&requestedBy, "requested-by", user, "Operator recorded on the re-drive")
}

func runChangesetList(cmd *cobra.Command, args []string) error {
	var resp struct {
		Changesets []domain.Changeset `json:"changesets"`
	}
	if err := newClient(apiAddr).get("/v1/runs/"+url.PathEscape(args[0])+"/changesets", &resp); err != nil {
		return err
	}
	if outputJSON {
		printJSON(resp.Changesets)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHANGESET\tSTATUS\tOPS\tRETRIES\tREASON\tREDRIVE_OF")
	for _, cs := range resp.Changesets {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n", cs.ChangesetID, cs.Status, len(cs.Operations), cs.RetryCount, cs.ReasonCode, cs.RedriveOf)
	}
	return w.Flush()
}

func runChangesetGet(cmd *cobra.Command, args []string) error {
	var cs json.RawMessage
	if err := newClient(apiAddr).get("/v1/changesets/"+url.PathEscape(args[0]), &cs); err != nil {
		return err
	}
	printJSON(cs)
	return nil
}

func runChangesetApprove(cmd *cobra.Command, args []string) error {
	var cs domain.Changeset
	err := newClient(apiAddr).post("/v1/changesets/"+url.PathEscape(args[0])+"/approve", domain.ApproveChangesetRequest{ApprovedBy: approvedBy}, &cs)
	if err != nil {
		return err
	}
	printChangesetResult(cs)
	return nil
}

func runChangesetRedrive(cmd *cobra.Command, args []string) error {
	var cs domain.Changeset
	err := newClient(apiAddr).post("/v1/changesets/"+url.PathEscape(args[0])+"/redrive", domain.RedriveChangesetRequest{RequestedBy: requestedBy}, &cs)
	if err != nil {
		return err
	}
	fmt.Printf("Re-drove %s as %s (%s)\n", cs.RedriveOf, cs.ChangesetID, cs.Status)
	return nil
}

func printChangesetResult(cs domain.Changeset) {
	if outputJSON {
		printJSON(cs)
		return
	}
	fmt.Printf("Changeset %s: %s", cs.ChangesetID, cs.Status)
	if cs.ReasonCode != "" {
		fmt.Printf(" (%s)", cs.ReasonCode)
	}
	fmt.Println()
	for _, ref := range cs.ExternalRefs {
		fmt.Printf("  %s\n", ref)
	}
}
