package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create, approve and inspect runs",
}

var runCreateCmd = &cobra.Command{
	Use:   "create [spec-file]",
	Short: "Create a run from a RunSpec file (JSON with comments allowed, - for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunCreate,
}

var runApproveCmd = &cobra.Command{
	Use:   "approve [run-id]",
	Short: "Approve a run pending approval",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunApprove,
}

var runGetCmd = &cobra.Command{
	Use:   "get [run-id]",
	Short: "Show a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunGet,
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE:  runRunList,
}

var runEventsCmd = &cobra.Command{
	Use:   "events [run-id]",
	Short: "Show a run's audit trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunEvents,
}

var runResolveCmd = &cobra.Command{
	Use:   "resolve [run-id] [approve|reject]",
	Short: "Resolve a run's pending interrupt",
	Args:  cobra.ExactArgs(2),
	RunE:  runRunResolve,
}

var runReportCmd = &cobra.Command{
	Use:   "report [run-id] [report-file]",
	Short: "Attach a JSON report to a run",
	Args:  cobra.ExactArgs(2),
	RunE:  runRunReport,
}

var (
	createdBy   string
	approvedBy  string
	decidedBy   string
	listStatus  string
	listLimit   int
	eventTypes  []string
	reportName  string
	reportBrief string
)

func init() {
	runCmd.AddCommand(runCreateCmd, runApproveCmd, runGetCmd, runListCmd, runEventsCmd, runResolveCmd, runReportCmd)

	user := currentUser()
	runCreateCmd.Flags().StringVar(&createdBy, "created-by", user, "Creator recorded on the run")
	runApproveCmd.Flags().StringVar(&approvedBy, "approved-by", user, "Approver recorded on the run")
	runResolveCmd.Flags().StringVar(&decidedBy, "decided-by", user, "Operator recorded on the decision")
	runListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	runListCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum runs to list")
	runEventsCmd.Flags().StringSliceVar(&eventTypes, "type", nil, "Only show these event types")
	runReportCmd.Flags().StringVar(&reportName, "name", "report", "Report name")
	runReportCmd.Flags().StringVar(&reportBrief, "summary", "", "One-line summary")
}

// readSpec loads a RunSpec file. Comments and trailing commas are stripped.
func readSpec(path string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}
	return jsonc.ToJSON(data), nil
}

// createBody decodes the RunSpec strictly, then adds created_by.
func createBody(specJSON []byte, creator string) ([]byte, error) {
	spec, err := domain.DecodeRunSpec(specJSON)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	quoted, _ := json.Marshal(creator)
	body["created_by"] = quoted
	return json.Marshal(body)
}

func runRunCreate(cmd *cobra.Command, args []string) error {
	specJSON, err := readSpec(args[0])
	if err != nil {
		return err
	}
	body, err := createBody(specJSON, createdBy)
	if err != nil {
		return err
	}

	var resp domain.CreateRunResponse
	if err := newClient(apiAddr).post("/v1/runs", body, &resp); err != nil {
		return err
	}
	if outputJSON {
		printJSON(resp)
		return nil
	}
	fmt.Printf("Created run %s (%s)\n", resp.RunID, resp.Status)
	return nil
}

func runRunApprove(cmd *cobra.Command, args []string) error {
	var resp domain.CreateRunResponse
	err := newClient(apiAddr).post("/v1/runs/"+url.PathEscape(args[0])+"/approve", domain.ApproveRunRequest{ApprovedBy: approvedBy}, &resp)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s is %s\n", resp.RunID, resp.Status)
	return nil
}

func runRunGet(cmd *cobra.Command, args []string) error {
	var view domain.RunView
	if err := newClient(apiAddr).get("/v1/runs/"+url.PathEscape(args[0]), &view); err != nil {
		return err
	}
	if outputJSON {
		printJSON(view)
		return nil
	}
	printRun(view)
	return nil
}

func runRunList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if listStatus != "" {
		q.Set("status", listStatus)
	}
	q.Set("limit", fmt.Sprint(listLimit))

	var resp struct {
		Runs []domain.RunView `json:"runs"`
	}
	if err := newClient(apiAddr).get("/v1/runs?"+q.Encode(), &resp); err != nil {
		return err
	}
	if outputJSON {
		printJSON(resp.Runs)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tATTEMPT\tTOKENS\tREASON")
	for _, r := range resp.Runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", r.RunID, r.Status, r.Attempt, r.Usage.Tokens, r.ReasonCode)
	}
	return w.Flush()
}

func runRunEvents(cmd *cobra.Command, args []string) error {
	path := "/v1/runs/" + url.PathEscape(args[0]) + "/events"
	if len(eventTypes) > 0 {
		path += "?type=" + url.QueryEscape(strings.Join(eventTypes, ","))
	}
	var resp struct {
		Events []domain.AuditEvent `json:"events"`
	}
	if err := newClient(apiAddr).get(path, &resp); err != nil {
		return err
	}
	if outputJSON {
		printJSON(resp.Events)
		return nil
	}
	for _, e := range resp.Events {
		printEvent(e)
	}
	return nil
}

func runRunResolve(cmd *cobra.Command, args []string) error {
	req := domain.ResolveInterruptRequest{DecidedBy: decidedBy, Decision: args[1]}
	var view domain.RunView
	if err := newClient(apiAddr).post("/v1/runs/"+url.PathEscape(args[0])+"/interrupts/resolve", req, &view); err != nil {
		return err
	}
	if view.PendingInterrupt != nil {
		fmt.Printf("Interrupt %s on run %s: %s\n", view.PendingInterrupt.Action, view.RunID, view.PendingInterrupt.Decision)
	}
	return nil
}

func runRunReport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("read report: %w", err)
	}
	req := domain.ReportRequest{Name: reportName, Summary: reportBrief, Body: jsonc.ToJSON(data)}
	var ref domain.ArtifactRef
	if err := newClient(apiAddr).post("/v1/runs/"+url.PathEscape(args[0])+"/reports", req, &ref); err != nil {
		return err
	}
	fmt.Printf("Stored %s (%d bytes)\n", ref.URI, ref.Size)
	return nil
}

func printRun(v domain.RunView) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Run:\t%s\n", v.RunID)
	fmt.Fprintf(w, "Status:\t%s\n", v.Status)
	if v.ReasonCode != "" {
		fmt.Fprintf(w, "Reason:\t%s\n", v.ReasonCode)
	}
	fmt.Fprintf(w, "Created by:\t%s\n", v.CreatedBy)
	if v.ApprovedBy != "" {
		fmt.Fprintf(w, "Approved by:\t%s\n", v.ApprovedBy)
	}
	if v.Lease != nil {
		fmt.Fprintf(w, "Lease:\t%s until %s\n", v.Lease.WorkerID, v.Lease.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Attempt:\t%d\n", v.Attempt)
	fmt.Fprintf(w, "Usage:\ttokens=%d tool_calls=%d wall_clock_ms=%d\n", v.Usage.Tokens, v.Usage.ToolCalls, v.Usage.WallClockMs)
	if v.PendingInterrupt != nil {
		decision := string(v.PendingInterrupt.Decision)
		if decision == "" {
			decision = "pending"
		}
		fmt.Fprintf(w, "Interrupt:\t%s (%s)\n", v.PendingInterrupt.Action, decision)
	}
	for _, a := range v.Artifacts {
		fmt.Fprintf(w, "Artifact:\t%s\n", a.URI)
	}
	w.Flush()
}

func printEvent(e domain.AuditEvent) {
	ts := time.UnixMilli(e.Ts).Format("15:04:05.000")
	line := fmt.Sprintf("%6d %s %-28s", e.Seq, ts, e.Type)
	if e.ReasonCode != "" {
		line += " reason=" + e.ReasonCode
	}
	if len(e.Payload) > 0 && string(e.Payload) != "null" {
		line += " " + string(e.Payload)
	}
	fmt.Println(line)
}
