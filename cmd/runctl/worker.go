package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Claim and execute runs as a worker",
}

var workerClaimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim up to --limit runs",
	RunE:  runWorkerClaim,
}

var workerExecuteCmd = &cobra.Command{
	Use:   "execute [run-id]",
	Short: "Advance a claimed run by one step",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkerExecute,
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll for runs and drive each until it completes, fails or is interrupted",
	RunE:  runWorkerLoop,
}

var (
	workerID     string
	claimLimit   int
	leaseSeconds int
	pollInterval time.Duration
)

func init() {
	workerCmd.AddCommand(workerClaimCmd, workerExecuteCmd, workerRunCmd)

	hostname, _ := os.Hostname()
	defaultWorker := fmt.Sprintf("runctl@%s", hostname)
	workerCmd.PersistentFlags().StringVar(&workerID, "worker", defaultWorker, "Worker id the lease is held under")
	workerClaimCmd.Flags().IntVar(&claimLimit, "limit", 1, "Maximum runs to claim")
	workerClaimCmd.Flags().IntVar(&leaseSeconds, "lease", 0, "Lease length in seconds (server default when 0)")
	workerRunCmd.Flags().IntVar(&leaseSeconds, "lease", 0, "Lease length in seconds (server default when 0)")
	workerRunCmd.Flags().DurationVar(&pollInterval, "poll", 2*time.Second, "Delay between empty claims")
}

func claim(c *client, limit int) ([]string, error) {
	var resp domain.ClaimResponse
	err := c.post("/internal/claims", domain.ClaimRequest{WorkerID: workerID, Limit: limit, LeaseSeconds: leaseSeconds}, &resp)
	return resp.RunIDs, err
}

func execute(c *client, runID string) (domain.RunView, error) {
	var view domain.RunView
	err := c.post("/internal/runs/"+url.PathEscape(runID)+"/execute", domain.ExecuteRequest{WorkerID: workerID}, &view)
	return view, err
}

func runWorkerClaim(cmd *cobra.Command, args []string) error {
	ids, err := claim(newClient(internalAddr), claimLimit)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No runs available")
		return nil
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func runWorkerExecute(cmd *cobra.Command, args []string) error {
	view, err := execute(newClient(internalAddr), args[0])
	if err != nil {
		return err
	}
	if outputJSON {
		printJSON(view)
		return nil
	}
	printRun(view)
	return nil
}

func runWorkerLoop(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := newClient(internalAddr)
	for {
		ids, err := claim(c, 1)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim failed: %v\n", err)
		}
		for _, id := range ids {
			drive(ctx, c, id)
		}
		if len(ids) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pollInterval):
		}
	}
}

// drive executes runID until it settles or the lease is lost.
func drive(ctx context.Context, c *client, runID string) {
	for ctx.Err() == nil {
		view, err := execute(c, runID)
		if err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Code == "lease_error" {
				fmt.Printf("%s: lease lost (%s)\n", runID, apiErr.Reason)
				return
			}
			fmt.Fprintf(os.Stderr, "%s: execute failed: %v\n", runID, err)
			return
		}
		fmt.Printf("%s: %s attempt=%d tokens=%d\n", runID, view.Status, view.Attempt, view.Usage.Tokens)
		if view.Status.IsTerminal() {
			return
		}
		if view.PendingInterrupt != nil && view.PendingInterrupt.Decision == domain.InterruptPending {
			fmt.Printf("%s: waiting on approval for %s\n", runID, view.PendingInterrupt.Action)
			return
		}
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}
