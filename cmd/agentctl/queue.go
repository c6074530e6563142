package main

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func createQueueCommand() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the failed-shipment retry queue",
	}
	queueCmd.AddCommand(createQueueStatusCommand(), createQueueDrainCommand())
	return queueCmd
}

func createQueueStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List calls currently eligible for a retried shipment",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			failed, err := st.ListFailedCallsForRetry(48*time.Hour, 1000)
			if err != nil {
				return fmt.Errorf("failed to list retry-eligible calls: %w", err)
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"LinkedID", "Error Count", "Last Error", "Last Updated"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)
			for _, st := range failed {
				table.Append([]string{
					st.LinkedID,
					fmt.Sprintf("%d", st.ErrorCount),
					st.LastError,
					st.LastUpdated.Format("2006-01-02 15:04:05"),
				})
			}
			table.Render()
			fmt.Printf("\n%s calls eligible for retry\n", bold(fmt.Sprintf("%d", len(failed))))
			return nil
		},
	}
}

// createQueueDrainCommand resets the backoff cooldown on every currently
// failed call, so ListFailedCallsForRetry (and `queue status`) report them as
// due at once instead of after the escalating schedule in
// state.BackoffCooldown. The agent process does not read failed call states
// back, so this does not by itself trigger a new shipment.
// This only affects calls already recorded as failed; it can't reach into a
// running agent's in-memory shipment queue, since agentctl and the agent
// process don't share memory — durable state is the only channel between
// them.
func createQueueDrainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Make every currently failed shipment retry-eligible at once",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			states, err := st.ListCallStates()
			if err != nil {
				return fmt.Errorf("failed to list call states: %w", err)
			}

			forced := 0
			for _, cs := range states {
				if cs.ErrorCount == 0 || !cs.ShippedAt.IsZero() {
					continue
				}
				cs.LastUpdated = time.Time{}
				if err := st.SaveCallState(cs); err != nil {
					fmt.Fprintf(os.Stderr, "failed to reset %s: %v\n", cs.LinkedID, err)
					continue
				}
				forced++
			}

			fmt.Printf("%s: forced %d calls to be retry-eligible\n", green("ok"), forced)
			return nil
		},
	}
}
