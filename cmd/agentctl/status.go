package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/ami"
	"github.com/spf13/cobra"
)

// createStatusCommand gives an operator a single-screen summary of agent
// health, assembled from the durable state store plus a fresh AMI probe —
// agentctl has no RPC channel into the running agent process, so everything
// shown here is either read from disk or independently re-checked.
func createStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize agent health: call backlog, recordings, AMI",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			states, err := st.ListCallStates()
			if err != nil {
				return fmt.Errorf("failed to list call states: %w", err)
			}
			var complete, failed, inFlight int
			for _, cs := range states {
				switch {
				case cs.IsComplete:
					complete++
				case cs.ErrorCount > 0:
					failed++
				default:
					inFlight++
				}
			}

			recs, err := st.ListTrackedRecordings()
			if err != nil {
				return fmt.Errorf("failed to list recordings: %w", err)
			}
			eligible, err := st.ListUploadEligible(time.Now())
			if err != nil {
				return fmt.Errorf("failed to list upload-eligible recordings: %w", err)
			}

			fmt.Println(bold("Call shipping:"))
			fmt.Printf("  tracked:    %d\n", len(states))
			fmt.Printf("  complete:   %s\n", green(fmt.Sprintf("%d", complete)))
			fmt.Printf("  in flight:  %d\n", inFlight)
			fmt.Printf("  failing:    %s\n", colorCount(failed))

			fmt.Println()
			fmt.Println(bold("Recordings:"))
			fmt.Printf("  watched:         %d\n", len(recs))
			fmt.Printf("  upload-eligible: %d\n", len(eligible))

			fmt.Println()
			fmt.Println(bold("AMI:"))
			if probeAMI(cfg.AMI.Host, cfg.AMI.Port, cfg.AMI.Username, cfg.AMI.Password) {
				fmt.Printf("  %s %s:%d\n", green("reachable"), cfg.AMI.Host, cfg.AMI.Port)
			} else {
				fmt.Printf("  %s %s:%d\n", red("unreachable"), cfg.AMI.Host, cfg.AMI.Port)
			}

			return nil
		},
	}
}

func colorCount(n int) string {
	s := fmt.Sprintf("%d", n)
	if n > 0 {
		return yellow(s)
	}
	return s
}

func probeAMI(host string, port int, username, password string) bool {
	mgr := ami.NewManager(ami.Config{
		Host:              host,
		Port:              port,
		Username:          username,
		Password:          password,
		ReconnectInterval: 5 * time.Second,
		PingInterval:      30 * time.Second,
		ActionTimeout:     5 * time.Second,
		BufferSize:        100,
	})
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return mgr.Connect(ctx) == nil
}
