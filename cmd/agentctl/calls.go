package main

import (
	"context"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/localdb"
)

func createCallsCommand() *cobra.Command {
	callsCmd := &cobra.Command{
		Use:   "calls",
		Short: "Inspect consolidated call shipping state",
	}

	callsCmd.AddCommand(createCallsListCommand(), createCallsShowCommand(), createCallsAuditCommand())
	return callsCmd
}

func createCallsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked call shipping states",
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

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"LinkedID", "Complete", "Phase", "Ship Count", "Error Count", "Last Updated"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)

			for _, st := range states {
				complete := red("no")
				if st.IsComplete {
					complete = green("yes")
				}
				errCount := fmt.Sprintf("%d", st.ErrorCount)
				if st.ErrorCount > 0 {
					errCount = yellow(errCount)
				}
				table.Append([]string{
					st.LinkedID,
					complete,
					string(st.LastPhase),
					fmt.Sprintf("%d", st.ShipCount),
					errCount,
					st.LastUpdated.Format("2006-01-02 15:04:05"),
				})
			}
			table.Render()
			fmt.Printf("\n%s tracked calls\n", bold(fmt.Sprintf("%d", len(states))))
			return nil
		},
	}
}

func createCallsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <linkedid>",
		Short: "Show the shipping state for one linkedid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			callState, err := st.GetCallState(args[0])
			if err != nil {
				return fmt.Errorf("failed to load call state: %w", err)
			}
			if callState == nil {
				fmt.Println(yellow("no tracked state for this linkedid"))
				return nil
			}

			fmt.Printf("%s %s\n", bold("LinkedID:"), callState.LinkedID)
			fmt.Printf("%s %v\n", bold("First seen:"), callState.FirstSeen)
			fmt.Printf("%s %v\n", bold("Last updated:"), callState.LastUpdated)
			fmt.Printf("%s %v\n", bold("Complete:"), callState.IsComplete)
			fmt.Printf("%s %s\n", bold("Last phase:"), callState.LastPhase)
			fmt.Printf("%s %d\n", bold("Ship count:"), callState.ShipCount)
			fmt.Printf("%s %d\n", bold("Error count:"), callState.ErrorCount)
			if callState.LastError != "" {
				fmt.Printf("%s %s\n", bold("Last error:"), red(callState.LastError))
			}
			if !callState.ShippedAt.IsZero() {
				fmt.Printf("%s %v\n", bold("Shipped at:"), callState.ShippedAt)
			}
			return nil
		},
	}
}

func createCallsAuditCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit <linkedid>",
		Short: "Show the MySQL shipment audit trail for one linkedid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOnly()
			if err != nil {
				return err
			}
			if !cfg.LocalState.AuditEnabled {
				fmt.Println(yellow("shipment audit log is disabled (local_state.audit_enabled=false)"))
				return nil
			}

			db, err := localdb.Open(localdb.Config{
				Driver:          cfg.Source.DB.Driver,
				Host:            cfg.Source.DB.Host,
				Port:            cfg.Source.DB.Port,
				Username:        cfg.Source.DB.Username,
				Password:        cfg.Source.DB.Password,
				Database:        cfg.Source.DB.Database,
				MaxOpenConns:    cfg.Source.DB.MaxOpenConns,
				MaxIdleConns:    cfg.Source.DB.MaxIdleConns,
				ConnMaxLifetime: cfg.Source.DB.ConnMaxLifetime,
				RetryAttempts:   cfg.Source.DB.RetryAttempts,
				RetryDelay:      cfg.Source.DB.RetryDelay,
			})
			if err != nil {
				return fmt.Errorf("failed to open shipment audit database: %w", err)
			}
			defer db.Close()

			entries, err := localdb.NewAuditLog(db).RecentForLinkedID(context.Background(), args[0], limit)
			if err != nil {
				return fmt.Errorf("failed to read shipment audit entries: %w", err)
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Shipped At", "Phase", "Success", "Status", "Error"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)
			for _, e := range entries {
				success := red("no")
				if e.Success {
					success = green("yes")
				}
				table.Append([]string{
					e.ShippedAt.Format("2006-01-02 15:04:05"),
					string(e.Phase),
					success,
					fmt.Sprintf("%d", e.StatusCode),
					e.Error,
				})
			}
			table.Render()
			fmt.Printf("\n%s audit entries for %s\n", bold(fmt.Sprintf("%d", len(entries))), args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries to show")
	return cmd
}
