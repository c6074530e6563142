package main

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func createRecordingsCommand() *cobra.Command {
	recCmd := &cobra.Command{
		Use:   "recordings",
		Short: "Inspect recording upload state",
	}
	recCmd.AddCommand(createRecordingsPendingCommand())
	return recCmd
}

func createRecordingsPendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List recordings tracked but not yet uploaded",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			tracked, err := st.ListTrackedRecordings()
			if err != nil {
				return fmt.Errorf("failed to list recordings: %w", err)
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Filename", "LinkedID", "Complete", "Uploaded", "Attempts", "Earliest Upload"})
			table.SetBorder(false)

			pending := 0
			for _, rd := range tracked {
				if rd.Uploaded {
					continue
				}
				pending++
				complete := red("no")
				if rd.RecordingComplete {
					complete = green("yes")
				}
				eta := "ready"
				if rd.EarliestUploadTime.After(time.Now()) {
					eta = rd.EarliestUploadTime.Format("15:04:05")
				}
				table.Append([]string{
					rd.Filename,
					rd.LinkedID,
					complete,
					red("no"),
					fmt.Sprintf("%d", rd.UploadAttempts),
					eta,
				})
			}
			table.Render()
			fmt.Printf("\n%s recordings pending upload (of %d tracked)\n", bold(fmt.Sprintf("%d", pending)), len(tracked))
			return nil
		},
	}
}
