package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/ami"
	"github.com/spf13/cobra"
)

// createAMICheckCommand is a cobra-ified version of the manual AMI smoke
// test: dial, log in, send a Ping action, and report the round trip.
func createAMICheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ami-check",
		Short: "Connect to the Asterisk Manager Interface and send a Ping",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOnly()
			if err != nil {
				return err
			}

			fmt.Printf("connecting to %s:%d as %s...\n", cfg.AMI.Host, cfg.AMI.Port, cfg.AMI.Username)

			mgr := ami.NewManager(ami.Config{
				Host:              cfg.AMI.Host,
				Port:              cfg.AMI.Port,
				Username:          cfg.AMI.Username,
				Password:          cfg.AMI.Password,
				ReconnectInterval: cfg.AMI.ReconnectDelay,
				PingInterval:      cfg.AMI.PingInterval,
				ActionTimeout:     10 * time.Second,
				BufferSize:        1000,
			})
			defer mgr.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			if err := mgr.Connect(ctx); err != nil {
				fmt.Printf("%s: %v\n", red("connect failed"), err)
				return err
			}
			fmt.Println(green("connected and logged in"))

			start := time.Now()
			resp, err := mgr.SendAction(ami.Action{Action: "Ping"})
			if err != nil {
				fmt.Printf("%s: %v\n", red("ping failed"), err)
				return err
			}
			fmt.Printf("%s in %s: %v\n", green("ping ok"), time.Since(start), resp)

			stats := mgr.GetStats()
			fmt.Printf("%s events=%v actions=%v failed=%v\n", bold("stats:"),
				stats["total_events"], stats["total_actions"], stats["failed_actions"])
			return nil
		},
	}
}
