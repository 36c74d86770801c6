package main

import (
	"time"

	"github.com/MartianGreed/marathon/internal/wire"
	"github.com/spf13/cobra"
)

func usageCmd() *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show this client's usage over a time window",
		RunE: func(cmd *cobra.Command, args []string) error {
			netConn, conn, err := dial(serverAddr)
			if err != nil {
				return err
			}
			defer conn.Close()

			now := time.Now()
			req := &wire.GetUsageRequest{
				ClientID: [16]byte(localClientID(netConn)),
				StartMs:  now.Add(-since).UnixMilli(),
				EndMs:    now.UnixMilli(),
			}

			msg, err := roundTrip(conn, wire.MsgGetUsage, req)
			if err != nil {
				return err
			}
			switch p := msg.Payload.(type) {
			case *wire.ErrorResponse:
				return errorResponseErr(p.Code, p.Message)
			case *wire.UsageResponse:
				printUsage(p)
				return nil
			default:
				return protocolError("unexpected response to get_usage")
			}
		},
	}

	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "Lookback window")
	return cmd
}
