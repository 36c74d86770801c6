package main

import (
	"fmt"

	"github.com/MartianGreed/marathon/internal/wire"
	"github.com/spf13/cobra"
)

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task_id>",
		Short: "Cancel a queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}

			_, conn, err := dial(serverAddr)
			if err != nil {
				return err
			}
			defer conn.Close()

			msg, err := roundTrip(conn, wire.MsgCancelTask, &wire.GetTaskRequest{TaskID: id})
			if err != nil {
				return err
			}
			switch p := msg.Payload.(type) {
			case *wire.ErrorResponse:
				return errorResponseErr(p.Code, p.Message)
			case *wire.TaskResponse:
				fmt.Printf("Task %s: %s\n", taskIDHex(p.TaskID), p.State)
				return nil
			default:
				return protocolError("unexpected response to cancel_task")
			}
		},
	}
}
