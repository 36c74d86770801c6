package main

import (
	"github.com/MartianGreed/marathon/internal/wire"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task_id>",
		Short: "Show a task's current state and usage",
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

			msg, err := roundTrip(conn, wire.MsgGetTask, &wire.GetTaskRequest{TaskID: id})
			if err != nil {
				return err
			}
			switch p := msg.Payload.(type) {
			case *wire.ErrorResponse:
				return errorResponseErr(p.Code, p.Message)
			case *wire.TaskResponse:
				printTask(p)
				if p.State == wire.TaskStateFailed || p.State == wire.TaskStateCancelled {
					return taskFailedError("task %s", p.State)
				}
				return nil
			default:
				return protocolError("unexpected response to get_task")
			}
		},
	}
}
