package main

import (
	"fmt"

	"github.com/MartianGreed/marathon/internal/wire"
	"github.com/spf13/cobra"
)

var stateNames = map[string]wire.TaskState{
	"queued":    wire.TaskStateQueued,
	"starting":  wire.TaskStateStarting,
	"running":   wire.TaskStateRunning,
	"completed": wire.TaskStateCompleted,
	"failed":    wire.TaskStateFailed,
	"cancelled": wire.TaskStateCancelled,
}

func listCmd() *cobra.Command {
	var (
		stateFlag string
		limit     uint32
		offset    uint32
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List this client's tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			netConn, conn, err := dial(serverAddr)
			if err != nil {
				return err
			}
			defer conn.Close()

			req := &wire.ListTasksRequest{
				ClientID: [16]byte(localClientID(netConn)),
				Limit:    limit,
				Offset:   offset,
			}
			if stateFlag != "" {
				state, ok := stateNames[stateFlag]
				if !ok {
					return argError("unknown state %q", stateFlag)
				}
				req.HasState = true
				req.State = state
			}

			if err := conn.WriteMessage(wire.MsgListTasks, conn.NextRequestID(), req); err != nil {
				return protocolError("write request: %v", err)
			}
			tasks, err := collectTaskResponses(conn)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks found")
				return nil
			}
			printTaskTable(tasks)
			return nil
		},
	}

	cmd.Flags().StringVar(&stateFlag, "state", "", "Filter by state (queued, starting, running, completed, failed, cancelled)")
	cmd.Flags().Uint32Var(&limit, "limit", 50, "Maximum tasks to return")
	cmd.Flags().Uint32Var(&offset, "offset", 0, "Offset into the result set")

	return cmd
}
