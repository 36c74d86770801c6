package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/MartianGreed/marathon/internal/wire"
)

func taskIDHex(id [32]byte) string {
	return hex.EncodeToString(id[:])
}

func parseTaskID(s string) ([32]byte, error) {
	var id [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, argError("invalid task id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

func printTask(t *wire.TaskResponse) {
	fmt.Printf("Task ID:    %s\n", taskIDHex(t.TaskID))
	fmt.Printf("State:      %s\n", t.State)
	fmt.Printf("Repo:       %s (%s)\n", t.RepoURL, t.Branch)
	fmt.Printf("Created:    %s\n", time.UnixMilli(t.CreatedAtMs).Format(time.RFC3339))
	if t.StartedAtMs != nil {
		fmt.Printf("Started:    %s\n", time.UnixMilli(*t.StartedAtMs).Format(time.RFC3339))
	}
	if t.CompletedAtMs != nil {
		fmt.Printf("Completed:  %s\n", time.UnixMilli(*t.CompletedAtMs).Format(time.RFC3339))
	}
	if t.HasNodeID {
		fmt.Printf("Node:       %x\n", t.NodeID)
	}
	if t.ErrorMessage != nil {
		fmt.Printf("Error:      %s\n", *t.ErrorMessage)
	}
	if t.PRURL != nil {
		fmt.Printf("PR:         %s\n", *t.PRURL)
	}
	fmt.Printf("Usage:      %d input, %d output tokens, %d tool calls, %dms compute\n",
		t.Usage.InputTokens, t.Usage.OutputTokens, t.Usage.ToolCalls, t.Usage.ComputeTimeMs)
}

func printTaskTable(tasks []*wire.TaskResponse) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK ID\tSTATE\tREPO\tBRANCH\tCREATED")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			taskIDHex(t.TaskID), t.State, t.RepoURL, t.Branch,
			time.UnixMilli(t.CreatedAtMs).Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func printUsage(resp *wire.UsageResponse) {
	fmt.Printf("Total usage:\n")
	fmt.Printf("  Input tokens:        %d\n", resp.Total.InputTokens)
	fmt.Printf("  Output tokens:       %d\n", resp.Total.OutputTokens)
	fmt.Printf("  Cache read tokens:   %d\n", resp.Total.CacheReadTokens)
	fmt.Printf("  Cache write tokens:  %d\n", resp.Total.CacheWriteTokens)
	fmt.Printf("  Tool calls:          %d\n", resp.Total.ToolCalls)
	fmt.Printf("  Compute time:        %dms\n", resp.Total.ComputeTimeMs)

	if len(resp.Tasks) == 0 {
		return
	}
	fmt.Printf("\nPer task:\n")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK ID\tINPUT\tOUTPUT\tTOOL CALLS\tCOMPUTE MS")
	for _, entry := range resp.Tasks {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
			taskIDHex(entry.TaskID), entry.Usage.InputTokens, entry.Usage.OutputTokens,
			entry.Usage.ToolCalls, entry.Usage.ComputeTimeMs)
	}
	w.Flush()
}
