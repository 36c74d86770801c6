package main

import (
	"fmt"
	"time"

	"github.com/MartianGreed/marathon/internal/wire"
	"github.com/spf13/cobra"
)

func submitCmd() *cobra.Command {
	var (
		manifestFile string
		repoURL      string
		branch       string
		prompt       string
		githubToken  string
		createPR     bool
		prTitle      string
		prBody       string
		wait         bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a coding-agent task",
		Long:  "Submit a task by flags, or with --file pointing at a YAML task manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &wire.SubmitTaskRequest{
				RepoURL:  repoURL,
				Branch:   branch,
				Prompt:   prompt,
				CreatePR: createPR,
			}
			if manifestFile != "" {
				m, err := loadManifest(manifestFile)
				if err != nil {
					return err
				}
				req.RepoURL = m.RepoURL
				req.Branch = m.Branch
				req.Prompt = m.Prompt
				req.GithubToken = m.GithubToken
				req.CreatePR = m.CreatePR
				req.PRTitle = m.PRTitle
				req.PRBody = m.PRBody
			} else {
				if err := mustNonEmpty("repo", req.RepoURL); err != nil {
					return err
				}
				if err := mustNonEmpty("prompt", req.Prompt); err != nil {
					return err
				}
				if githubToken != "" {
					req.GithubToken = &githubToken
				}
				if prTitle != "" {
					req.PRTitle = &prTitle
				}
				if prBody != "" {
					req.PRBody = &prBody
				}
			}
			if req.Branch == "" {
				req.Branch = "main"
			}

			_, conn, err := dial(serverAddr)
			if err != nil {
				return err
			}
			defer conn.Close()

			msg, err := roundTrip(conn, wire.MsgSubmitTask, req)
			if err != nil {
				return err
			}
			switch p := msg.Payload.(type) {
			case *wire.ErrorResponse:
				return errorResponseErr(p.Code, p.Message)
			case *wire.TaskEvent:
				fmt.Printf("Task submitted: %s (state: %s)\n", taskIDHex(p.TaskID), p.NewState)
				if !wait {
					return nil
				}
				return waitForTerminal(conn, p.TaskID, p.NewState)
			default:
				return protocolError("unexpected response to submit_task")
			}
		},
	}

	cmd.Flags().StringVar(&manifestFile, "file", "", "Path to a YAML task manifest")
	cmd.Flags().StringVar(&repoURL, "repo", "", "Repository URL")
	cmd.Flags().StringVar(&branch, "branch", "main", "Branch to check out")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt for the coding agent")
	cmd.Flags().StringVar(&githubToken, "github-token", "", "GitHub token for clone/push")
	cmd.Flags().BoolVar(&createPR, "create-pr", false, "Open a pull request on completion")
	cmd.Flags().StringVar(&prTitle, "pr-title", "", "Pull request title")
	cmd.Flags().StringVar(&prBody, "pr-body", "", "Pull request body")
	cmd.Flags().BoolVar(&wait, "wait", false, "Block until the task reaches a terminal state")

	return cmd
}

// waitForTerminal reads the submitting connection's task_event stream
// until the task reaches a terminal state, then fetches and prints the
// final snapshot. Returns a task-failed exit on a failed/cancelled task.
func waitForTerminal(conn *wire.Conn, taskID [32]byte, last wire.TaskState) error {
	state := last
	for !isTerminal(state) {
		if err := conn.SetReadDeadline(time.Now().Add(15 * time.Minute)); err != nil {
			return protocolError("set read deadline: %v", err)
		}
		msg, err := conn.ReadMessage()
		if err != nil {
			return protocolError("read task_event: %v", err)
		}
		switch p := msg.Payload.(type) {
		case *wire.TaskEvent:
			state = p.NewState
			fmt.Printf("  -> %s\n", state)
		case *wire.ErrorResponse:
			return errorResponseErr(p.Code, p.Message)
		}
	}

	getReq := &wire.GetTaskRequest{TaskID: taskID}
	resp, err := roundTrip(conn, wire.MsgGetTask, getReq)
	if err != nil {
		return err
	}
	t, ok := resp.Payload.(*wire.TaskResponse)
	if !ok {
		return protocolError("unexpected response to get_task")
	}
	printTask(t)

	if state == wire.TaskStateFailed || state == wire.TaskStateCancelled {
		return taskFailedError("task %s", state)
	}
	return nil
}

func isTerminal(s wire.TaskState) bool {
	switch s {
	case wire.TaskStateCompleted, wire.TaskStateFailed, wire.TaskStateCancelled:
		return true
	default:
		return false
	}
}
