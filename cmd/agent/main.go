// Command agent is the process that boots inside every Marathon micro-VM.
// It listens for a single incoming connection per task, clones the
// requested repository, runs the coding agent binary baked into the VM
// image against the task's prompt, and streams output/usage/completion
// back over the same connection.
package main

import (
	"fmt"
	"os"

	"github.com/MartianGreed/marathon/internal/logging"
	"github.com/MartianGreed/marathon/internal/vtransport"
)

func main() {
	logging.InitStructured(os.Getenv("MARATHON_AGENT_LOG_FORMAT"), os.Getenv("MARATHON_AGENT_LOG_LEVEL"))

	port := uint32(vtransport.DefaultPort)
	workDir := os.Getenv("MARATHON_AGENT_WORK_DIR")
	if workDir == "" {
		workDir = "/work"
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "[agent] create work dir: %v\n", err)
		os.Exit(1)
	}

	ln, err := vtransport.Listen(port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[agent] listen: %v\n", err)
		os.Exit(1)
	}
	defer ln.Close()

	fmt.Printf("[agent] listening on port %d, work dir %s\n", port, workDir)

	for {
		conn, err := ln.Accept()
		if err != nil {
			fmt.Fprintf(os.Stderr, "[agent] accept: %v\n", err)
			continue
		}
		go handleConn(conn, workDir)
	}
}
