package main

import "fmt"

// cliError pairs a message with one of the CLI's three documented exit
// codes, so main can translate a RunE error into the right process exit
// status without re-parsing strings.
type cliError struct {
	code int
	msg  string
}

func (e *cliError) Error() string { return e.msg }

func argError(format string, args ...any) error {
	return &cliError{code: 3, msg: fmt.Sprintf(format, args...)}
}

func protocolError(format string, args ...any) error {
	return &cliError{code: 1, msg: fmt.Sprintf(format, args...)}
}

func taskFailedError(format string, args ...any) error {
	return &cliError{code: 2, msg: fmt.Sprintf(format, args...)}
}

// errorResponseErr classifies an orchestrator ErrorResponse into an exit
// code: malformed input the caller should fix is an argument error,
// everything else is a protocol-level failure.
func errorResponseErr(code, message string) error {
	switch code {
	case "INVALID_REPO_URL", "INVALID_GITHUB_TOKEN", "NOT_FOUND":
		return argError("%s: %s", code, message)
	default:
		return protocolError("%s: %s", code, message)
	}
}
