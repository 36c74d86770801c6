package main

import (
	"net"
	"time"

	"github.com/MartianGreed/marathon/internal/ids"
	"github.com/MartianGreed/marathon/internal/wire"
)

const requestTimeout = 10 * time.Second

// dial opens one TCP connection to the orchestrator's client-facing
// listener. marathonctl is a one-shot process: every command dials its
// own connection and tears it down when the command returns rather than
// keeping a session open.
func dial(addr string) (net.Conn, *wire.Conn, error) {
	netConn, err := net.DialTimeout("tcp", addr, requestTimeout)
	if err != nil {
		return nil, nil, protocolError("connect to %s: %v", addr, err)
	}
	return netConn, wire.NewConn(netConn), nil
}

// localClientID derives the ClientId the orchestrator will assign this
// connection. It mirrors ids.ClientIDFromAddr's remote-address hash,
// applied to the local end of the same socket, so get_usage/list_tasks
// requests carry the id the server will actually recognize as "us".
func localClientID(netConn net.Conn) ids.ClientID {
	return ids.ClientIDFromAddr(netConn.LocalAddr())
}

// roundTrip sends one request and returns whatever the orchestrator
// replies with first — a TaskResponse, UsageResponse, or ErrorResponse.
func roundTrip(conn *wire.Conn, msgType wire.MessageType, payload any) (wire.Message, error) {
	if err := conn.WriteMessage(msgType, conn.NextRequestID(), payload); err != nil {
		return wire.Message{}, protocolError("write request: %v", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(requestTimeout)); err != nil {
		return wire.Message{}, protocolError("set read deadline: %v", err)
	}
	msg, err := conn.ReadMessage()
	if err != nil {
		return wire.Message{}, protocolError("read response: %v", err)
	}
	return msg, nil
}

// collectTaskResponses reads TaskResponse frames until the connection
// goes quiet. list_tasks has no explicit end-of-stream marker: the
// orchestrator simply stops writing once every matching task has been
// sent, so a short idle read deadline is what ends the loop.
func collectTaskResponses(conn *wire.Conn) ([]*wire.TaskResponse, error) {
	var out []*wire.TaskResponse
	for {
		if err := conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			return out, protocolError("set read deadline: %v", err)
		}
		msg, err := conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				return out, nil
			}
			if len(out) > 0 {
				return out, nil
			}
			return out, protocolError("read response: %v", err)
		}
		switch p := msg.Payload.(type) {
		case *wire.TaskResponse:
			out = append(out, p)
		case *wire.ErrorResponse:
			return out, errorResponseErr(p.Code, p.Message)
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
