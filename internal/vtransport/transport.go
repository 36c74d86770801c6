// Package vtransport carries the Marathon wire framing (internal/wire)
// over the node↔in-VM agent transport: AF_VSOCK on Linux, with a
// Unix-domain-socket fallback elsewhere so the rest of the stack builds
// and tests on non-Linux development machines (spec §6.2). The guest
// well-known host CID (2) and the default agent port (9999) match the
// standard VSOCK convention of "host listens, guest dials out".
package vtransport

import (
	"context"
	"net"

	"github.com/MartianGreed/marathon/internal/wire"
)

// HostCID is the well-known context id a guest uses to reach its host.
const HostCID = 2

// DefaultPort is the default guest-side agent port (spec §6.4).
const DefaultPort = 9999

// Listener accepts incoming agent connections on the host side of the
// node↔agent transport.
type Listener interface {
	Accept() (*wire.Conn, error)
	Close() error
	Addr() net.Addr
}

// listenerAdapter wraps a net.Listener, framing each accepted connection
// in the wire codec.
type listenerAdapter struct {
	net.Listener
}

func (l *listenerAdapter) Accept() (*wire.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return wire.NewConn(conn), nil
}

// Dial connects to the host from inside a guest VM and returns a framed
// wire.Conn. ctx governs the dial only; the returned connection outlives
// it.
func Dial(ctx context.Context, port uint32) (*wire.Conn, error) {
	conn, err := dial(ctx, HostCID, port)
	if err != nil {
		return nil, err
	}
	return wire.NewConn(conn), nil
}

// DialVM connects from the node (the vsock host side) to a specific
// guest's CID, as allocated by vmpool when the VM was booted. This is
// the host-initiates-connection half of the transport; Dial above is
// the guest-initiates-connection half.
func DialVM(ctx context.Context, cid, port uint32) (*wire.Conn, error) {
	conn, err := dial(ctx, cid, port)
	if err != nil {
		return nil, err
	}
	return wire.NewConn(conn), nil
}

// Listen binds the host side of the transport on the given port,
// accepting connections from any guest CID.
func Listen(port uint32) (Listener, error) {
	l, err := listen(port)
	if err != nil {
		return nil, err
	}
	return &listenerAdapter{Listener: l}, nil
}
