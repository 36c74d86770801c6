// Package ids generates and represents the opaque identifiers used
// throughout Marathon: TaskId (32 bytes), NodeId/VmId/ClientId (16 bytes
// each). Every identifier type is a fixed-size byte array so that equality
// is plain Go struct equality, matching spec's "identity is byte equality".
package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net"

	"github.com/google/uuid"
)

// TaskID is a 32-byte opaque task identifier.
type TaskID [32]byte

// NodeID, VMID, ClientID are 16-byte opaque identifiers.
type (
	NodeID   [16]byte
	VMID     [16]byte
	ClientID [16]byte
)

func (t TaskID) String() string   { return hex.EncodeToString(t[:]) }
func (n NodeID) String() string   { return hex.EncodeToString(n[:]) }
func (v VMID) String() string     { return hex.EncodeToString(v[:]) }
func (c ClientID) String() string { return hex.EncodeToString(c[:]) }

func (t TaskID) IsZero() bool { return t == TaskID{} }
func (n NodeID) IsZero() bool { return n == NodeID{} }
func (v VMID) IsZero() bool   { return v == VMID{} }

// NewTaskID draws 32 random bytes from a cryptographic source.
func NewTaskID() (TaskID, error) {
	var id TaskID
	if _, err := rand.Read(id[:]); err != nil {
		return TaskID{}, err
	}
	return id, nil
}

// NewNodeID and NewVMID use google/uuid's v4 generator; a uuid.UUID is
// exactly a [16]byte array, so no conversion beyond a type cast is needed.
func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

func NewVMID() VMID {
	return VMID(uuid.New())
}

// ClientIDFromAddr derives a ClientId deterministically from a client's
// remote network address: the same address must always produce the same
// ClientId (so reconnects are recognized as the same client), and a
// host's IPv4 and IPv6 addresses (127.0.0.1 vs ::1) must produce
// distinct ids. ipBytes hashes IPv4 and IPv4-mapped addresses as 4
// bytes and every other IPv6 address as 16.
func ClientIDFromAddr(addr net.Addr) ClientID {
	host := hostBytes(addr)
	sum := sha256.Sum256(host)
	var id ClientID
	copy(id[:], sum[:16])
	return id
}

func hostBytes(addr net.Addr) []byte {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return ipBytes(a.IP)
	case *net.UDPAddr:
		return ipBytes(a.IP)
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return []byte(addr.String())
		}
		if ip := net.ParseIP(host); ip != nil {
			return ipBytes(ip)
		}
		return []byte(host)
	}
}

// ipBytes returns the IP's natural byte width: 4 bytes for an IPv4
// address, 16 for IPv6, so that "::ffff:127.0.0.1" style IPv4-mapped
// addresses still collapse onto the same 4-byte form as the legacy
// IPv4 address.
func ipBytes(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return []byte(v4)
	}
	return []byte(ip.To16())
}

// TaskIDFromBytes / NodeIDFromBytes etc. build an identifier directly from
// raw bytes, used when a caller has a wire-decoded fixed-size array.
func TaskIDFromBytes(b []byte) (TaskID, bool) {
	var id TaskID
	if len(b) != len(id) {
		return TaskID{}, false
	}
	copy(id[:], b)
	return id, true
}

func NodeIDFromBytes(b []byte) (NodeID, bool) {
	var id NodeID
	if len(b) != len(id) {
		return NodeID{}, false
	}
	copy(id[:], b)
	return id, true
}

func VMIDFromBytes(b []byte) (VMID, bool) {
	var id VMID
	if len(b) != len(id) {
		return VMID{}, false
	}
	copy(id[:], b)
	return id, true
}

func ClientIDFromBytes(b []byte) (ClientID, bool) {
	var id ClientID
	if len(b) != len(id) {
		return ClientID{}, false
	}
	copy(id[:], b)
	return id, true
}

// TaskIDFromHex / NodeIDFromHex / VMIDFromHex / ClientIDFromHex parse the
// hex string form produced by String(), used by internal/store to
// round-trip identifiers through a text column.
func TaskIDFromHex(s string) (TaskID, bool) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return TaskID{}, false
	}
	return TaskIDFromBytes(b)
}

func NodeIDFromHex(s string) (NodeID, bool) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, false
	}
	return NodeIDFromBytes(b)
}

func VMIDFromHex(s string) (VMID, bool) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return VMID{}, false
	}
	return VMIDFromBytes(b)
}

func ClientIDFromHex(s string) (ClientID, bool) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ClientID{}, false
	}
	return ClientIDFromBytes(b)
}
