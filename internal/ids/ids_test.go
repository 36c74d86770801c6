package ids

import (
	"net"
	"testing"
)

func TestClientIDFromAddrDeterministic(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("203.0.113.7"), Port: 51234}
	a := ClientIDFromAddr(addr)
	b := ClientIDFromAddr(addr)
	if a != b {
		t.Fatalf("expected repeated calls to produce equal ids, got %s != %s", a, b)
	}

	other := &net.TCPAddr{IP: net.ParseIP("203.0.113.7"), Port: 9999}
	c := ClientIDFromAddr(other)
	if a != c {
		t.Fatalf("expected same host with a different port to produce the same ClientId")
	}
}

func TestClientIDFromAddrDistinctHosts(t *testing.T) {
	a := ClientIDFromAddr(&net.TCPAddr{IP: net.ParseIP("203.0.113.7"), Port: 1})
	b := ClientIDFromAddr(&net.TCPAddr{IP: net.ParseIP("203.0.113.8"), Port: 1})
	if a == b {
		t.Fatalf("expected distinct hosts to produce distinct ClientIds")
	}
}

func TestClientIDFromAddrIPv4VsIPv6(t *testing.T) {
	v4 := ClientIDFromAddr(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})
	v6 := ClientIDFromAddr(&net.TCPAddr{IP: net.ParseIP("::1"), Port: 1})
	if v4 == v6 {
		t.Fatalf("expected IPv4 and IPv6 forms of the same numeric host to differ")
	}
}

func TestTaskIDRandomAndRoundTrip(t *testing.T) {
	a, err := NewTaskID()
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewTaskID()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatalf("expected two generated TaskIds to differ")
	}

	round, ok := TaskIDFromBytes(a[:])
	if !ok || round != a {
		t.Fatalf("round trip through bytes failed")
	}
}

func TestNodeAndVMIDsDiffer(t *testing.T) {
	n := NewNodeID()
	v := NewVMID()
	if NodeID(v) == n {
		t.Fatalf("expected independently generated ids to differ")
	}
}
