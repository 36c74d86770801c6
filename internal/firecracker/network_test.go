package firecracker

import (
	"net"
	"testing"
)

func TestIPUint32RoundTrip(t *testing.T) {
	cases := []string{"172.31.0.2", "10.0.0.1", "192.168.1.254"}
	for _, ip := range cases {
		n := ipToUint32(net.ParseIP(ip))
		if got := uint32ToIP(n); got != ip {
			t.Errorf("round trip %s: got %s", ip, got)
		}
	}
}

func TestResourcePoolAcquireRelease(t *testing.T) {
	p := newResourcePool()
	p.fill([]string{"a", "b", "c"})

	for i := 0; i < 3; i++ {
		if _, ok := p.acquire(); !ok {
			t.Fatalf("acquire %d: pool exhausted early", i)
		}
	}
	if _, ok := p.acquire(); ok {
		t.Fatal("expected pool to be exhausted")
	}

	p.release("b")
	v, ok := p.acquire()
	if !ok || v != "b" {
		t.Fatalf("expected to reacquire released item 'b', got %q ok=%v", v, ok)
	}
}

func TestGenerateMACDeterministicPerID(t *testing.T) {
	a := generateMAC("vm-one")
	b := generateMAC("vm-one")
	c := generateMAC("vm-two")
	if a != b {
		t.Fatalf("expected same id to yield same MAC: %s != %s", a, b)
	}
	if a == c {
		t.Fatalf("expected different ids to yield different MACs")
	}
}

func TestNetmaskFromCIDR(t *testing.T) {
	mask, err := netmaskFromCIDR("172.31.0.0/24")
	if err != nil {
		t.Fatal(err)
	}
	if mask != "255.255.255.0" {
		t.Fatalf("expected /24 netmask, got %s", mask)
	}
}
