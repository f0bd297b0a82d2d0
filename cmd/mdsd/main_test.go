package main

import "testing"

func TestZerothServerForIsStableAndInRange(t *testing.T) {
	for _, numServers := range []int{1, 3, 7} {
		got := zerothServerFor(12345, 0, numServers)
		if got < 0 || got >= numServers {
			t.Fatalf("zerothServerFor(_, _, %d) = %d, out of range", numServers, got)
		}
		again := zerothServerFor(12345, 0, numServers)
		if again != got {
			t.Fatalf("zerothServerFor is not stable: %d != %d", got, again)
		}
	}
}

func TestZerothServerForZeroServers(t *testing.T) {
	if got := zerothServerFor(1, 2, 0); got != 0 {
		t.Fatalf("expected 0 for numServers=0, got %d", got)
	}
}

func TestParsePeerValid(t *testing.T) {
	id, addr, err := parsePeer("3=127.0.0.1:7423")
	if err != nil {
		t.Fatalf("parsePeer: %v", err)
	}
	if id != 3 || addr != "127.0.0.1:7423" {
		t.Fatalf("parsePeer = (%d, %q), want (3, \"127.0.0.1:7423\")", id, addr)
	}
}

func TestParsePeerInvalid(t *testing.T) {
	for _, s := range []string{"", "no-equals-sign", "abc=127.0.0.1:1", "3=", "=127.0.0.1:1"} {
		if _, _, err := parsePeer(s); err == nil {
			t.Fatalf("parsePeer(%q): expected error", s)
		}
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "bench"} {
		if !names[want] {
			t.Fatalf("expected subcommand %q, got %v", want, names)
		}
	}
}
