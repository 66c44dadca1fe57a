package signaling

import (
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry(testLogger())

	alice := NewClient("alice", "s1", 8)
	if superseded := r.Register("alice", alice); superseded != nil {
		t.Fatalf("fresh registration must not supersede anything")
	}

	got, ok := r.Lookup("alice")
	if !ok || got != alice {
		t.Fatalf("lookup returned %v ok=%v", got, ok)
	}
	if _, ok := r.Lookup("bob"); ok {
		t.Fatal("lookup of unknown identity must miss")
	}
	if r.Len() != 1 {
		t.Fatalf("len: got %d", r.Len())
	}
}

func TestRegistrySupersession(t *testing.T) {
	r := NewRegistry(testLogger())

	old := NewClient("alice", "s1", 8)
	r.Register("alice", old)

	renewed := NewClient("alice", "s2", 8)
	superseded := r.Register("alice", renewed)
	if superseded != old {
		t.Fatalf("expected the prior connection back, got %v", superseded)
	}

	got, ok := r.Lookup("alice")
	if !ok || got != renewed {
		t.Fatal("lookup must return only the new connection")
	}
}

func TestRegistryStaleUnregisterIsGuarded(t *testing.T) {
	r := NewRegistry(testLogger())

	old := NewClient("alice", "s1", 8)
	r.Register("alice", old)

	renewed := NewClient("alice", "s2", 8)
	r.Register("alice", renewed)

	// The superseded session's cleanup must not remove the new mapping.
	if removed := r.Unregister("alice", old); removed {
		t.Fatal("stale unregister must be a no-op")
	}
	if got, ok := r.Lookup("alice"); !ok || got != renewed {
		t.Fatal("new mapping lost to a stale unregister")
	}

	if removed := r.Unregister("alice", renewed); !removed {
		t.Fatal("current unregister must remove the mapping")
	}
	if _, ok := r.Lookup("alice"); ok {
		t.Fatal("mapping still present after unregister")
	}
}

func TestRegistryOthersExcludesSender(t *testing.T) {
	r := NewRegistry(testLogger())

	alice := NewClient("alice", "s1", 8)
	bob := NewClient("bob", "s2", 8)
	carol := NewClient("carol", "s3", 8)
	r.Register("alice", alice)
	r.Register("bob", bob)
	r.Register("carol", carol)

	others := r.Others(alice)
	if len(others) != 2 {
		t.Fatalf("others: got %d want 2", len(others))
	}
	for _, c := range others {
		if c == alice {
			t.Fatal("snapshot must exclude the sender")
		}
	}
}

func TestRegistryCloseAllRecordsStatus(t *testing.T) {
	r := NewRegistry(testLogger())

	alice := NewClient("alice", "s1", 8)
	bob := NewClient("bob", "s2", 8)
	r.Register("alice", alice)
	r.Register("bob", bob)

	r.CloseAll(1001, "server shutting down")

	for _, c := range []*Client{alice, bob} {
		select {
		case <-c.Done():
		default:
			t.Fatalf("%s not signalled", c.Identity)
		}
		code, reason, ok := c.CloseStatus()
		if !ok || code != 1001 || reason != "server shutting down" {
			t.Fatalf("%s close status: code=%d reason=%q ok=%v", c.Identity, code, reason, ok)
		}
	}
}
