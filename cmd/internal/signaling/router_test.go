package signaling

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	v1 "beacon/shared/contracts/signaling/v1"

	"github.com/prometheus/client_golang/prometheus"
)

type routerFixture struct {
	router   *Router
	registry *Registry
	rooms    *Rooms
	ledger   CallLedger
}

func newRouterFixture(t *testing.T, ledger CallLedger) *routerFixture {
	t.Helper()

	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	log := testLogger()
	registry := NewRegistry(log)
	rooms := NewRooms(log)
	metrics := NewMetrics(prometheus.NewRegistry())

	return &routerFixture{
		router:   NewRouter(log, registry, rooms, ledger, metrics),
		registry: registry,
		rooms:    rooms,
		ledger:   ledger,
	}
}

func (f *routerFixture) client(t *testing.T, identity string) *Client {
	t.Helper()
	c := NewClient(identity, NewRandomHex(4), 16)
	if superseded := f.registry.Register(identity, c); superseded != nil {
		t.Fatalf("unexpected supersession for %s", identity)
	}
	return c
}

func (f *routerFixture) route(t *testing.T, origin *Client, frame string) {
	t.Helper()
	msg, err := v1.Decode([]byte(frame))
	if err != nil {
		t.Fatalf("decode %s: %v", frame, err)
	}
	if err := f.router.Route(context.Background(), origin, msg); err != nil {
		t.Fatalf("route %s: %v", frame, err)
	}
}

// recv pops one queued frame or fails.
func recv(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case b := <-c.Send:
		return b
	default:
		t.Fatalf("%s: no frame queued", c.Identity)
		return nil
	}
}

func assertEmpty(t *testing.T, c *Client) {
	t.Helper()
	select {
	case b := <-c.Send:
		t.Fatalf("%s: unexpected frame %s", c.Identity, b)
	default:
	}
}

func TestRouteDirectTextToRegisteredRecipient(t *testing.T) {
	f := newRouterFixture(t, nil)
	alice := f.client(t, "alice")
	bob := f.client(t, "bob")
	carol := f.client(t, "carol")

	frame := `{"type":"text","from":"alice","to":"bob","body":"hi"}`
	f.route(t, alice, frame)

	if got := string(recv(t, bob)); got != frame {
		t.Fatalf("bob got %s", got)
	}
	assertEmpty(t, alice) // the sender never receives its own message
	assertEmpty(t, carol)
}

func TestRouteRoomFanoutExcludesSenderAndOutsiders(t *testing.T) {
	f := newRouterFixture(t, nil)

	members := make([]*Client, 0, 10)
	for i := 0; i < 10; i++ {
		c := f.client(t, fmt.Sprintf("user%d", i))
		f.rooms.Join("r7", c)
		members = append(members, c)
	}
	outsider := f.client(t, "outsider")

	frame := `{"type":"text","from":"user0","room_id":"r7","body":"hello room"}`
	f.route(t, members[0], frame)

	for _, m := range members[1:] {
		if got := string(recv(t, m)); got != frame {
			t.Fatalf("%s got %s", m.Identity, got)
		}
	}
	assertEmpty(t, members[0])
	assertEmpty(t, outsider)
}

func TestRouteGlobalFallback(t *testing.T) {
	f := newRouterFixture(t, nil)
	alice := f.client(t, "alice")
	bob := f.client(t, "bob")
	carol := f.client(t, "carol")

	// No "to", no room: everyone except the sender.
	frame := `{"type":"audio","from":"alice","chunk":"AAAA"}`
	f.route(t, alice, frame)

	recv(t, bob)
	recv(t, carol)
	assertEmpty(t, alice)
}

func TestRouteUnresolvableRecipientFallsBackToRoom(t *testing.T) {
	f := newRouterFixture(t, nil)
	alice := f.client(t, "alice")
	bob := f.client(t, "bob")
	f.rooms.Join("r1", alice)
	f.rooms.Join("r1", bob)

	frame := `{"type":"text","from":"alice","to":"ghost","room_id":"r1"}`
	f.route(t, alice, frame)

	recv(t, bob)
	assertEmpty(t, alice)
}

func TestRouteJoinIsControlNotRelayed(t *testing.T) {
	f := newRouterFixture(t, nil)
	alice := f.client(t, "alice")
	bob := f.client(t, "bob")

	f.route(t, alice, `{"type":"join","room_id":"r1"}`)

	if got := f.rooms.Members("r1"); len(got) != 1 || got[0] != alice {
		t.Fatalf("join not applied: %d members", len(got))
	}
	assertEmpty(t, bob)
}

func TestRouteUnknownTypeDropped(t *testing.T) {
	f := newRouterFixture(t, nil)
	alice := f.client(t, "alice")
	bob := f.client(t, "bob")

	f.route(t, alice, `{"type":"teleport","from":"alice"}`)
	assertEmpty(t, bob)
}

func TestRouteInvalidMessageDropped(t *testing.T) {
	f := newRouterFixture(t, nil)
	alice := f.client(t, "alice")
	bob := f.client(t, "bob")

	f.route(t, alice, `{"type":"text"}`) // missing from
	assertEmpty(t, bob)
	assertEmpty(t, alice)
}

func TestRouteCallWorkflow(t *testing.T) {
	f := newRouterFixture(t, nil)
	alice := f.client(t, "alice")
	bob := f.client(t, "bob")
	ctx := context.Background()

	// call_request: both parties receive the copy with the injected call id.
	f.route(t, alice, `{"type":"call_request","from":"alice","to":"bob","room_id":"r1"}`)

	fromAlice, err := v1.Decode(recv(t, alice))
	if err != nil {
		t.Fatalf("decode alice copy: %v", err)
	}
	fromBob, err := v1.Decode(recv(t, bob))
	if err != nil {
		t.Fatalf("decode bob copy: %v", err)
	}
	if fromAlice.CallID.IsZero() || fromAlice.CallID != fromBob.CallID {
		t.Fatalf("call id injection mismatch: %q vs %q", fromAlice.CallID, fromBob.CallID)
	}
	callID := fromAlice.CallID.String()

	rec, err := f.ledger.Lookup(ctx, callID)
	if err != nil {
		t.Fatalf("ledger lookup: %v", err)
	}
	if rec.Status != CallPending || rec.Initiator != "alice" || rec.Recipient != "bob" {
		t.Fatalf("pending record: %+v", rec)
	}

	// call_answer: delivered to the initiator, ledger moves to in_progress.
	f.route(t, bob, fmt.Sprintf(`{"type":"call_answer","from":"bob","to":"alice","call_id":%q}`, callID))
	recv(t, alice)
	assertEmpty(t, bob)

	rec, _ = f.ledger.Lookup(ctx, callID)
	if rec.Status != CallInProgress || rec.StartedAt.IsZero() {
		t.Fatalf("after answer: %+v", rec)
	}

	// webrtc_end with a client duration: finished, duration persisted.
	f.route(t, bob, fmt.Sprintf(`{"type":"webrtc_end","from":"bob","to":"alice","call_id":%q,"duration":42}`, callID))
	recv(t, alice)

	rec, _ = f.ledger.Lookup(ctx, callID)
	if rec.Status != CallFinished {
		t.Fatalf("after end: %+v", rec)
	}
	if rec.Duration != 42 {
		t.Fatalf("duration: got %d want 42", rec.Duration)
	}
}

func TestRouteCallRejectCancels(t *testing.T) {
	f := newRouterFixture(t, nil)
	alice := f.client(t, "alice")
	bob := f.client(t, "bob")
	ctx := context.Background()

	f.route(t, alice, `{"type":"call_request","from":"alice","to":"bob"}`)
	req, _ := v1.Decode(recv(t, bob))
	recv(t, alice)

	f.route(t, bob, fmt.Sprintf(`{"type":"call_reject","from":"bob","to":"alice","call_id":%q}`, req.CallID.String()))
	recv(t, alice)

	rec, err := f.ledger.Lookup(ctx, req.CallID.String())
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Status != CallCancelled || rec.EndedAt.IsZero() {
		t.Fatalf("after reject: %+v", rec)
	}
}

func TestRouteCallEndReachesBothParticipants(t *testing.T) {
	f := newRouterFixture(t, nil)
	alice := f.client(t, "alice")
	bob := f.client(t, "bob")

	f.route(t, alice, `{"type":"call_request","from":"alice","to":"bob"}`)
	req, _ := v1.Decode(recv(t, bob))
	recv(t, alice)

	callID := req.CallID.String()
	f.route(t, bob, fmt.Sprintf(`{"type":"call_answer","from":"bob","to":"alice","call_id":%q}`, callID))
	recv(t, alice)

	f.route(t, alice, fmt.Sprintf(`{"type":"call_end","from":"alice","call_id":%q}`, callID))
	recv(t, alice)
	recv(t, bob)
}

func TestRouteCallConflictIsNotFatal(t *testing.T) {
	f := newRouterFixture(t, nil)
	alice := f.client(t, "alice")
	bob := f.client(t, "bob")

	// Unknown call id: dropped, connection-level error stays nil.
	f.route(t, bob, `{"type":"call_answer","from":"bob","to":"alice","call_id":"ghost"}`)
	assertEmpty(t, alice)
}

func TestRouteWebRTCOfferCreatesPendingCall(t *testing.T) {
	f := newRouterFixture(t, nil)
	alice := f.client(t, "alice")
	bob := f.client(t, "bob")
	f.rooms.Join("r1", alice)
	f.rooms.Join("r1", bob)

	f.route(t, alice, `{"type":"webrtc_offer","from":"alice","to":"bob","room_id":"r1","call_id":"offer-1","sdp":"v=0"}`)
	recv(t, bob)
	assertEmpty(t, alice)

	rec, err := f.ledger.Lookup(context.Background(), "offer-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Status != CallPending || rec.RoomID != "r1" {
		t.Fatalf("offer record: %+v", rec)
	}
}

func TestRouteDeadRecipientIsReaped(t *testing.T) {
	f := newRouterFixture(t, nil)

	members := make([]*Client, 0, 5)
	for i := 0; i < 5; i++ {
		c := f.client(t, fmt.Sprintf("peer%d", i))
		f.rooms.Join("r7", c)
		members = append(members, c)
	}

	dead := members[2]
	dead.Close()

	frame := `{"type":"text","from":"peer0","room_id":"r7"}`
	f.route(t, members[0], frame)

	for i, m := range members {
		if i == 0 || i == 2 {
			continue
		}
		if got := string(recv(t, m)); got != frame {
			t.Fatalf("%s got %s", m.Identity, got)
		}
	}

	for _, m := range f.rooms.Members("r7") {
		if m == dead {
			t.Fatal("dead connection still in room membership")
		}
	}
	if _, ok := f.registry.Lookup(dead.Identity); ok {
		t.Fatal("dead connection still registered")
	}
}

type failingLedger struct{ err error }

func (f failingLedger) Create(context.Context, CreateCallInput) (CallRecord, error) {
	return CallRecord{}, f.err
}
func (f failingLedger) Transition(context.Context, string, CallStatus, time.Time) (CallRecord, error) {
	return CallRecord{}, f.err
}
func (f failingLedger) Finalize(context.Context, string, CallStatus, time.Time, int64) (CallRecord, error) {
	return CallRecord{}, f.err
}
func (f failingLedger) Lookup(context.Context, string) (CallRecord, error) {
	return CallRecord{}, f.err
}
func (f failingLedger) Close() error { return nil }

func TestRouteLedgerStorageFailureIsFatal(t *testing.T) {
	f := newRouterFixture(t, failingLedger{err: errors.New("connection refused")})
	alice := f.client(t, "alice")
	f.client(t, "bob")

	msg, err := v1.Decode([]byte(`{"type":"call_request","from":"alice","to":"bob"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := f.router.Route(context.Background(), alice, msg); err == nil {
		t.Fatal("storage failure on a call message must be fatal to the session")
	}

	// Plain relay types never touch the ledger and stay unaffected.
	f.route(t, alice, `{"type":"text","from":"alice"}`)
}
