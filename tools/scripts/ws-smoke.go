// Package main provides a CI-friendly WebSocket smoke test for Beacon signaling.
//
// It validates:
//   - handshake + subprotocol selection
//   - registration of two identities
//   - direct relay by "to"
//   - room join + fanout to peers
//   - call_request -> call id injection on both parties
//   - call_answer -> initiator notified
//   - call_end -> both participants notified
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "beacon/shared/contracts/signaling/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "beacon.signaling.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	identity string
	conn     *websocket.Conn

	inbox chan v1.Message
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "", "Origin header to send (empty for native-client handshake)")
		roomID  = flag.String("room", "dev-room-1", "Room ID to join")
		text    = flag.String("text", "hello beacon", "Message body to relay")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "smoke-a", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "smoke-b", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("registered: %s, %s origin=%q\n", a.identity, b.identity, *origin)
	}

	// Direct relay by "to".
	mustWriteFrame(root, a.conn, map[string]any{
		"type": v1.TypeText,
		"from": a.identity,
		"to":   b.identity,
		"body": *text,
	}, *timeout)
	direct := b.mustReadUntilType(root, v1.TypeText, *timeout)
	if direct.From != a.identity {
		fatalf("direct relay sender mismatch: got=%q want=%q", direct.From, a.identity)
	}

	// Room fanout: sender excluded, peer receives.
	mustWriteFrame(root, a.conn, map[string]any{"type": v1.TypeJoin, "room_id": *roomID}, *timeout)
	mustWriteFrame(root, b.conn, map[string]any{"type": v1.TypeJoin, "room_id": *roomID}, *timeout)
	time.Sleep(250 * time.Millisecond)

	mustWriteFrame(root, a.conn, map[string]any{
		"type":    v1.TypeText,
		"from":    a.identity,
		"room_id": *roomID,
		"body":    *text,
	}, *timeout)
	b.mustReadUntilType(root, v1.TypeText, *timeout)
	a.mustAssertQuiet(root, 750*time.Millisecond)

	// Call lifecycle: request, answer, end.
	mustWriteFrame(root, a.conn, map[string]any{
		"type":    v1.TypeCallRequest,
		"from":    a.identity,
		"to":      b.identity,
		"room_id": *roomID,
	}, *timeout)

	reqAtA := a.mustReadUntilType(root, v1.TypeCallRequest, *timeout)
	reqAtB := b.mustReadUntilType(root, v1.TypeCallRequest, *timeout)
	if reqAtA.CallID.IsZero() || reqAtA.CallID != reqAtB.CallID {
		fatalf("call id injection mismatch: initiator=%q recipient=%q", reqAtA.CallID, reqAtB.CallID)
	}
	callID := reqAtA.CallID.String()

	mustWriteFrame(root, b.conn, map[string]any{
		"type":    v1.TypeCallAnswer,
		"from":    b.identity,
		"to":      a.identity,
		"call_id": callID,
	}, *timeout)
	a.mustReadUntilType(root, v1.TypeCallAnswer, *timeout)

	mustWriteFrame(root, a.conn, map[string]any{
		"type":    v1.TypeCallEnd,
		"from":    a.identity,
		"call_id": callID,
	}, *timeout)
	a.mustReadUntilType(root, v1.TypeCallEnd, *timeout)
	b.mustReadUntilType(root, v1.TypeCallEnd, *timeout)

	fmt.Printf("OK: a=%s b=%s room=%s call_id=%s\n", a.identity, b.identity, *roomID, callID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, identity, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", identity, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		identity: identity,
		conn:     conn,
		inbox:    make(chan v1.Message, 512),
		errCh:    make(chan error, 1),
	}

	mustWriteFrame(parent, conn, map[string]any{
		"type": v1.TypeRegister,
		"from": identity,
	}, stepTimeout)

	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			msg, err := v1.Decode(data)
			if err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- msg:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Message {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.identity, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.identity)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.identity, err)
		case msg, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.identity)
			}
			if msg.Type == wantType {
				return msg
			}
			fatalf("unexpected message type (%s): got=%q want=%q", c.identity, msg.Type, wantType)
		}
	}
}

// mustAssertQuiet fails if anything arrives within the window. Room fanout
// must never echo back to the sender.
func (c *smokeClient) mustAssertQuiet(parent context.Context, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	select {
	case <-ctx.Done():
	case err := <-c.errCh:
		fatalf("connection closed unexpectedly (%s): %v", c.identity, err)
	case msg, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed unexpectedly (%s)", c.identity)
		}
		fatalf("unexpected %q received (%s)", msg.Type, c.identity)
	}
}

func mustWriteFrame(parent context.Context, conn *websocket.Conn, fields map[string]any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(fields)
	if err != nil {
		fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
