package broker

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"shvbroker/internal/logging"
	"shvbroker/internal/rpc"
)

func newTestClientTask(clientID int64) (*ClientTask, chan ClientEvent) {
	events := make(chan ClientEvent, 8)
	return &ClientTask{
		clientID: clientID,
		events:   events,
		logger:   logging.Discard(),
	}, events
}

// answerGetPassword drains the GetPasswordEvent checkPassword sends and
// replies with the sha1 digest of storedPassword, exactly as the broker's
// real handleGetPassword handler would after consulting the oracle.
func answerGetPassword(t *testing.T, events chan ClientEvent, outbound chan PeerEvent, storedPassword string) {
	t.Helper()
	select {
	case ev := <-events:
		if _, ok := ev.(GetPasswordEvent); !ok {
			t.Fatalf("got %T, want GetPasswordEvent", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for GetPasswordEvent")
	}
	outbound <- PasswordSha1Event{Digest: sha1.Sum([]byte(storedPassword))}
}

func TestCheckPasswordPlainMatchesStoredDigest(t *testing.T) {
	ct, events := newTestClientTask(1)
	outbound := make(chan PeerEvent, 1)

	go answerGetPassword(t, events, outbound, "secret")

	if !ct.checkPassword("alice", "secret", "PLAIN", "nonceval", outbound) {
		t.Fatal("PLAIN login with the correct password should succeed")
	}
}

func TestCheckPasswordShaChallengeResponse(t *testing.T) {
	ct, events := newTestClientTask(1)
	outbound := make(chan PeerEvent, 1)

	stored := "secret"
	nonce := "abc123"
	go answerGetPassword(t, events, outbound, stored)

	digest := sha1.Sum([]byte(stored))
	expected := sha1.Sum(append([]byte(nonce), digest[:]...))

	if !ct.checkPassword("alice", string(expected[:]), "SHA", nonce, outbound) {
		t.Fatal("SHA login with the correct challenge response should succeed")
	}
}

// TestCheckPasswordShaSingleBitFlipFails pins spec.md §8 invariant 9: a
// one-bit change anywhere in the challenge response must be rejected, not
// just a completely different password.
func TestCheckPasswordShaSingleBitFlipFails(t *testing.T) {
	ct, events := newTestClientTask(1)
	outbound := make(chan PeerEvent, 1)

	stored := "secret"
	nonce := "abc123"
	go answerGetPassword(t, events, outbound, stored)

	digest := sha1.Sum([]byte(stored))
	expected := sha1.Sum(append([]byte(nonce), digest[:]...))
	flipped := expected
	flipped[0] ^= 0x01

	if ct.checkPassword("alice", string(flipped[:]), "SHA", nonce, outbound) {
		t.Fatal("a single flipped bit in the challenge response must be rejected")
	}
}

func TestCheckPasswordPlainWrongPasswordFails(t *testing.T) {
	ct, events := newTestClientTask(1)
	outbound := make(chan PeerEvent, 1)

	go answerGetPassword(t, events, outbound, "secret")

	if ct.checkPassword("alice", "wrong", "PLAIN", "nonceval", outbound) {
		t.Fatal("PLAIN login with the wrong password must fail")
	}
}

// fakeBrokerHarness stands in for Broker.Run in tests that drive a real
// ClientTask over a real connection: it answers GetPasswordEvent against
// a fixed stored password and records FrameClientEvent/ClientGoneEvent
// so a test can assert on the per-client state machine's own behavior
// rather than the broker's reaction to it.
type fakeBrokerHarness struct {
	events         chan ClientEvent
	frames         chan FrameClientEvent
	gone           chan ClientGoneEvent
	storedPassword string
}

func newFakeBrokerHarness(storedPassword string) *fakeBrokerHarness {
	return &fakeBrokerHarness{
		events:         make(chan ClientEvent, 16),
		frames:         make(chan FrameClientEvent, 16),
		gone:           make(chan ClientGoneEvent, 16),
		storedPassword: storedPassword,
	}
}

func (h *fakeBrokerHarness) run(ctx context.Context) {
	var outbound chan PeerEvent
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			switch e := ev.(type) {
			case NewClientEvent:
				outbound = e.Outbound
			case GetPasswordEvent:
				outbound <- PasswordSha1Event{Digest: sha1.Sum([]byte(h.storedPassword))}
			case FrameClientEvent:
				h.frames <- e
			case ClientGoneEvent:
				h.gone <- e
			case RegisterDeviceEvent:
				// not exercised by these tests
			}
		}
	}
}

func sendLogin(t *testing.T, conn net.Conn, reader *rpc.FrameReader, user, password, loginType string) *rpc.Message {
	t.Helper()

	hello := rpc.NewRequestMessage(1, "", "hello", nil)
	if err := rpc.SendMessage(conn, hello); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	helloFrame, err := reader.ReceiveFrame()
	if err != nil {
		t.Fatalf("receive hello response: %v", err)
	}
	if _, err := helloFrame.ToMessage(); err != nil {
		t.Fatalf("decode hello response: %v", err)
	}

	login := rpc.NewRequestMessage(2, "", "login", rpc.Map{
		"login": rpc.Map{"user": user, "password": password, "type": loginType},
	})
	if err := rpc.SendMessage(conn, login); err != nil {
		t.Fatalf("send login: %v", err)
	}
	loginFrame, err := reader.ReceiveFrame()
	if err != nil {
		t.Fatalf("receive login response: %v", err)
	}
	msg, err := loginFrame.ToMessage()
	if err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return msg
}

// TestClientTaskFullHandshakeReachesOperational drives ClientTask.Run
// over a real net.Pipe connection through hello, a successful PLAIN
// login, and one request frame afterward — pinning spec.md §8
// invariant 4 (the handshake ends in the Operational state, where
// ordinary frames are forwarded rather than handshake-parsed).
func TestClientTaskFullHandshakeReachesOperational(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	harness := newFakeBrokerHarness("secret")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go harness.run(ctx)

	ct := NewClientTask(1, serverConn, harness.events, logging.Discard(), nil)
	go ct.Run(ctx)

	reader := rpc.NewFrameReader(clientConn)
	resp := sendLogin(t, clientConn, reader, "alice", "secret", "PLAIN")
	if resp.Error != nil {
		t.Fatalf("login with correct credentials failed: %v", resp.Error)
	}
	if rpc.AsMap(resp.Result)["clientId"] == nil {
		t.Errorf("login response = %+v, want a clientId", resp.Result)
	}

	req := rpc.NewRequestMessage(3, "some/path", "get", nil)
	if err := rpc.SendMessage(clientConn, req); err != nil {
		t.Fatalf("send post-login request: %v", err)
	}

	select {
	case fe := <-harness.frames:
		if fe.Frame.Method() != "get" {
			t.Errorf("forwarded frame method = %q, want get", fe.Frame.Method())
		}
	case <-time.After(time.Second):
		t.Fatal("post-login frame was never forwarded; ClientTask did not reach the operational loop")
	}
}

// TestClientTaskBadLoginClosesConnection pins spec.md §8 scenario D: a
// failed login gets exactly one MethodCallException response, the
// connection is closed, and exactly one ClientGoneEvent is emitted.
func TestClientTaskBadLoginClosesConnection(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	harness := newFakeBrokerHarness("secret")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go harness.run(ctx)

	ct := NewClientTask(1, serverConn, harness.events, logging.Discard(), nil)
	go ct.Run(ctx)

	reader := rpc.NewFrameReader(clientConn)
	resp := sendLogin(t, clientConn, reader, "alice", "wrong-password", "PLAIN")
	if resp.Error == nil || resp.Error.Code != rpc.ErrMethodCallException {
		t.Fatalf("bad login response = %+v, want a MethodCallException error", resp.Error)
	}

	select {
	case <-harness.gone:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ClientGoneEvent after a failed login")
	}
	select {
	case <-harness.gone:
		t.Fatal("got a second ClientGoneEvent; exactly one is required")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := reader.ReceiveFrame(); err == nil {
		t.Error("expected the connection to be closed after a failed login")
	}
}
