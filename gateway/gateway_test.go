package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/coap-dtls/gateway/internal/dtlsprovider"
)

// echoAssociation is a fake dtlsprovider.Association that treats every
// byte written to its transport as already-plaintext application data:
// no real DTLS framing, so these tests exercise the gateway's demux,
// session bookkeeping and handler dispatch without a real handshake.
type echoAssociation struct {
	transport dtlsprovider.DatagramTransport
	cid       []byte
}

func (a *echoAssociation) Receive(buf []byte, waitMS int, flags dtlsprovider.RecordFlagsFunc) (int, error) {
	_ = a.transport.(interface {
		SetReadDeadline(time.Time) error
	}).SetReadDeadline(time.Now().Add(time.Duration(waitMS) * time.Millisecond))
	n, err := a.transport.Read(buf)
	if err != nil {
		return 0, err
	}
	if flags != nil {
		flags(dtlsprovider.RecordFlags{IsNewest: true, UsesConnectionID: len(a.cid) > 0})
	}
	return n, nil
}

func (a *echoAssociation) ReceivePending([]byte, dtlsprovider.RecordFlagsFunc) (int, error) {
	return 0, nil
}

func (a *echoAssociation) Send(b []byte) error {
	_, err := a.transport.Write(b)
	return err
}

func (a *echoAssociation) ReceiveLimit() int { return a.transport.ReceiveLimit() }

func (a *echoAssociation) Close(notifyPeer bool) error { return a.transport.Close() }

func (a *echoAssociation) ConnectionID() ([]byte, bool) { return a.cid, len(a.cid) > 0 }

func (a *echoAssociation) ConnectionInfo() map[string]interface{} {
	return map[string]interface{}{"identity": "test-psk"}
}

// fakeProtocol completes every Accept immediately, optionally assigning
// a fixed Connection ID to every session it accepts.
type fakeProtocol struct {
	cid []byte
}

func (p *fakeProtocol) Accept(ctx context.Context, transport dtlsprovider.DatagramTransport) (dtlsprovider.Association, error) {
	// A real DTLS handshake consumes the ClientHello (and any
	// retransmissions) already queued on transport before Accept
	// returns. Mirror that here so the first post-accept Receive sees
	// application data, not leftover handshake bytes.
	if pending, ok := transport.(interface{ Pending() int }); ok {
		scratch := make([]byte, transport.ReceiveLimit())
		for i := 0; i < pending.Pending(); i++ {
			_, _ = transport.Read(scratch)
		}
	}
	return &echoAssociation{transport: transport, cid: p.cid}, nil
}

// upperCaseHandler uppercases every request payload, a stand-in for a
// real CoAP application handler.
type upperCaseHandler struct{}

func (upperCaseHandler) ProcessRequest(ctx context.Context, info ConnectionInfo, payload []byte) ([]byte, error) {
	out := make([]byte, len(payload))
	for i, c := range payload {
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return out, nil
}

func TestGatewayRoundTripsRequestThroughHandler(t *testing.T) {
	gw := New(&fakeProtocol{}, upperCaseHandler{}, WithReapInterval(50*time.Millisecond))
	if err := gw.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer gw.Unbind()

	serverAddr := gw.conn.LocalAddr().(*net.UDPAddr)
	client, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	// A record that recordparser.MayBeClientHello recognises: content
	// type 22 (handshake), handshake message type 1 (ClientHello) at the
	// expected offset, padded to the minimum inspected length.
	clientHello := make([]byte, 25)
	clientHello[0] = 22
	clientHello[13] = 1
	if _, err := client.Write(clientHello); err != nil {
		t.Fatalf("write clienthello: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)

	// Give the gateway a moment to register the handshaking session,
	// then send the application payload over the same "association"
	// (the fake protocol treats Write/Read on the transport as already
	// plaintext, so this second datagram is the request itself).
	time.Sleep(50 * time.Millisecond)
	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("write request: %v", err)
	}

	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if got, want := string(buf[:n]), "HELLO"; got != want {
		t.Errorf("response = %q, want %q", got, want)
	}

	if got := gw.Statistics().HandshakesByResult()["success"]; got != 1 {
		t.Errorf("handshakes_by_result[success] = %d, want 1", got)
	}
}

func TestGatewayDropsNonClientHelloFromUnknownEndpoint(t *testing.T) {
	gw := New(&fakeProtocol{}, upperCaseHandler{})
	if err := gw.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer gw.Unbind()

	serverAddr := gw.conn.LocalAddr().(*net.UDPAddr)
	client, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("not a clienthello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if got := gw.Statistics().PacketsReceivedByType()["invalid"]; got != 1 {
		t.Errorf("packets_received_by_type[invalid] = %d, want 1", got)
	}
	if got := gw.store.GetCount(); got != 0 {
		t.Errorf("session store count = %d, want 0", got)
	}
}

func TestGatewayReapsIdleSession(t *testing.T) {
	gw := New(&fakeProtocol{}, upperCaseHandler{},
		WithSessionTimeout(10*time.Millisecond),
		WithReapInterval(10*time.Millisecond))
	if err := gw.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer gw.Unbind()

	serverAddr := gw.conn.LocalAddr().(*net.UDPAddr)
	client, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	clientHello := make([]byte, 25)
	clientHello[0] = 22
	clientHello[13] = 1
	if _, err := client.Write(clientHello); err != nil {
		t.Fatalf("write clienthello: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if gw.Statistics().SessionsReaped() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("idle session was never reaped")
}
