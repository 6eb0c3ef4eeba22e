package sessionstore

import (
	"errors"
	"net"
	"testing"

	"github.com/coap-dtls/gateway/internal/endpoint"
	"github.com/coap-dtls/gateway/internal/session"
)

func ep(ip string, port int) endpoint.Endpoint {
	return endpoint.FromUDPAddr(&net.UDPAddr{IP: net.ParseIP(ip), Port: port})
}

// TestLookupOnEmptyStore is scenario (a).
func TestLookupOnEmptyStore(t *testing.T) {
	st := New()
	ep1 := ep("172.0.0.11", 1111)

	if _, res := st.TryFind(ep1, nil); res != NotFound {
		t.Errorf("TryFind(ep1, nil) = %v, want NotFound", res)
	}
	if _, res := st.TryFind(ep1, []byte("deadbeef")); res != NotFound {
		t.Errorf("TryFind(ep1, deadbeef) = %v, want NotFound", res)
	}
}

// TestSessionWithCIDMigratingEndpoints is scenario (b): add session S at
// ep1, accept it with a CID, then confirm it is found by CID from any
// endpoint and no longer found by its original endpoint.
func TestSessionWithCIDMigratingEndpoints(t *testing.T) {
	st := New()
	ep1 := ep("172.0.0.11", 1111)
	ep2 := ep("172.0.0.22", 2222)
	cid := []byte("deadbeef")

	s := session.NewFake(ep1, nil, session.Handshaking)
	if err := st.Add(s); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.MarkAcceptedForTest(cid)
	if err := st.NotifySessionAccepted(s); err != nil {
		t.Fatalf("NotifySessionAccepted: %v", err)
	}

	if found, res := st.TryFind(ep2, cid); res != FoundByConnectionId || found != s {
		t.Errorf("TryFind(ep2, cid) = %v, %v; want s, FoundByConnectionId", found, res)
	}
	if _, res := st.TryFind(ep1, nil); res != NotFound {
		t.Errorf("TryFind(ep1, nil) after cid-only establishment = %v, want NotFound", res)
	}
}

// TestEndpointReuseAfterMigration is scenario (c).
func TestEndpointReuseAfterMigration(t *testing.T) {
	st := New()
	ep1 := ep("172.0.0.11", 1111)
	cid := []byte("deadbeef")

	s1 := session.NewFake(ep1, cid, session.Established)
	if err := st.NotifySessionAccepted(s1); err != nil {
		t.Fatalf("NotifySessionAccepted(s1): %v", err)
	}

	s2 := session.NewFake(ep1, nil, session.Handshaking)
	if err := st.Add(s2); err != nil {
		t.Fatalf("Add(s2): %v", err)
	}

	if found, res := st.TryFind(ep1, cid); res != FoundByConnectionId || found != s1 {
		t.Errorf("TryFind(ep1, cid) = %v, %v; want s1, FoundByConnectionId", found, res)
	}
	if found, res := st.TryFind(ep1, nil); res != FoundByEndpoint || found != s2 {
		t.Errorf("TryFind(ep1, nil) = %v, %v; want s2, FoundByEndpoint", found, res)
	}
}

// TestDuplicateCIDRejection is scenario (d).
func TestDuplicateCIDRejection(t *testing.T) {
	st := New()
	ep1 := ep("172.0.0.11", 1111)
	ep2 := ep("172.0.0.22", 2222)
	cid := []byte("deadbeef")

	s1 := session.NewFake(ep1, cid, session.Established)
	if err := st.NotifySessionAccepted(s1); err != nil {
		t.Fatalf("NotifySessionAccepted(s1): %v", err)
	}

	s2 := session.NewFake(ep2, cid, session.Established)
	err := st.NotifySessionAccepted(s2)
	if !errors.Is(err, ErrDuplicateCID) {
		t.Fatalf("NotifySessionAccepted(s2) = %v, want ErrDuplicateCID", err)
	}
	st.Remove(s2)

	if found, res := st.TryFind(ep2, cid); res != FoundByConnectionId || found != s1 {
		t.Errorf("TryFind(ep2, cid) = %v, %v; want s1, FoundByConnectionId", found, res)
	}
}

// Scenario (e) is covered by TestMayBeClientHello in the recordparser
// package; sessionstore does not use recordparser, so it is not
// duplicated here.

func TestSessionAppearsInExactlyOneIndex(t *testing.T) {
	st := New()
	ep1 := ep("10.0.0.1", 1000)
	s := session.NewFake(ep1, nil, session.Handshaking)
	if err := st.Add(s); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got, want := st.GetCount(), 1; got != want {
		t.Fatalf("GetCount() = %d, want %d", got, want)
	}

	cid := []byte{1, 2, 3, 4}
	estSession := session.NewFake(ep1, cid, session.Established)
	if err := st.NotifySessionAccepted(estSession); err != nil {
		t.Fatalf("NotifySessionAccepted: %v", err)
	}
	// s (handshaking, added above under its own identity) and estSession
	// (established-with-cid, a separate session sharing ep1) may coexist:
	// this is the one permitted overlap. NotifySessionAccepted(estSession)
	// only ever deletes estSession's own identity from accepting_by_endpoint
	// (a no-op here, since estSession was never Added), so s is untouched.
	if got, want := st.GetCount(), 2; got != want {
		t.Fatalf("GetCount() after coexisting handshake+established = %d, want %d", got, want)
	}
}

func TestRemoveThenLookupNeverReturnsSession(t *testing.T) {
	st := New()
	ep1 := ep("10.0.0.2", 2000)
	s := session.NewFake(ep1, nil, session.Established)
	if err := st.NotifySessionAccepted(s); err != nil {
		t.Fatalf("NotifySessionAccepted: %v", err)
	}
	st.Remove(s)

	if _, res := st.TryFind(ep1, nil); res != NotFound {
		t.Errorf("TryFind after Remove = %v, want NotFound", res)
	}
	if got := st.GetCount(); got != 0 {
		t.Errorf("GetCount() after Remove = %d, want 0", got)
	}
}

func TestCIDLengthPinnedOnFirstAccept(t *testing.T) {
	st := New()
	ep1 := ep("10.0.0.3", 3000)
	ep2 := ep("10.0.0.4", 4000)

	s1 := session.NewFake(ep1, []byte{1, 2, 3, 4}, session.Established)
	if err := st.NotifySessionAccepted(s1); err != nil {
		t.Fatalf("NotifySessionAccepted(s1): %v", err)
	}
	if n, ok := st.CIDLength(); !ok || n != 4 {
		t.Fatalf("CIDLength() = %d, %v; want 4, true", n, ok)
	}

	s2 := session.NewFake(ep2, []byte{1, 2, 3}, session.Established)
	err := st.NotifySessionAccepted(s2)
	if !errors.Is(err, ErrCIDLengthMismatch) {
		t.Errorf("NotifySessionAccepted(s2) with mismatched cid length = %v, want ErrCIDLengthMismatch", err)
	}
}

func TestAddRejectsEndpointAlreadyHandshaking(t *testing.T) {
	st := New()
	ep1 := ep("10.0.0.5", 5000)
	s1 := session.NewFake(ep1, nil, session.Handshaking)
	if err := st.Add(s1); err != nil {
		t.Fatalf("Add(s1): %v", err)
	}
	s2 := session.NewFake(ep1, nil, session.Handshaking)
	if err := st.Add(s2); !errors.Is(err, ErrEndpointInUse) {
		t.Errorf("Add(s2) = %v, want ErrEndpointInUse", err)
	}
}

func TestDuplicateEndpointRejectedOnAccept(t *testing.T) {
	st := New()
	ep1 := ep("10.0.0.6", 6000)
	s1 := session.NewFake(ep1, nil, session.Established)
	if err := st.NotifySessionAccepted(s1); err != nil {
		t.Fatalf("NotifySessionAccepted(s1): %v", err)
	}
	s2 := session.NewFake(ep1, nil, session.Established)
	if err := st.NotifySessionAccepted(s2); !errors.Is(err, ErrDuplicateEndpoint) {
		t.Errorf("NotifySessionAccepted(s2) = %v, want ErrDuplicateEndpoint", err)
	}
}
