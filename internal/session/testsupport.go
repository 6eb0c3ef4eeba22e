package session

import (
	"net"
	"time"

	"github.com/coap-dtls/gateway/internal/endpoint"
	"github.com/coap-dtls/gateway/internal/queuetransport"
)

// NewFake builds a Session without driving a real DTLS handshake, for
// tests of components (sessionstore, the gateway demux loop) that only
// need a Session's identity and state, not a live association. state and
// cid are set directly and independently; a non-empty cid does not change
// the state passed in.
func NewFake(ep endpoint.Endpoint, cid []byte, state State) *Session {
	transport := queuetransport.New(ep.UDPAddr(), ep.UDPAddr(), 1500, func(b []byte, to net.Addr) error { return nil })
	s := New(ep, transport, nil)
	if len(cid) > 0 {
		s.cid = cid
		s.hasCID.Store(true)
	}
	s.state.Store(int32(state))
	s.lastReceived = time.Now()
	return s
}

// MarkAcceptedForTest transitions an existing (typically Handshaking)
// fake session to Established, optionally negotiating cid, without
// driving a real DTLS handshake. Used by sessionstore tests that need to
// observe the same Session object move from accepting to established.
func (s *Session) MarkAcceptedForTest(cid []byte) {
	if len(cid) > 0 {
		s.cid = cid
		s.hasCID.Store(true)
	}
	s.state.Store(int32(Established))
}
