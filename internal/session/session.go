// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package session owns one DTLS association end to end: the queue
// transport that feeds it datagrams, the negotiated DTLS record object,
// the current and pending remote endpoints, and the lifecycle state
// machine (Handshaking -> Established -> Closed).
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coap-dtls/gateway/internal/dtlsprovider"
	"github.com/coap-dtls/gateway/internal/endpoint"
	"github.com/coap-dtls/gateway/internal/queuetransport"
)

// State is a Session's position in its lifecycle.
type State int

const (
	Handshaking State = iota
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotEstablished is returned by Send if called before the handshake
// has completed.
var ErrNotEstablished = errors.New("session: not established")

// EndpointMigratedFunc is invoked once a session's endpoint has migrated.
// Only sessions with a negotiated CID migrate, and those are not
// endpoint-indexed in the session store, so the callback is
// informational: the store reads Endpoint() directly and needs no update.
type EndpointMigratedFunc func(s *Session, from, to endpoint.Endpoint)

// Session is one DTLS association.
type Session struct {
	initialEndpoint endpoint.Endpoint

	mu          sync.RWMutex
	curEndpoint endpoint.Endpoint
	pending     endpoint.Endpoint
	hasPending  bool

	cid     []byte
	hasCID  atomic.Bool
	cidOnce sync.Once

	state atomic.Int32

	sessionStart time.Time

	lastReceivedMu sync.RWMutex
	lastReceived   time.Time

	transport *queuetransport.Transport

	assoc atomic.Pointer[dtlsprovider.Association]

	connInfoMu sync.RWMutex
	connInfo   map[string]interface{}

	signal chan struct{}

	onMigrate EndpointMigratedFunc
}

// New creates a Handshaking session for a ClientHello observed at
// initialEndpoint, backed by transport.
func New(initialEndpoint endpoint.Endpoint, transport *queuetransport.Transport, onMigrate EndpointMigratedFunc) *Session {
	s := &Session{
		initialEndpoint: initialEndpoint,
		curEndpoint:     initialEndpoint,
		transport:       transport,
		sessionStart:    time.Now(),
		signal:          make(chan struct{}, 1),
		onMigrate:       onMigrate,
	}
	s.lastReceived = s.sessionStart
	s.state.Store(int32(Handshaking))
	transport.SetEndpointChangeFunc(func(candidate net.Addr) {
		s.mu.Lock()
		s.pending = endpoint.FromAddr(candidate)
		s.hasPending = true
		s.mu.Unlock()
	})
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) InitialEndpoint() endpoint.Endpoint { return s.initialEndpoint }

func (s *Session) Endpoint() endpoint.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.curEndpoint
}

func (s *Session) CID() ([]byte, bool) {
	if !s.hasCID.Load() {
		return nil, false
	}
	return s.cid, true
}

func (s *Session) SessionStartTime() time.Time { return s.sessionStart }

func (s *Session) LastReceivedTime() time.Time {
	s.lastReceivedMu.RLock()
	defer s.lastReceivedMu.RUnlock()
	return s.lastReceived
}

func (s *Session) ConnectionInfo() map[string]interface{} {
	s.connInfoMu.RLock()
	defer s.connInfoMu.RUnlock()
	return s.connInfo
}

// Transport exposes the underlying queue transport, primarily so the
// demultiplexer can enqueue datagrams without a type assertion.
func (s *Session) Transport() *queuetransport.Transport { return s.transport }

// EnqueueDatagram is called by the demultiplexer for every inbound UDP
// datagram that routes to this session. It updates LastReceivedTime,
// enqueues the datagram, and releases the receive signal once.
func (s *Session) EnqueueDatagram(b []byte, source endpoint.Endpoint) {
	s.lastReceivedMu.Lock()
	s.lastReceived = time.Now()
	s.lastReceivedMu.Unlock()

	s.transport.EnqueueReceived(b, source)
	s.releaseSignal()
}

func (s *Session) releaseSignal() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Accept drives the DTLS handshake over the session's queue transport to
// completion, using protocol. On success it captures the negotiated CID
// (if any) and connection info and transitions the session to
// Established. It pre-releases the receive signal once per datagram
// already queued at the moment Accept is called, so a ClientHello
// retransmission that arrived before Accept started driving the
// handshake is not lost.
func (s *Session) Accept(ctx context.Context, protocol dtlsprovider.ServerProtocol) error {
	for i := 0; i < s.transport.Pending(); i++ {
		s.releaseSignal()
	}

	assoc, err := protocol.Accept(ctx, s.transport)
	if err != nil {
		return fmt.Errorf("session: accept failed: %w", err)
	}

	if cid, ok := assoc.ConnectionID(); ok {
		s.cidOnce.Do(func() {
			s.cid = cid
			s.hasCID.Store(true)
		})
	}
	s.connInfoMu.Lock()
	s.connInfo = assoc.ConnectionInfo()
	s.connInfoMu.Unlock()

	s.assoc.Store(&assoc)
	s.state.Store(int32(Established))
	return nil
}

// receiveWaitMillis is the bounded wait passed to the DTLS provider on
// each poll: long enough to avoid busy-looping, short enough that a
// spurious signal wakeup or cancellation is noticed promptly.
const receiveWaitMillis = 1

// Receive returns one decrypted application payload, or an error once
// ctx is cancelled or the association fails. It drains any record
// already buffered inside the provider first, then waits on the receive
// signal, then polls the provider with a short bounded wait; this mirrors
// the bridge a blocking DTLS record API needs over an asynchronously fed
// transport (spec design note: "blocking record API over async sockets").
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	assocPtr := s.assoc.Load()
	if assocPtr == nil {
		return nil, ErrNotEstablished
	}
	assoc := *assocPtr

	buf := make([]byte, assoc.ReceiveLimit())
	for {
		if n, err := assoc.ReceivePending(buf, s.recordFlagsCallback); err != nil {
			return nil, err
		} else if n > 0 {
			return buf[:n], nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.signal:
		case <-time.After(receiveWaitMillis * time.Millisecond):
		}

		n, err := assoc.Receive(buf, receiveWaitMillis, s.recordFlagsCallback)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, err
		}
		if n > 0 {
			return buf[:n], nil
		}
	}
}

// recordFlagsCallback implements the CID migration-commit rule (RFC 9146
// section 6): a pending endpoint observed on a prior datagram is applied
// to the session's current endpoint only once a record from that source
// has been decrypted, is the newest record seen, and was protected with
// the negotiated CID.
func (s *Session) recordFlagsCallback(flags dtlsprovider.RecordFlags) {
	if !flags.IsNewest || !flags.UsesConnectionID {
		return
	}
	s.mu.Lock()
	if !s.hasPending || s.pending == s.curEndpoint {
		s.mu.Unlock()
		return
	}
	from := s.curEndpoint
	to := s.pending
	s.curEndpoint = to
	s.hasPending = false
	s.mu.Unlock()

	s.transport.SetCurrentRemoteAddr(to.UDPAddr())
	if s.onMigrate != nil {
		s.onMigrate(s, from, to)
	}
}

// Send forwards payload to the DTLS provider. It fails if the handshake
// has not yet completed.
func (s *Session) Send(payload []byte) error {
	assocPtr := s.assoc.Load()
	if assocPtr == nil {
		return ErrNotEstablished
	}
	return (*assocPtr).Send(payload)
}

// Close tears down the session. If notifyPeer is false, or no DTLS
// association exists yet (handshake never completed), the queue
// transport is closed first so the provider cannot emit a closing alert
// over a dead transport; the association is then closed.
func (s *Session) Close(notifyPeer bool) error {
	s.state.Store(int32(Closed))

	assocPtr := s.assoc.Load()
	if !notifyPeer || assocPtr == nil {
		_ = s.transport.Close()
	}
	if assocPtr == nil {
		return nil
	}
	return (*assocPtr).Close(notifyPeer)
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	var t timeout
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return false
}
