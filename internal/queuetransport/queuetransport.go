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

// Package queuetransport bridges one DTLS session's inbound datagrams,
// fed asynchronously by a shared UDP receive loop, with the blocking
// net.Conn interface a DTLS record layer expects to read and write.
//
// It is the per-session analogue of the channelPacketConn pattern used
// to feed pion/dtls one peer at a time off a shared net.PacketConn.
package queuetransport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Read and Write once the transport has been
// closed. EnqueueReceived never returns an error: a datagram enqueued
// after close is silently dropped, per the "no further enqueue_received"
// contract.
var ErrClosed = errors.New("queuetransport: closed")

// ErrTimeout is returned by Read when no datagram arrives before the
// configured read deadline elapses. It implements net.Error so DTLS
// libraries that special-case timeouts (e.g. to retransmit a flight)
// keep working.
var ErrTimeout = &timeoutError{}

type timeoutError struct{}

func (*timeoutError) Error() string   { return "queuetransport: i/o timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }

// datagram is one inbound payload together with the endpoint it arrived
// from, queued by EnqueueReceived and dequeued by Read.
type datagram struct {
	b    []byte
	from net.Addr
}

// EndpointChangeFunc is invoked, from the goroutine calling
// EnqueueReceived, whenever a datagram arrives from an endpoint that
// differs from the transport's current RemoteAddr. It is a candidate
// notification only: the caller (Session) decides whether and when to
// actually migrate, per the CID migration-commit rule.
type EndpointChangeFunc func(candidate net.Addr)

// Transport is a per-session, in-memory FIFO of inbound datagrams exposed
// as a net.Conn, plus a fire-and-forget Write that forwards outbound bytes
// to a shared send queue.
//
// The receive queue is bounded; once full, EnqueueReceived drops the new
// datagram rather than blocking, so one stalled session's handler can
// never apply backpressure to the shared demultiplexer feeding every
// other session. Dropped counts toward Dropped(); the idle reaper is the
// only relief for a session that stays stalled.
type Transport struct {
	localAddr net.Addr
	send      func(b []byte, to net.Addr) error

	mu          sync.RWMutex
	remoteAddr  net.Addr
	onNewRemote EndpointChangeFunc

	recvCh  chan datagram
	dropped int64
	closed  chan struct{}
	once    sync.Once

	readDeadlineMu sync.Mutex
	readDeadline   time.Time

	mtu int
}

// New creates a Transport whose current remote endpoint is initialEndpoint
// and whose outbound datagrams are handed to send(bytes, currentEndpoint).
// mtu is the network MTU used to derive ReceiveLimit/SendLimit.
func New(localAddr, initialEndpoint net.Addr, mtu int, send func(b []byte, to net.Addr) error) *Transport {
	return &Transport{
		localAddr:  localAddr,
		remoteAddr: initialEndpoint,
		send:       send,
		recvCh:     make(chan datagram, 64),
		closed:     make(chan struct{}),
		mtu:        mtu,
	}
}

// SetEndpointChangeFunc installs the callback invoked when a datagram
// arrives from a new candidate endpoint. Must be called before the
// transport is handed to a concurrently-running receive loop.
func (t *Transport) SetEndpointChangeFunc(f EndpointChangeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onNewRemote = f
}

// CurrentRemoteAddr returns the endpoint outbound writes currently target.
func (t *Transport) CurrentRemoteAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.remoteAddr
}

// SetCurrentRemoteAddr commits an endpoint migration: subsequent Write
// calls (and RemoteAddr) target addr. Callers apply this only after the
// CID migration-commit rule in the session package is satisfied.
func (t *Transport) SetCurrentRemoteAddr(addr net.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteAddr = addr
}

// EnqueueReceived appends a datagram to the FIFO. If source differs from
// the transport's current remote endpoint, the EndpointChangeFunc (if
// set) is invoked with the candidate before the datagram is queued. A
// datagram enqueued after Close is silently dropped, matching the
// spec's "refuse further enqueue_received" contract; so is one enqueued
// while the FIFO is already full, since the caller is the single shared
// inbound loop and must never block on a stalled session.
func (t *Transport) EnqueueReceived(b []byte, source net.Addr) {
	select {
	case <-t.closed:
		return
	default:
	}

	t.mu.RLock()
	current := t.remoteAddr
	onNewRemote := t.onNewRemote
	t.mu.RUnlock()

	if onNewRemote != nil && (current == nil || source.String() != current.String()) {
		onNewRemote(source)
	}

	cp := make([]byte, len(b))
	copy(cp, b)

	select {
	case t.recvCh <- datagram{b: cp, from: source}:
	default:
		atomic.AddInt64(&t.dropped, 1)
	}
}

// Dropped reports how many inbound datagrams were discarded because the
// receive FIFO was full when EnqueueReceived was called.
func (t *Transport) Dropped() int64 {
	return atomic.LoadInt64(&t.dropped)
}

// Pending reports how many datagrams are currently buffered, unread.
// Used by Session.accept to pre-release the receive signal once per
// datagram already queued when the signal primitive is created, which
// avoids a lost wakeup between the handshake's first read and datagrams
// that arrived before the signal existed.
func (t *Transport) Pending() int {
	return len(t.recvCh)
}

// Read blocks until a datagram is available, the read deadline (if any)
// elapses, or the transport is closed. It never returns (0, nil): on
// timeout or close it returns a non-nil error, so a DTLS record layer
// reading through this net.Conn can never mistake "nothing arrived" for
// a legitimate zero-length datagram.
func (t *Transport) Read(b []byte) (int, error) {
	t.readDeadlineMu.Lock()
	dl := t.readDeadline
	t.readDeadlineMu.Unlock()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if !dl.IsZero() {
		d := time.Until(dl)
		if d <= 0 {
			return 0, ErrTimeout
		}
		timer = time.NewTimer(d)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case dgram := <-t.recvCh:
		n := copy(b, dgram.b)
		return n, nil
	case <-t.closed:
		return 0, ErrClosed
	case <-timeoutCh:
		return 0, ErrTimeout
	}
}

// Write forwards b to the shared send queue, addressed to the
// transport's current remote endpoint. It is fire-and-forget: delivery
// failures surface only as logged errors from the outbound task, never
// here.
func (t *Transport) Write(b []byte) (int, error) {
	select {
	case <-t.closed:
		return 0, ErrClosed
	default:
	}
	if err := t.send(b, t.CurrentRemoteAddr()); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close cancels any in-progress Read, refuses further EnqueueReceived
// calls, and is idempotent: calling it twice, or concurrently with a
// blocked Read, never deadlocks or panics.
func (t *Transport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() <-chan struct{} {
	return t.closed
}

func (t *Transport) LocalAddr() net.Addr { return t.localAddr }

func (t *Transport) RemoteAddr() net.Addr { return t.CurrentRemoteAddr() }

func (t *Transport) SetDeadline(dl time.Time) error {
	if err := t.SetReadDeadline(dl); err != nil {
		return err
	}
	return t.SetWriteDeadline(dl)
}

func (t *Transport) SetReadDeadline(dl time.Time) error {
	t.readDeadlineMu.Lock()
	t.readDeadline = dl
	t.readDeadlineMu.Unlock()
	return nil
}

// SetWriteDeadline is a no-op: Write never blocks, it only enqueues.
func (t *Transport) SetWriteDeadline(time.Time) error { return nil }

// receiveLimit/sendLimit overhead constants mirror the spec's MTU
// budget: IPv4 header (20) + UDP header (8), with an extra 64 bytes of
// headroom reserved on the send side for DTLS record/CID overhead.
const (
	ipv4HeaderLen  = 20
	udpHeaderLen   = 8
	sendHeadroom    = 64
	receiveOverhead = ipv4HeaderLen + udpHeaderLen
	sendOverhead    = ipv4HeaderLen + sendHeadroom + udpHeaderLen
)

// ReceiveLimit is the largest datagram this transport can receive given
// the configured MTU.
func (t *Transport) ReceiveLimit() int {
	n := t.mtu - receiveOverhead
	if n < 0 {
		return 0
	}
	return n
}

// SendLimit is the largest datagram this transport should send given the
// configured MTU, leaving headroom for DTLS record and CID overhead.
func (t *Transport) SendLimit() int {
	n := t.mtu - sendOverhead
	if n < 0 {
		return 0
	}
	return n
}
