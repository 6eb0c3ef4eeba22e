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

// Package gateway owns the UDP socket, demultiplexes inbound datagrams
// across a sessionstore.Store, and supervises the handshake, receive and
// reaper tasks for every DTLS session it accepts. It is the component
// spec section 4.5 describes as "the transport"; it is named Gateway
// here since "transport" is already the per-session net.Conn adapter.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/coap-dtls/gateway/internal/dtlsprovider"
	"github.com/coap-dtls/gateway/internal/endpoint"
	"github.com/coap-dtls/gateway/internal/queuetransport"
	"github.com/coap-dtls/gateway/internal/recordparser"
	"github.com/coap-dtls/gateway/internal/session"
	"github.com/coap-dtls/gateway/internal/sessionstore"
)

// ConnectionInfo is the subset of a session's identity and DTLS metadata
// exposed to a Handler, so the CoAP-level application logic never needs
// to import the session package directly.
type ConnectionInfo struct {
	Endpoint   endpoint.Endpoint
	CID        []byte
	Properties map[string]interface{}
}

// Handler is the external collaborator spec section 6 calls out: given
// one decrypted CoAP request datagram for a session, it returns the
// response datagram to encrypt and send back, or an error to log (no
// response is sent on error).
type Handler interface {
	ProcessRequest(ctx context.Context, info ConnectionInfo, payload []byte) ([]byte, error)
}

type outboundDatagram struct {
	b  []byte
	to net.Addr
}

// Gateway binds one UDP socket, accepts DTLS sessions over it using a
// dtlsprovider.ServerProtocol, and dispatches decrypted CoAP datagrams to
// a Handler.
type Gateway struct {
	cfg      Config
	protocol dtlsprovider.ServerProtocol
	handler  Handler

	store *sessionstore.Store
	stats *Statistics

	conn   net.PacketConn
	connMu sync.RWMutex

	sendCh chan outboundDatagram

	handshakeSem *semaphore.Weighted

	group  *errgroup.Group
	cancel context.CancelFunc

	log logrus.FieldLogger
}

// New constructs a Gateway. protocol drives DTLS handshakes for every
// accepted session; handler processes decrypted application datagrams.
func New(protocol dtlsprovider.ServerProtocol, handler Handler, opts ...Option) *Gateway {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Gateway{
		cfg:          cfg,
		protocol:     protocol,
		handler:      handler,
		store:        sessionstore.New(),
		stats:        newStatistics(),
		sendCh:       make(chan outboundDatagram, 256),
		handshakeSem: semaphore.NewWeighted(cfg.MaxSimultaneousHandshakes),
		log:          cfg.Logger,
	}
}

// Statistics returns the gateway's live counters.
func (g *Gateway) Statistics() *Statistics { return g.stats }

// Bind opens a dual-stack UDP socket on addr and starts the inbound,
// outbound and reaper tasks. On Windows this also disables
// SIO_UDP_CONNRESET, since a prior ICMP port-unreachable otherwise fails
// the next ReadFrom on the same socket (see conn_windows.go).
func (g *Gateway) Bind(addr string) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("gateway: bind %s: %w", addr, err)
	}
	if err := disableConnReset(pc); err != nil {
		g.log.WithError(err).Warn("failed to disable connreset behaviour")
	}

	g.connMu.Lock()
	g.conn = pc
	g.connMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	group, ctx := errgroup.WithContext(ctx)
	g.group = group

	group.Go(func() error { return g.inboundLoop(ctx, pc) })
	group.Go(func() error { return g.outboundLoop(ctx, pc) })
	group.Go(func() error { return g.reapLoop(ctx) })

	g.log.WithField("addr", pc.LocalAddr()).Info("gateway bound")
	return nil
}

// Unbind drains the outbound queue for up to cfg.UnbindDrainTimeout,
// cancels the supervised tasks, and closes the socket. It blocks until
// every task has returned.
func (g *Gateway) Unbind() error {
	g.connMu.RLock()
	pc := g.conn
	g.connMu.RUnlock()
	if pc == nil || g.cancel == nil {
		return nil
	}

	deadline := time.After(g.cfg.UnbindDrainTimeout)
drain:
	for {
		select {
		case <-deadline:
			break drain
		default:
			if len(g.sendCh) == 0 {
				break drain
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	g.cancel()
	err := g.group.Wait()
	closeErr := pc.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return closeErr
}

// inboundLoop is the demultiplexer spec section 4.5 specifies: classify
// every inbound datagram by recordparser + sessionstore.TryFind, either
// feed it to an existing session, spin up a new Handshaking session for
// a ClientHello, or drop it.
func (g *Gateway) inboundLoop(ctx context.Context, pc net.PacketConn) error {
	buf := make([]byte, g.cfg.NetworkMTU)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = pc.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			g.log.WithError(err).Warn("inbound read failed")
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		g.dispatchInbound(ctx, datagram, from)
	}
}

func (g *Gateway) dispatchInbound(ctx context.Context, b []byte, from net.Addr) {
	ep := endpoint.FromAddr(from)

	var cid []byte
	if cidLen, ok := g.store.CIDLength(); ok {
		if c, found := recordparser.TryGetConnectionID(b, cidLen); found {
			cid = append([]byte(nil), c...)
		}
	}

	s, result := g.store.TryFind(ep, cid)
	switch result {
	case sessionstore.FoundByConnectionId:
		g.stats.recordPacket(PacketByConnectionID)
		s.EnqueueDatagram(b, ep)
		return
	case sessionstore.FoundByEndpoint:
		g.stats.recordPacket(PacketByEndpoint)
		s.EnqueueDatagram(b, ep)
		return
	}

	// result is NotFound here. A CID-bearing datagram that matched no
	// session is an unknown connection ID, counted separately from a
	// plain unmatched endpoint (spec section 4.5); it is never treated
	// as a candidate ClientHello.
	if len(cid) > 0 {
		g.stats.recordPacket(PacketUnknownCID)
		g.log.WithField("endpoint", ep).Debug("dropping datagram with unknown connection id")
		return
	}

	if !recordparser.MayBeClientHello(b) {
		g.stats.recordPacket(PacketInvalid)
		return
	}
	g.stats.recordPacket(PacketNewSession)
	g.acceptNewSession(ctx, ep, b)
}

// acceptNewSession registers a fresh Handshaking session for a ClientHello
// observed at ep, enqueues the triggering datagram, and launches its
// handshake task. A full handshake semaphore causes the ClientHello to be
// silently dropped, matching spec section 4.5's "reject without reply"
// behaviour under load.
func (g *Gateway) acceptNewSession(ctx context.Context, ep endpoint.Endpoint, first []byte) {
	if !g.handshakeSem.TryAcquire(1) {
		g.log.WithField("endpoint", ep).Warn("max simultaneous handshakes reached, dropping clienthello")
		return
	}

	transport := queuetransport.New(nil, ep.UDPAddr(), g.cfg.NetworkMTU, g.enqueueSend)
	s := session.New(ep, transport, g.onSessionMigrated)
	if err := g.store.Add(s); err != nil {
		g.handshakeSem.Release(1)
		g.log.WithError(err).WithField("endpoint", ep).Debug("could not register handshaking session")
		return
	}
	g.stats.recordSessionAdded()
	s.EnqueueDatagram(first, ep)

	g.group.Go(func() error {
		g.runSession(ctx, s, func() { g.handshakeSem.Release(1) })
		return nil
	})
}

func (g *Gateway) onSessionMigrated(s *session.Session, from, to endpoint.Endpoint) {
	g.log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("session endpoint migrated")
}

// runSession drives one session's handshake and, on success, its
// receive/handle/send loop until the session closes or ctx is cancelled.
// releaseHandshakeSlot is called the moment Accept returns, success or
// failure, so MaxSimultaneousHandshakes bounds handshakes in flight, not
// the lifetime of every session it ever admitted.
func (g *Gateway) runSession(ctx context.Context, s *session.Session, releaseHandshakeSlot func()) {
	err := s.Accept(ctx, g.protocol)
	releaseHandshakeSlot()
	if err != nil {
		g.store.Remove(s)
		g.stats.recordReaped()
		if errors.Is(ctx.Err(), context.Canceled) {
			g.stats.recordHandshake(HandshakeTimedOut)
		} else {
			g.stats.recordHandshake(HandshakeTLSError)
		}
		g.log.WithError(err).WithField("endpoint", s.Endpoint()).Debug("handshake failed")
		return
	}
	g.stats.recordHandshake(HandshakeSuccess)

	if err := g.store.NotifySessionAccepted(s); err != nil {
		g.log.WithError(err).WithField("endpoint", s.Endpoint()).Warn("session accepted but could not be indexed, closing")
		_ = s.Close(true)
		g.store.Remove(s)
		g.stats.recordReaped()
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = s.Close(true)
			g.store.Remove(s)
			g.stats.recordReaped()
			return
		default:
		}

		payload, err := s.Receive(ctx)
		if err != nil {
			if s.State() == session.Closed {
				// Already torn down, e.g. by the reaper racing this
				// receive; nothing left to clean up.
				return
			}
			// Peer close_notify, a fatal DTLS alert, a decrypt failure,
			// or ctx cancellation: the association is done, so exit and
			// clean up instead of re-polling Receive forever.
			_ = s.Close(ctx.Err() == nil)
			g.store.Remove(s)
			g.stats.recordReaped()
			if ctx.Err() == nil {
				g.log.WithError(err).WithField("endpoint", s.Endpoint()).Debug("session receive failed, closing")
			}
			return
		}

		cid, _ := s.CID()
		info := ConnectionInfo{Endpoint: s.Endpoint(), CID: cid, Properties: s.ConnectionInfo()}
		resp, err := g.handler.ProcessRequest(ctx, info, payload)
		if err != nil {
			g.log.WithError(err).WithField("endpoint", s.Endpoint()).Warn("handler failed")
			continue
		}
		if resp == nil {
			continue
		}
		if err := s.Send(resp); err != nil {
			g.log.WithError(err).WithField("endpoint", s.Endpoint()).Warn("send failed")
		}
	}
}

func (g *Gateway) enqueueSend(b []byte, to net.Addr) error {
	select {
	case g.sendCh <- outboundDatagram{b: b, to: to}:
		return nil
	default:
		return errors.New("gateway: send queue full")
	}
}

func (g *Gateway) outboundLoop(ctx context.Context, pc net.PacketConn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-g.sendCh:
			if _, err := pc.WriteTo(d.b, d.to); err != nil {
				g.log.WithError(err).WithField("to", d.to).Warn("outbound write failed")
				continue
			}
			g.stats.recordSent()
		}
	}
}

// reapLoop periodically scans every session and closes those that have
// exceeded their inactivity timeout, per spec section 4.5: sessions
// without a negotiated CID are reaped after SessionTimeout, those with a
// CID after SessionTimeoutWithCID, and notifyPeer is set only when the
// session never negotiated a CID (a CID-bearing peer is assumed to still
// be reachable at a different endpoint, so a closing alert would likely
// be wasted or misdirected).
func (g *Gateway) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.reapOnce()
		}
	}
}

func (g *Gateway) reapOnce() {
	now := time.Now()
	for _, s := range g.store.GetSessions() {
		_, hasCID := s.CID()
		timeout := g.cfg.SessionTimeout
		if hasCID {
			timeout = g.cfg.SessionTimeoutWithCID
		}
		if now.Sub(s.LastReceivedTime()) < timeout {
			continue
		}
		g.store.Remove(s)
		g.stats.recordReaped()
		_ = s.Close(!hasCID)
	}
}
