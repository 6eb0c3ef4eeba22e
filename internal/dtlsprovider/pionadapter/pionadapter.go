// Package pionadapter implements dtlsprovider.ServerProtocol/Association
// on top of github.com/pion/dtls/v2, the DTLS 1.2 (RFC 6347) library this
// repository delegates all record and handshake cryptography to.
//
// pion/dtls/v2 does not expose per-record "is this the newest record"
// classification or a connection-ID capability as first-class API; where
// the spec's abstract DTLS provider interface (section 6) calls for a
// capability the concrete library may or may not implement, this package
// queries it via an optional-interface type assertion (the "capability
// tag" pattern spec section 9's design notes call for) instead of a
// deep type hierarchy, and degrades gracefully when the capability is
// absent.
package pionadapter

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/dtls/v2"

	"github.com/coap-dtls/gateway/internal/dtlsprovider"
)

// ServerProtocol drives pion/dtls server handshakes.
type ServerProtocol struct {
	Config *dtls.Config
}

// connectionIDCapable is the optional capability a pion/dtls Conn exposes
// when RFC 9146 Connection IDs were negotiated for the association.
type connectionIDCapable interface {
	ConnectionID() []byte
}

// connectionInfoCapable is the optional capability a pion/dtls Conn
// exposes for publishing handshake-derived metadata (PSK identity hint,
// negotiated protocol, peer certificates).
type connectionInfoCapable interface {
	ConnectionState() dtls.State
}

// Accept drives a full DTLS server handshake over transport and returns
// an Association wrapping the resulting *dtls.Conn. It blocks until the
// handshake completes, fails, or ctx is cancelled.
func (p *ServerProtocol) Accept(ctx context.Context, transport dtlsprovider.DatagramTransport) (dtlsprovider.Association, error) {
	conn, ok := transport.(net.Conn)
	if !ok {
		return nil, fmt.Errorf("pionadapter: transport %T does not implement net.Conn", transport)
	}
	dtlsConn, err := dtls.ServerWithContext(ctx, conn, p.Config)
	if err != nil {
		return nil, fmt.Errorf("pionadapter: dtls handshake failed: %w", err)
	}
	return &association{conn: dtlsConn, receiveLimit: transport.ReceiveLimit()}, nil
}

func deadlineFromMillis(waitMS int) time.Time {
	return time.Now().Add(time.Duration(waitMS) * time.Millisecond)
}

type association struct {
	conn         *dtls.Conn
	receiveLimit int
}

// Receive blocks for up to waitMS milliseconds for one decrypted record.
//
// pion/dtls does not report per-record epoch/sequence "newest" ranking
// to callers (it applies RFC 6347 anti-replay filtering internally and
// only ever surfaces records it accepted), so every successfully read
// record is reported IsNewest: true here; a record that was not newest
// is simply never returned by the library at all. UsesConnectionID is
// derived from the connectionIDCapable capability tag.
func (a *association) Receive(buf []byte, waitMS int, flags dtlsprovider.RecordFlagsFunc) (int, error) {
	if waitMS > 0 {
		_ = a.conn.SetReadDeadline(deadlineFromMillis(waitMS))
	}
	n, err := a.conn.Read(buf)
	if err != nil {
		return 0, err
	}
	if flags != nil {
		_, hasCID := a.connectionID()
		flags(dtlsprovider.RecordFlags{IsNewest: true, UsesConnectionID: hasCID})
	}
	return n, nil
}

// ReceivePending never has a buffered record distinct from Receive: the
// pion/dtls public API has no separate "drain what's already decrypted"
// primitive, Read already returns buffered application data before
// touching the network. It therefore always reports (0, nil).
func (a *association) ReceivePending([]byte, dtlsprovider.RecordFlagsFunc) (int, error) {
	return 0, nil
}

func (a *association) Send(buf []byte) error {
	_, err := a.conn.Write(buf)
	return err
}

func (a *association) ReceiveLimit() int {
	return a.receiveLimit
}

func (a *association) Close(notifyPeer bool) error {
	// pion/dtls always sends a close_notify alert on Close when the
	// underlying transport is still writable; notifyPeer=false is
	// honored by the session package closing the queue transport first,
	// which makes the subsequent alert write a no-op error we can
	// safely swallow here.
	err := a.conn.Close()
	if !notifyPeer && err != nil {
		return nil
	}
	return err
}

func (a *association) connectionID() ([]byte, bool) {
	if cidConn, ok := any(a.conn).(connectionIDCapable); ok {
		if cid := cidConn.ConnectionID(); len(cid) > 0 {
			return cid, true
		}
	}
	return nil, false
}

func (a *association) ConnectionID() ([]byte, bool) {
	return a.connectionID()
}

func (a *association) ConnectionInfo() map[string]interface{} {
	info := map[string]interface{}{
		"remoteAddr": a.conn.RemoteAddr().String(),
		"localAddr":  a.conn.LocalAddr().String(),
	}
	if stateConn, ok := any(a.conn).(connectionInfoCapable); ok {
		state := stateConn.ConnectionState()
		if len(state.IdentityHint) > 0 {
			info["pskIdentityHint"] = string(state.IdentityHint)
		}
		info["negotiatedProtocol"] = state.NegotiatedProtocol
		info["version"] = state.Version
	}
	return info
}
