// Package dtlsprovider is the boundary between the session-management
// core and the external DTLS record/handshake state machine (spec section
// 6, "DTLS provider interface"). The core never touches DTLS
// cryptography directly; it drives a ServerProtocol/Association pair
// implemented in terms of a concrete library (see pionadapter).
package dtlsprovider

import "context"

// RecordFlags describes metadata the provider attaches to a decrypted
// record, reported via the callback passed to Association.Receive and
// Association.ReceivePending.
type RecordFlags struct {
	// IsNewest is true if this record has the highest epoch/sequence
	// number seen so far for the association (RFC 6347 anti-replay
	// ordering).
	IsNewest bool
	// UsesConnectionID is true if the record was protected using the
	// negotiated Connection ID (RFC 9146).
	UsesConnectionID bool
}

// RecordFlagsFunc is invoked once per successfully decrypted record.
type RecordFlagsFunc func(RecordFlags)

// Association is one established (or establishing) DTLS connection, as
// returned by ServerProtocol.Accept. Receive and Send operate on
// plaintext application data; the provider handles all record framing,
// retransmission and alerts internally.
type Association interface {
	// Receive blocks up to waitMS milliseconds for one decrypted record.
	// It returns the number of bytes copied into buf. flags, if
	// non-nil, is called with the record's classification before
	// Receive returns.
	Receive(buf []byte, waitMS int, flags RecordFlagsFunc) (int, error)
	// ReceivePending drains a record already buffered inside the
	// provider without waiting on the network, or returns (0, nil) if
	// none is buffered.
	ReceivePending(buf []byte, flags RecordFlagsFunc) (int, error)
	// Send encrypts and transmits buf as one or more records.
	Send(buf []byte) error
	// ReceiveLimit is the largest plaintext payload Receive can return.
	ReceiveLimit() int
	// Close tears down the association. notifyPeer requests a closing
	// alert be sent, if the transport underneath is still usable.
	Close(notifyPeer bool) error
	// ConnectionID returns the negotiated RFC 9146 Connection ID, if
	// any.
	ConnectionID() ([]byte, bool)
	// ConnectionInfo returns provider-published metadata about the
	// negotiated association (e.g. PSK identity hint), valid once
	// Accept has returned successfully.
	ConnectionInfo() map[string]interface{}
}

// DatagramTransport is the minimal shape ServerProtocol needs from the
// per-session queue transport: a net.Conn's Read/Write/Close plus the
// MTU-derived byte budgets spec section 4.2 requires it to report.
type DatagramTransport interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	ReceiveLimit() int
	SendLimit() int
}

// ServerProtocol drives a DTLS handshake to completion over a
// DatagramTransport, the server-side analogue of a
// DtlsServerProtocol.Accept operation.
type ServerProtocol interface {
	Accept(ctx context.Context, transport DatagramTransport) (Association, error)
}
