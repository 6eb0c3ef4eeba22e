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

// Package recordparser does a cheap, stateless inspection of raw UDP
// payloads to classify them as DTLS records without parsing the full
// record. It never returns an error: malformed or truncated input is
// simply reported as "not a match".
package recordparser

// DTLS ContentType values, RFC 6347 section 4.1 and RFC 9146 section 4.
const (
	contentTypeChangeCipherSpec = 20
	contentTypeAlert            = 21
	contentTypeHandshake        = 22
	contentTypeApplicationData  = 23
	contentTypeTLS12CID         = 25 // RFC 9146 tls12_cid
)

// Handshake message type, RFC 6347 section 4.2.2.
const handshakeTypeClientHello = 1

// minClientHelloLen is the smallest buffer that could plausibly carry a
// DTLS record header (13 bytes: type, version, epoch, sequence number)
// followed by a handshake message header (12 bytes: msg type, length,
// message seq, fragment offset, fragment length) whose first byte we need
// to inspect.
const minClientHelloLen = 25

// clientHelloTypeOffset is the offset of the handshake message type byte
// within a DTLS record that carries a single handshake message: 13 bytes
// of record header, then the first byte of the handshake header.
const clientHelloTypeOffset = 13

// cidHeaderLen is the number of tls12_cid record header bytes preceding
// the CID itself: content type (1) + version (2) + epoch (2) + sequence
// number (6) = content type and the rest of the fixed DTLSCiphertext
// header before the CID, per RFC 9146 section 4.
const cidHeaderLen = 11

// MayBeClientHello reports whether b looks like it could be the start of
// a DTLS ClientHello record. It performs no further validation: a
// positive result is a hint to the caller to attempt a handshake accept,
// not a guarantee the record is well-formed.
func MayBeClientHello(b []byte) bool {
	if len(b) < minClientHelloLen {
		return false
	}
	if b[0] != contentTypeHandshake {
		return false
	}
	return b[clientHelloTypeOffset] == handshakeTypeClientHello
}

// TryGetConnectionID extracts the Connection ID from b if b is a
// tls12_cid record (RFC 9146) carrying a CID of exactly cidLen bytes. It
// returns nil, false if b is too short or is not a tls12_cid record.
//
// The returned slice aliases b; callers that retain it across the next
// mutation of b must copy it.
func TryGetConnectionID(b []byte, cidLen int) ([]byte, bool) {
	if cidLen <= 0 {
		return nil, false
	}
	if len(b) < cidHeaderLen+cidLen {
		return nil, false
	}
	if b[0] != contentTypeTLS12CID {
		return nil, false
	}
	return b[cidHeaderLen : cidHeaderLen+cidLen], true
}
