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

package gateway

import "go.uber.org/atomic"

// HandshakeResult classifies the terminal outcome of a per-session
// handshake task, for the handshakes_by_result counters.
type HandshakeResult int

const (
	HandshakeSuccess HandshakeResult = iota
	HandshakeTLSError
	HandshakeTimedOut
	HandshakeError
)

func (r HandshakeResult) String() string {
	switch r {
	case HandshakeSuccess:
		return "success"
	case HandshakeTLSError:
		return "tls_error"
	case HandshakeTimedOut:
		return "timed_out"
	case HandshakeError:
		return "error"
	default:
		return "unknown"
	}
}

// PacketClass classifies one inbound datagram for the
// packets_received_by_type counters: the two found outcomes of
// sessionstore.FindResult (ByEndpoint, ByConnectionID) plus the three
// outcomes the demux assigns itself to a NotFound datagram (NewSession,
// UnknownCID, Invalid).
type PacketClass int

const (
	PacketByEndpoint PacketClass = iota
	PacketByConnectionID
	PacketNewSession
	PacketUnknownCID
	PacketInvalid
)

func (c PacketClass) String() string {
	switch c {
	case PacketByEndpoint:
		return "by_endpoint"
	case PacketByConnectionID:
		return "by_connection_id"
	case PacketNewSession:
		return "new_session"
	case PacketUnknownCID:
		return "unknown_cid"
	case PacketInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Statistics is a snapshot-friendly set of atomic counters tracking
// gateway activity, built on go.uber.org/atomic typed counters (the
// session package uses standard-library sync/atomic, and sessionstore a
// mutex).
type Statistics struct {
	handshakesByResult [4]atomic.Int64
	packetsReceived    [5]atomic.Int64
	packetsSent        atomic.Int64
	sessionsReaped      atomic.Int64
	sessionsActive      atomic.Int64
}

func newStatistics() *Statistics { return &Statistics{} }

func (s *Statistics) recordHandshake(r HandshakeResult) {
	s.handshakesByResult[r].Inc()
}

func (s *Statistics) recordPacket(c PacketClass) {
	s.packetsReceived[c].Inc()
}

func (s *Statistics) recordSent() { s.packetsSent.Inc() }

func (s *Statistics) recordReaped() {
	s.sessionsReaped.Inc()
	s.sessionsActive.Dec()
}

func (s *Statistics) recordSessionAdded() { s.sessionsActive.Inc() }

// HandshakesByResult returns a snapshot map keyed by HandshakeResult.String().
func (s *Statistics) HandshakesByResult() map[string]int64 {
	out := make(map[string]int64, len(s.handshakesByResult))
	for i := range s.handshakesByResult {
		out[HandshakeResult(i).String()] = s.handshakesByResult[i].Load()
	}
	return out
}

// PacketsReceivedByType returns a snapshot map keyed by PacketClass.String().
func (s *Statistics) PacketsReceivedByType() map[string]int64 {
	out := make(map[string]int64, len(s.packetsReceived))
	for i := range s.packetsReceived {
		out[PacketClass(i).String()] = s.packetsReceived[i].Load()
	}
	return out
}

func (s *Statistics) PacketsSent() int64 { return s.packetsSent.Load() }

func (s *Statistics) SessionsReaped() int64 { return s.sessionsReaped.Load() }

func (s *Statistics) SessionsActive() int64 { return s.sessionsActive.Load() }
