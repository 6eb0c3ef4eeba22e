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

// Package sessionstore is the concurrent multi-index map from
// {remote endpoint, Connection ID} to *session.Session: the three
// logical partitions (handshaking, established-without-CID,
// established-with-CID) and the lookup precedence spec section 4.4
// defines as the "strict" variant.
package sessionstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/coap-dtls/gateway/internal/endpoint"
	"github.com/coap-dtls/gateway/internal/session"
)

var (
	// ErrEndpointInUse is returned by Add when endpoint already has a
	// handshaking or established-without-CID session registered.
	ErrEndpointInUse = errors.New("sessionstore: endpoint in use")
	// ErrDuplicateCID is returned by NotifySessionAccepted when another
	// established session already holds the same CID. The caller must
	// Remove the offending (losing) session to restore the invariant.
	ErrDuplicateCID = errors.New("sessionstore: duplicate connection id")
	// ErrDuplicateEndpoint is returned by NotifySessionAccepted when
	// another established-without-CID session already holds the
	// session's endpoint.
	ErrDuplicateEndpoint = errors.New("sessionstore: duplicate endpoint")
	// ErrCIDLengthMismatch is returned by NotifySessionAccepted when the
	// session's CID length does not match the length pinned by the
	// first session ever accepted with a CID.
	ErrCIDLengthMismatch = errors.New("sessionstore: cid length mismatch")
)

// cidKey is the map key for established_by_cid: a fixed-length CID is
// copied into a string so it can be used as a map key.
type cidKey string

// FindResult classifies the outcome of Store.TryFind, per spec section
// 4.4's strict lookup variant.
type FindResult int

const (
	// NotFound means no session, handshaking or established, claims
	// this (endpoint, cid) combination.
	NotFound FindResult = iota
	// FoundByEndpoint means the session was located by its registered
	// endpoint (either handshaking, or established without a CID).
	FoundByEndpoint
	// FoundByConnectionId means the session was located by its
	// negotiated Connection ID.
	FoundByConnectionId
)

func (r FindResult) String() string {
	switch r {
	case NotFound:
		return "NotFound"
	case FoundByEndpoint:
		return "FoundByEndpoint"
	case FoundByConnectionId:
		return "FoundByConnectionId"
	default:
		return "Unknown"
	}
}

// Store is the concurrent multi-index session map described by spec
// section 4.4. All mutating operations (Add, NotifySessionAccepted,
// Remove) and TryFind hold mu across the composite map accesses: the
// three maps must be read as a single consistent snapshot, which a
// coarse mutex held only across these boundaries provides cheaply
// without requiring a lock-free multi-map structure.
type Store struct {
	mu sync.RWMutex

	acceptingByEndpoint    map[endpoint.Endpoint]*session.Session
	establishedByEndpoint  map[endpoint.Endpoint]*session.Session
	establishedByCID       map[cidKey]*session.Session
	establishedByCIDLookup map[cidKey][]byte // original CID bytes, kept alongside establishedByCID

	cidLen    int
	cidLenSet bool
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		acceptingByEndpoint:    make(map[endpoint.Endpoint]*session.Session),
		establishedByEndpoint:  make(map[endpoint.Endpoint]*session.Session),
		establishedByCID:       make(map[cidKey]*session.Session),
		establishedByCIDLookup: make(map[cidKey][]byte),
	}
}

// TryFind implements the strict lookup variant from spec section 4.4:
//
//  1. cid present and established_by_cid[cid] exists -> FoundByConnectionId.
//  2. cid absent and established_by_endpoint[endpoint] exists -> FoundByEndpoint.
//  3. accepting_by_endpoint[endpoint] exists (regardless of cid) -> FoundByEndpoint.
//  4. otherwise: NotFound.
//
// A NotFound result with a non-empty cid means the packet's Connection
// ID matched no session; the caller, not TryFind, decides what that's
// worth (spec section 4.5 counts it separately from a bare unmatched
// endpoint).
func (st *Store) TryFind(ep endpoint.Endpoint, cid []byte) (*session.Session, FindResult) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if len(cid) > 0 {
		if s, ok := st.establishedByCID[cidKey(cid)]; ok {
			return s, FoundByConnectionId
		}
	} else if s, ok := st.establishedByEndpoint[ep]; ok {
		if _, hasCID := s.CID(); hasCID {
			// Invariant violation: established_by_endpoint must never
			// hold a session that negotiated a CID. The match is
			// refused and NotFound returned; no error is raised and
			// nothing is logged.
			return nil, NotFound
		}
		return s, FoundByEndpoint
	}

	if s, ok := st.acceptingByEndpoint[ep]; ok {
		return s, FoundByEndpoint
	}

	return nil, NotFound
}

// Add registers s, a newly created Handshaking session, under its
// current endpoint. It fails with ErrEndpointInUse if either the
// accepting or the established-without-CID index already holds that
// endpoint; it succeeds even if an established-with-CID session happens
// to share the endpoint, since CID lets that session migrate away later.
func (st *Store) Add(s *session.Session) error {
	ep := s.Endpoint()

	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.acceptingByEndpoint[ep]; ok {
		return fmt.Errorf("%w: %s", ErrEndpointInUse, ep)
	}
	if _, ok := st.establishedByEndpoint[ep]; ok {
		return fmt.Errorf("%w: %s", ErrEndpointInUse, ep)
	}
	st.acceptingByEndpoint[ep] = s
	return nil
}

// NotifySessionAccepted transitions s out of accepting_by_endpoint into
// established_by_cid (if s negotiated a CID) or established_by_endpoint
// (otherwise). On ErrDuplicateCID/ErrDuplicateEndpoint the caller must
// Remove the losing session; s is left out of every index in that case,
// matching "a session appears in exactly one index at a time" everywhere
// except this narrow failure window, which the caller resolves
// immediately via Remove.
func (st *Store) NotifySessionAccepted(s *session.Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	// Only remove s's own accepting_by_endpoint entry: a different
	// handshaking session may legitimately share this endpoint with an
	// established-with-CID session, and must not be evicted here.
	if existing, ok := st.acceptingByEndpoint[s.Endpoint()]; ok && existing == s {
		delete(st.acceptingByEndpoint, s.Endpoint())
	}

	if cid, ok := s.CID(); ok {
		if err := st.pinCIDLength(len(cid)); err != nil {
			return err
		}
		key := cidKey(cid)
		if _, exists := st.establishedByCID[key]; exists {
			return fmt.Errorf("%w: %x", ErrDuplicateCID, cid)
		}
		st.establishedByCID[key] = s
		st.establishedByCIDLookup[key] = cid
		return nil
	}

	ep := s.Endpoint()
	if _, exists := st.establishedByEndpoint[ep]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, ep)
	}
	st.establishedByEndpoint[ep] = s
	return nil
}

// pinCIDLength latches the process-wide CID length on the first
// established-with-CID session, per spec section 4.4/9: subsequent
// sessions must produce CIDs of the same length, since the record parser
// cannot statelessly distinguish CIDs of varying length.
func (st *Store) pinCIDLength(n int) error {
	if !st.cidLenSet {
		st.cidLen = n
		st.cidLenSet = true
		return nil
	}
	if st.cidLen != n {
		return fmt.Errorf("%w: pinned length %d, got %d", ErrCIDLengthMismatch, st.cidLen, n)
	}
	return nil
}

// CIDLength returns the process-wide pinned CID length, if any session
// has been established with a CID yet.
func (st *Store) CIDLength() (int, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.cidLen, st.cidLenSet
}

// Remove removes s from whichever index currently holds it.
//
// It first attempts removal from accepting_by_endpoint; if what it finds
// there is not s itself (an unrelated handshaking session sharing the
// endpoint), it puts that back and instead removes s from
// established_by_endpoint or established_by_cid as appropriate. This
// check-then-swap is required because an accepting session and an
// established-with-CID session can legitimately coexist at the same
// endpoint, and removing the wrong one would corrupt the invariant.
func (st *Store) Remove(s *session.Session) {
	st.mu.Lock()
	defer st.mu.Unlock()

	ep := s.Endpoint()
	if existing, ok := st.acceptingByEndpoint[ep]; ok {
		if existing == s {
			delete(st.acceptingByEndpoint, ep)
			return
		}
		// A different handshaking session owns this endpoint; s must be
		// the established-with-CID (or established-without-CID)
		// occupant instead. Leave accepting_by_endpoint untouched.
	}

	if cid, ok := s.CID(); ok {
		key := cidKey(cid)
		if st.establishedByCID[key] == s {
			delete(st.establishedByCID, key)
			delete(st.establishedByCIDLookup, key)
		}
		return
	}
	if st.establishedByEndpoint[ep] == s {
		delete(st.establishedByEndpoint, ep)
	}
}

// GetSessions returns a snapshot of every session across all three
// indexes. Duplicates are impossible by invariant.
func (st *Store) GetSessions() []*session.Session {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]*session.Session, 0, len(st.acceptingByEndpoint)+len(st.establishedByEndpoint)+len(st.establishedByCID))
	for _, s := range st.acceptingByEndpoint {
		out = append(out, s)
	}
	for _, s := range st.establishedByEndpoint {
		out = append(out, s)
	}
	for _, s := range st.establishedByCID {
		out = append(out, s)
	}
	return out
}

// GetCount returns the total number of sessions across all three
// indexes.
func (st *Store) GetCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.acceptingByEndpoint) + len(st.establishedByEndpoint) + len(st.establishedByCID)
}
