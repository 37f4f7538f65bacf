// Package trust implements trust-on-first-use verification for server and
// peer identities. A fingerprint first observed for a subject enters the
// store as pending; the caller confirms it out of band by supplying the
// short PIN derived from the fingerprint. Trusted records are append-only:
// a changed fingerprint re-enters pending, it never silently replaces a
// committed record.
package trust

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/engine/crypto"
	"github.com/veilchat/engine/protocol"
)

// State is the lifecycle state of a trust record.
type State uint8

const (
	StatePending State = iota
	StateTrusted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateTrusted:
		return "trusted"
	case StateRejected:
		return "rejected"
	}
	return "unknown"
}

// serverSubject keys the server's record; peers are keyed by username.
const serverSubject = "\x00server"

// Record is one (subject, fingerprint) observation.
type Record struct {
	Subject     string
	Fingerprint string
	Pin         string
	State       State
	ObservedAt  time.Time
	DecidedAt   time.Time
}

// Store holds trust records and the per-subject pending queue.
type Store struct {
	mu      sync.RWMutex
	records map[string][]*Record
}

// NewStore creates an empty trust store.
func NewStore() *Store {
	return &Store{records: make(map[string][]*Record)}
}

// Observe registers a fingerprint sighting for the server identity.
func (s *Store) ObserveServer(fingerprint string) {
	s.observe(serverSubject, fingerprint)
}

// ObservePeer registers a fingerprint sighting for a peer identity.
func (s *Store) ObservePeer(username, fingerprint string) {
	s.observe(username, fingerprint)
}

func (s *Store) observe(subject, fingerprint string) {
	if fingerprint == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records[subject] {
		if r.Fingerprint == fingerprint {
			return
		}
	}
	pin := crypto.PinFromFingerprint(fingerprint)
	s.records[subject] = append(s.records[subject], &Record{
		Subject:     subject,
		Fingerprint: fingerprint,
		Pin:         pin,
		State:       StatePending,
		ObservedAt:  time.Now(),
	})
	logrus.WithFields(logrus.Fields{
		"function":    "observe",
		"fingerprint": fingerprint[:8],
	}).Info("New fingerprint pending trust decision")
}

// pending returns the oldest undecided record for subject.
func (s *Store) pending(subject string) *Record {
	for _, r := range s.records[subject] {
		if r.State == StatePending {
			return r
		}
	}
	return nil
}

// HasPendingServer reports whether a server trust decision is pending.
func (s *Store) HasPendingServer() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending(serverSubject) != nil
}

// PendingServerFingerprint returns the fingerprint awaiting a server
// trust decision, or empty.
func (s *Store) PendingServerFingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r := s.pending(serverSubject); r != nil {
		return r.Fingerprint
	}
	return ""
}

// PendingServerPin returns the verification PIN for the pending server
// fingerprint, or empty.
func (s *Store) PendingServerPin() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r := s.pending(serverSubject); r != nil {
		return r.Pin
	}
	return ""
}

// TrustPendingServer commits the pending server fingerprint after the
// caller confirms the PIN obtained through a side channel.
func (s *Store) TrustPendingServer(pin string) error {
	return s.trustPending(serverSubject, pin)
}

// HasPendingPeer reports whether any peer trust decision is pending.
func (s *Store) HasPendingPeer() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for subject := range s.records {
		if subject == serverSubject {
			continue
		}
		if s.pending(subject) != nil {
			return true
		}
	}
	return false
}

// PendingPeer returns the oldest pending peer record, or nil.
func (s *Store) PendingPeer() *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *Record
	for subject := range s.records {
		if subject == serverSubject {
			continue
		}
		if r := s.pending(subject); r != nil {
			if oldest == nil || r.ObservedAt.Before(oldest.ObservedAt) {
				oldest = r
			}
		}
	}
	return oldest
}

// TrustPendingPeer commits the oldest pending peer fingerprint after PIN
// confirmation.
func (s *Store) TrustPendingPeer(pin string) error {
	r := s.PendingPeer()
	if r == nil {
		return fmt.Errorf("%w: no pending peer trust", protocol.ErrNotFound)
	}
	return s.trustPending(r.Subject, pin)
}

// RejectPendingPeer rejects the oldest pending peer fingerprint.
func (s *Store) RejectPendingPeer() error {
	r := s.PendingPeer()
	if r == nil {
		return fmt.Errorf("%w: no pending peer trust", protocol.ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.State != StatePending {
		return fmt.Errorf("%w: record already decided", protocol.ErrNotFound)
	}
	r.State = StateRejected
	r.DecidedAt = time.Now()
	return nil
}

func (s *Store) trustPending(subject, pin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.pending(subject)
	if r == nil {
		return fmt.Errorf("%w: no pending trust decision", protocol.ErrNotFound)
	}
	if !crypto.CodesEqual(pin, r.Pin) {
		logrus.WithFields(logrus.Fields{
			"function":    "trustPending",
			"fingerprint": r.Fingerprint[:8],
		}).Warn("Trust PIN mismatch")
		return fmt.Errorf("%w: pin does not match pending fingerprint", protocol.ErrTrustMismatch)
	}
	r.State = StateTrusted
	r.DecidedAt = time.Now()
	logrus.WithFields(logrus.Fields{
		"function":    "trustPending",
		"fingerprint": r.Fingerprint[:8],
	}).Info("Fingerprint trusted")
	return nil
}

// ServerTrusted reports whether the given server fingerprint has been
// committed to trusted.
func (s *Store) ServerTrusted(fingerprint string) bool {
	return s.stateOf(serverSubject, fingerprint) == StateTrusted
}

// PeerTrusted reports whether the given peer fingerprint has been
// committed to trusted.
func (s *Store) PeerTrusted(username, fingerprint string) bool {
	return s.stateOf(username, fingerprint) == StateTrusted
}

func (s *Store) stateOf(subject, fingerprint string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records[subject] {
		if r.Fingerprint == fingerprint {
			return r.State
		}
	}
	return StatePending
}
