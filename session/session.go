// Copyright 2022 Piprate Limited
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

// Package session implements the AVP session manager (§4.2): at most one
// active session, a PIN-attempt counter that survives across
// authentication attempts, and TTL-based expiry driven by the backend
// clock rather than wall time.
package session

import (
	"encoding/hex"
	"errors"

	"github.com/nexusclaw/avp-core/backend"
)

const (
	DefaultTTLSeconds = 300
	MinTTLSeconds     = 60
	MaxTTLSeconds     = 3600
	MaxPinAttempts    = 5
	idBytes           = 16
)

var (
	ErrPinLockedOut = errors.New("pin attempts exhausted")
	ErrPinInvalid   = errors.New("pin verification failed")
)

// Descriptor is what a successful Authenticate hands back to the
// dispatcher for the AUTHENTICATE response payload.
type Descriptor struct {
	ID        string
	ExpiresIn uint64
	Workspace string
}

// State is the session state machine §4.4 describes: Fresh -> Authenticated
// -> (Expired | Invalidated) -> Fresh (on the next successful
// Authenticate). It exists so the dispatcher can tell apart "no session
// has ever been established" (NOT_AUTHENTICATED) from "a session existed
// and its TTL has elapsed" (SESSION_EXPIRED) — both read as "IsValid
// returns false" but map to different wire error kinds.
type State int

const (
	StateFresh State = iota
	StateAuthenticated
	StateExpired
	StateInvalidated
)

// Manager owns the single active session and the PIN-attempt counter,
// exactly the responsibilities §4.2 assigns the session manager. It is not
// safe for concurrent use; the dispatcher above it serializes access
// (§5).
type Manager struct {
	backend backend.Backend

	state       State
	id          string
	workspace   string
	createdAt   int64
	ttl         int64
	pinAttempts int
}

// New returns a Manager bound to a backend. No session is active until the
// first successful Authenticate.
func New(b backend.Backend) *Manager {
	return &Manager{backend: b}
}

// Authenticate drives §4.2's five-step authentication sequence.
func (m *Manager) Authenticate(pin, workspace string, requestedTTL uint64, hasTTL bool) (Descriptor, error) {
	if m.pinAttempts >= MaxPinAttempts {
		return Descriptor{}, ErrPinLockedOut
	}

	result, err := m.backend.PinVerify(pin)
	if err != nil {
		return Descriptor{}, err
	}

	switch result {
	case backend.PinInvalid:
		m.pinAttempts++
		return Descriptor{}, ErrPinInvalid
	case backend.PinLocked:
		m.pinAttempts = MaxPinAttempts
		return Descriptor{}, ErrPinLockedOut
	}

	m.pinAttempts = 0

	raw, err := m.backend.Random(idBytes)
	if err != nil {
		return Descriptor{}, err
	}
	id := hex.EncodeToString(raw)

	if workspace == "" {
		workspace = "default"
	}

	ttl := requestedTTL
	if !hasTTL || ttl == 0 {
		ttl = DefaultTTLSeconds
	}
	ttl = clamp(ttl, MinTTLSeconds, MaxTTLSeconds)

	m.state = StateAuthenticated
	m.id = id
	m.workspace = workspace
	m.createdAt = m.backend.NowSeconds()
	m.ttl = int64(ttl)

	return Descriptor{ID: id, ExpiresIn: ttl, Workspace: workspace}, nil
}

// IsValid reports whether a session is live at now. A session observed to
// have expired transitions to StateExpired on this call (§4.2), so a
// subsequent IsValid call is cheap and idempotent.
func (m *Manager) IsValid(now int64) bool {
	if m.state != StateAuthenticated {
		return false
	}
	if now >= m.createdAt+m.ttl {
		m.state = StateExpired
		return false
	}
	return true
}

// LastState reports the session state as of the most recent IsValid or
// Invalidate call, for the dispatcher to distinguish NOT_AUTHENTICATED
// from SESSION_EXPIRED (§4.4).
func (m *Manager) LastState() State {
	return m.state
}

// Invalidate clears the session, leaving pin_attempts untouched per §4.2.
// A no-op (state stays Fresh) if no session was ever established.
func (m *Manager) Invalidate() {
	if m.state == StateAuthenticated || m.state == StateExpired {
		m.state = StateInvalidated
	}
	m.id = ""
	m.workspace = ""
	m.createdAt = 0
	m.ttl = 0
}

// PinAttempts reports the current counter, mainly for observability.
func (m *Manager) PinAttempts() int {
	return m.pinAttempts
}

// ResetPinAttempts clears the attempt counter out of band, mirroring the
// backend's own PinReset (§9: power-cycle reset is the only recourse for a
// locked device). It does not touch session state — an in-progress session
// is unaffected by a lockout reset.
func (m *Manager) ResetPinAttempts() {
	m.pinAttempts = 0
}

// Locked reports whether the attempt counter has reached the lockout
// threshold (§3 invariant 5).
func (m *Manager) Locked() bool {
	return m.pinAttempts >= MaxPinAttempts
}

// Workspace returns the active session's workspace, or "" if none.
func (m *Manager) Workspace() string {
	return m.workspace
}

// ID returns the active session id, or "" if none.
func (m *Manager) ID() string {
	return m.id
}

func clamp(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
