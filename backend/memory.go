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

package backend

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"math/big"
	mrand "math/rand"
	"sync"
)

// Memory is the in-memory fake backend required by §4.5 and exercised by
// the protocol engine's test suite. It keeps slots in a map, uses a
// deterministic PRNG seeded by the test when one is supplied, and advances
// a virtual clock only on explicit calls — mirroring
// calvinalkan-agent-task's internal/fs split between a real implementation
// and swappable test doubles (Real vs. the chaos/injected variants), here
// applied to a hardware capability set instead of a filesystem.
type Memory struct {
	mu sync.Mutex

	clock int64
	rng   *mrand.Rand

	slots map[int][]byte

	pin          string
	pinLockedOut bool

	signPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey

	info DeviceInfo
}

// NewMemory returns a Memory backend configured with the given device PIN.
// seed pins the PRNG used by Random so session-id generation is
// reproducible in tests; pass a fixed seed for determinism, or derive one
// from crypto/rand for a realistic fake.
func NewMemory(pin string, seed int64, info DeviceInfo) *Memory {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		// ed25519.GenerateKey only fails if the reader is broken; crypto/rand
		// never is in practice. Fall back to a zero key rather than panic.
		pub, priv = make([]byte, ed25519.PublicKeySize), make([]byte, ed25519.PrivateKeySize)
	}
	return &Memory{
		clock:    1_700_000_000,
		rng:      mrand.New(mrand.NewSource(seed)),
		slots:    make(map[int][]byte),
		pin:      pin,
		signPub:  pub,
		signPriv: priv,
		info:     info,
	}
}

// AdvanceClock moves the virtual clock forward by deltaSeconds. Tests use
// this to exercise session expiry (§8 scenario 5) without sleeping.
func (m *Memory) AdvanceClock(deltaSeconds int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock += deltaSeconds
}

func (m *Memory) NowSeconds() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock
}

func (m *Memory) Random(n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, n)
	if _, err := m.rng.Read(out); err != nil {
		return nil, fmt.Errorf("memory backend: random: %w", err)
	}
	return out, nil
}

func (m *Memory) SlotWrite(slot int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.slots[slot] = buf
	return nil
}

func (m *Memory) SlotRead(slot int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.slots[slot]
	if !ok {
		return nil, ErrSlotEmpty
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) SlotErase(slot int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, slot)
	return nil
}

func (m *Memory) PinVerify(pin string) (PinResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pinLockedOut {
		return PinLocked, nil
	}
	if pin == m.pin {
		return PinOK, nil
	}
	return PinInvalid, nil
}

func (m *Memory) Sign(keySlot int, data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if keySlot < KeySlotBase || keySlot >= KeySlotBase+KeySlotCount {
		return nil, fmt.Errorf("memory backend: key slot %d out of range", keySlot)
	}
	return ed25519.Sign(m.signPriv, data), nil
}

func (m *Memory) Attest(challenge []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ed25519.Sign(m.signPriv, challenge), nil
}

func (m *Memory) DeviceInfo() DeviceInfo {
	return m.info
}

// BackendName identifies this implementation for DISCOVER's backend_type
// field (§4.4).
func (m *Memory) BackendName() string {
	return "memory"
}

func (m *Memory) PinReset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinLockedOut = false
	return nil
}

// ForceHardwareLockout simulates the secure element independently
// latching a PIN lockout (distinct from the session-level attempt
// counter the protocol engine maintains). Test-only hook.
func (m *Memory) ForceHardwareLockout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinLockedOut = true
}

// RandomSerial mints a plausible device serial without pulling in a UUID
// dependency the protocol engine has no other use for. cmd/avpsim uses it
// to generate a fresh serial per run instead of hardcoding one.
func RandomSerial() string {
	n, _ := rand.Int(rand.Reader, big.NewInt(1_000_000_000))
	return fmt.Sprintf("NXC-%09d", n.Int64())
}
