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

// Package secretindex implements the in-memory name-to-slot metadata
// bookkeeping §4.3 describes: uniqueness of names, a capacity bound, and
// lowest-free-index slot allocation with deterministic LIST ordering.
package secretindex

import (
	"errors"

	"github.com/nexusclaw/avp-core/backend"
)

const Capacity = backend.DataSlotCount

var (
	ErrNotFound        = errors.New("secret not found")
	ErrCapacityExceeded = errors.New("secret index at capacity")
)

// Entry is one secret's metadata record (§3 "Secret metadata").
type Entry struct {
	Name      string
	Slot      int
	CreatedAt int64
	UpdatedAt int64
	inUse     bool
}

// Index owns the name -> Entry mapping and slot allocation. It is not
// safe for concurrent use; the dispatcher serializes all access (§5).
type Index struct {
	backend backend.Backend

	// entries is ordered by insertion; a deleted entry's slot becomes
	// available for reuse under lowest-free-index, but its position in
	// entries is removed entirely so LIST never has to skip tombstones.
	entries []*Entry
	byName  map[string]*Entry
	slotUse map[int]bool
}

// New returns an empty Index bound to backend b.
func New(b backend.Backend) *Index {
	return &Index{
		backend: b,
		byName:  make(map[string]*Entry),
		slotUse: make(map[int]bool),
	}
}

// Put creates or updates the secret named name with value (§4.3 "put").
// A write failure leaves the index state untouched — new entries are only
// committed after SlotWrite succeeds.
func (ix *Index) Put(name string, value []byte) error {
	if existing, ok := ix.byName[name]; ok {
		if err := ix.backend.SlotWrite(existing.Slot, value); err != nil {
			return err
		}
		existing.UpdatedAt = ix.backend.NowSeconds()
		return nil
	}

	slot, ok := ix.freeSlot()
	if !ok {
		return ErrCapacityExceeded
	}

	if err := ix.backend.SlotWrite(slot, value); err != nil {
		return err
	}

	now := ix.backend.NowSeconds()
	entry := &Entry{
		Name:      name,
		Slot:      slot,
		CreatedAt: now,
		UpdatedAt: now,
		inUse:     true,
	}
	ix.entries = append(ix.entries, entry)
	ix.byName[name] = entry
	ix.slotUse[slot] = true
	return nil
}

// Get reads the current value for name (§4.3 "get").
func (ix *Index) Get(name string) ([]byte, error) {
	entry, ok := ix.byName[name]
	if !ok {
		return nil, ErrNotFound
	}
	return ix.backend.SlotRead(entry.Slot)
}

// Remove erases the backing slot and clears the metadata entry (§4.3
// "remove"). If SlotErase fails, the entry is retained so no secret is
// silently lost.
func (ix *Index) Remove(name string) error {
	entry, ok := ix.byName[name]
	if !ok {
		return ErrNotFound
	}

	if err := ix.backend.SlotErase(entry.Slot); err != nil {
		return err
	}

	delete(ix.byName, name)
	delete(ix.slotUse, entry.Slot)
	for i, e := range ix.entries {
		if e == entry {
			ix.entries = append(ix.entries[:i], ix.entries[i+1:]...)
			break
		}
	}
	return nil
}

// List enumerates in-use entries in insertion order (§4.3 "list",
// §5 ordering requirement).
func (ix *Index) List() []Entry {
	out := make([]Entry, 0, len(ix.entries))
	for _, e := range ix.entries {
		out = append(out, *e)
	}
	return out
}

// Count reports the number of in-use entries (§3 invariant 1).
func (ix *Index) Count() int {
	return len(ix.entries)
}

// Rotate is semantically identical to Put for an existing name. Unlike the
// teacher source's buggy behavior (and the original AVP firmware's), a
// Rotate of an absent name is rejected rather than silently creating it —
// see DESIGN.md's Open Question resolution.
func (ix *Index) Rotate(name string, value []byte) error {
	if _, ok := ix.byName[name]; !ok {
		return ErrNotFound
	}
	return ix.Put(name, value)
}

// freeSlot returns the lowest unused data slot, or false if the pool is
// exhausted.
func (ix *Index) freeSlot() (int, bool) {
	for slot := backend.DataSlotBase; slot < backend.DataSlotBase+backend.DataSlotCount; slot++ {
		if !ix.slotUse[slot] {
			return slot, true
		}
	}
	return 0, false
}
