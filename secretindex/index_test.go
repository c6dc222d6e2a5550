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

package secretindex_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusclaw/avp-core/backend"
	"github.com/nexusclaw/avp-core/secretindex"
)

func newIndex() (*secretindex.Index, *backend.Memory) {
	info := backend.DeviceInfo{Model: "NexusClaw-1", Serial: "NXC-000000001", Firmware: "0.1.0"}
	mem := backend.NewMemory("1234", 1, info)
	return secretindex.New(mem), mem
}

func TestPutGetRoundTrip(t *testing.T) {
	ix, _ := newIndex()

	require.NoError(t, ix.Put("github-token", []byte("ghp_abc")))

	got, err := ix.Get("github-token")
	require.NoError(t, err)
	assert.Equal(t, []byte("ghp_abc"), got)
}

func TestGet_MissingNameReturnsNotFound(t *testing.T) {
	ix, _ := newIndex()

	_, err := ix.Get("missing")
	assert.ErrorIs(t, err, secretindex.ErrNotFound)
}

func TestPut_UpdateInPlaceKeepsSlot(t *testing.T) {
	ix, _ := newIndex()

	require.NoError(t, ix.Put("k", []byte("v1")))
	entries := ix.List()
	require.Len(t, entries, 1)
	slot := entries[0].Slot

	require.NoError(t, ix.Put("k", []byte("v2")))
	entries = ix.List()
	require.Len(t, entries, 1)
	assert.Equal(t, slot, entries[0].Slot)

	got, err := ix.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestPut_CapacityExceeded(t *testing.T) {
	ix, _ := newIndex()

	for i := 0; i < secretindex.Capacity; i++ {
		require.NoError(t, ix.Put(fmt.Sprintf("name-%02d", i), []byte("v")))
	}

	err := ix.Put("one-too-many", []byte("v"))
	assert.ErrorIs(t, err, secretindex.ErrCapacityExceeded)
}

func TestRemove_FreesSlotForReuse(t *testing.T) {
	ix, _ := newIndex()

	require.NoError(t, ix.Put("a", []byte("v")))
	slot := ix.List()[0].Slot

	require.NoError(t, ix.Remove("a"))
	_, err := ix.Get("a")
	assert.ErrorIs(t, err, secretindex.ErrNotFound)

	require.NoError(t, ix.Put("b", []byte("v")))
	assert.Equal(t, slot, ix.List()[0].Slot)
}

func TestList_PreservesInsertionOrder(t *testing.T) {
	ix, _ := newIndex()

	require.NoError(t, ix.Put("z", []byte("1")))
	require.NoError(t, ix.Put("a", []byte("2")))
	require.NoError(t, ix.Put("m", []byte("3")))

	entries := ix.List()
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"z", "a", "m"}, []string{entries[0].Name, entries[1].Name, entries[2].Name})
}

func TestRotate_RejectsAbsentName(t *testing.T) {
	ix, _ := newIndex()

	err := ix.Rotate("nope", []byte("v"))
	assert.ErrorIs(t, err, secretindex.ErrNotFound)
}

func TestRotate_UpdatesExistingValue(t *testing.T) {
	ix, _ := newIndex()

	require.NoError(t, ix.Put("k", []byte("old")))
	require.NoError(t, ix.Rotate("k", []byte("new")))

	got, err := ix.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}
