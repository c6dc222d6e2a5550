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

package backend_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusclaw/avp-core/backend"
)

func TestBolt_PersistsSlotsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "avp.bolt")

	b1, err := backend.OpenBolt(path, "1234", testInfo())
	require.NoError(t, err)

	require.NoError(t, b1.SlotWrite(backend.DataSlotBase, []byte("secret-value")))
	require.NoError(t, b1.Close())

	b2, err := backend.OpenBolt(path, "1234", testInfo())
	require.NoError(t, err)
	defer b2.Close()

	got, err := b2.SlotRead(backend.DataSlotBase)
	require.NoError(t, err)
	require.Equal(t, []byte("secret-value"), got)
}

func TestBolt_PinVerify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "avp.bolt")

	b, err := backend.OpenBolt(path, "4321", testInfo())
	require.NoError(t, err)
	defer b.Close()

	result, err := b.PinVerify("4321")
	require.NoError(t, err)
	require.Equal(t, backend.PinOK, result)

	result, err = b.PinVerify("0000")
	require.NoError(t, err)
	require.Equal(t, backend.PinInvalid, result)
}

func TestBolt_SignIsStableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "avp.bolt")

	b1, err := backend.OpenBolt(path, "1234", testInfo())
	require.NoError(t, err)
	sig1, err := b1.Sign(backend.KeySlotBase, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, b1.Close())

	b2, err := backend.OpenBolt(path, "1234", testInfo())
	require.NoError(t, err)
	defer b2.Close()
	sig2, err := b2.Sign(backend.KeySlotBase, []byte("payload"))
	require.NoError(t, err)

	require.Equal(t, sig1, sig2)
}
