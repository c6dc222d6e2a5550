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

package protocol_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusclaw/avp-core/backend"
	"github.com/nexusclaw/avp-core/protocol"
	"github.com/nexusclaw/avp-core/session"
)

func newEngine() (*protocol.Engine, *backend.Memory) {
	info := backend.DeviceInfo{Model: "NexusClaw-1", Serial: "NXC-000000001", Firmware: "0.1.0"}
	mem := backend.NewMemory("1234", 1, info)
	return protocol.NewEngine(mem), mem
}

func authenticate(t *testing.T, eng *protocol.Engine) string {
	t.Helper()
	resp := eng.Dispatch([]byte(`{"op":"AUTHENTICATE","pin":"1234"}`))
	require.True(t, resp.Success)
	require.NotNil(t, resp.Authenticate)
	return resp.Authenticate.SessionID
}

func TestDiscover_NeedsNoSession(t *testing.T) {
	eng, _ := newEngine()
	resp := eng.Dispatch([]byte(`{"op":"DISCOVER"}`))
	require.True(t, resp.Success)
	require.NotNil(t, resp.Discover)
	assert.Equal(t, "memory", resp.Discover.BackendType)
}

func TestStore_WithoutSessionIsNotAuthenticated(t *testing.T) {
	eng, _ := newEngine()
	resp := eng.Dispatch([]byte(`{"op":"STORE","name":"k","value":"v"}`))
	require.False(t, resp.Success)
	require.NotNil(t, resp.Fault)
	assert.Equal(t, protocol.ErrNotAuthenticated, resp.Fault.Kind)
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	eng, _ := newEngine()
	sid := authenticate(t, eng)

	storeReq := fmt.Sprintf(`{"op":"STORE","session_id":%q,"name":"github-token","value":"ghp_abc"}`, sid)
	resp := eng.Dispatch([]byte(storeReq))
	require.True(t, resp.Success)

	getReq := fmt.Sprintf(`{"op":"RETRIEVE","session_id":%q,"name":"github-token"}`, sid)
	resp = eng.Dispatch([]byte(getReq))
	require.True(t, resp.Success)
	require.NotNil(t, resp.Retrieve)
	assert.Equal(t, "ghp_abc", resp.Retrieve.Value)
}

func TestCapacityExceededAtThirtyThirdStore(t *testing.T) {
	eng, _ := newEngine()
	sid := authenticate(t, eng)

	for i := 0; i < 32; i++ {
		req := fmt.Sprintf(`{"op":"STORE","session_id":%q,"name":"name-%02d","value":"v"}`, sid, i)
		resp := eng.Dispatch([]byte(req))
		require.True(t, resp.Success, "store %d should succeed", i)
	}

	req := fmt.Sprintf(`{"op":"STORE","session_id":%q,"name":"one-too-many","value":"v"}`, sid)
	resp := eng.Dispatch([]byte(req))
	require.False(t, resp.Success)
	assert.Equal(t, protocol.ErrCapacityExceeded, resp.Fault.Kind)
}

func TestSessionExpiryMapsToSessionExpired(t *testing.T) {
	eng, mem := newEngine()
	sid := authenticate(t, eng)

	mem.AdvanceClock(session.DefaultTTLSeconds + 1)

	req := fmt.Sprintf(`{"op":"RETRIEVE","session_id":%q,"name":"missing"}`, sid)
	resp := eng.Dispatch([]byte(req))
	require.False(t, resp.Success)
	assert.Equal(t, protocol.ErrSessionExpired, resp.Fault.Kind)
}

func TestFivePinFailuresLockOut(t *testing.T) {
	eng, _ := newEngine()

	for i := 0; i < session.MaxPinAttempts; i++ {
		resp := eng.Dispatch([]byte(`{"op":"AUTHENTICATE","pin":"0000"}`))
		require.False(t, resp.Success)
		assert.Equal(t, protocol.ErrPinInvalid, resp.Fault.Kind)
	}

	resp := eng.Dispatch([]byte(`{"op":"AUTHENTICATE","pin":"1234"}`))
	require.False(t, resp.Success)
	assert.Equal(t, protocol.ErrPinLocked, resp.Fault.Kind)
}

func TestShortPINLocksOutLikeAnyWrongPIN(t *testing.T) {
	// §8 scenario 6, literally: {"op":"AUTHENTICATE",...,"pin":"1"} must
	// count toward lockout, not be rejected at decode.
	eng, _ := newEngine()

	for i := 0; i < session.MaxPinAttempts; i++ {
		resp := eng.Dispatch([]byte(`{"op":"AUTHENTICATE","pin":"1"}`))
		require.False(t, resp.Success)
		assert.Equal(t, protocol.ErrPinInvalid, resp.Fault.Kind)
	}

	resp := eng.Dispatch([]byte(`{"op":"AUTHENTICATE","pin":"1234"}`))
	require.False(t, resp.Success)
	assert.Equal(t, protocol.ErrPinLocked, resp.Fault.Kind)
}

func TestResetPinLockout_ClearsBothCounters(t *testing.T) {
	eng, _ := newEngine()

	for i := 0; i < session.MaxPinAttempts; i++ {
		eng.Dispatch([]byte(`{"op":"AUTHENTICATE","pin":"0000"}`))
	}
	resp := eng.Dispatch([]byte(`{"op":"AUTHENTICATE","pin":"1234"}`))
	require.False(t, resp.Success)
	require.Equal(t, protocol.ErrPinLocked, resp.Fault.Kind)

	require.NoError(t, eng.ResetPinLockout())

	resp = eng.Dispatch([]byte(`{"op":"AUTHENTICATE","pin":"1234"}`))
	require.True(t, resp.Success)
}

func TestSessionIDIsAdvisoryNotCompared(t *testing.T) {
	eng, _ := newEngine()
	_ = authenticate(t, eng)

	// §3: liveness is enforced, not session_id equality.
	resp := eng.Dispatch([]byte(`{"op":"LIST","session_id":"not-the-real-id"}`))
	require.True(t, resp.Success)
}

func TestDeleteThenRetrieveIsSecretNotFound(t *testing.T) {
	eng, _ := newEngine()
	sid := authenticate(t, eng)

	store := fmt.Sprintf(`{"op":"STORE","session_id":%q,"name":"k","value":"v"}`, sid)
	require.True(t, eng.Dispatch([]byte(store)).Success)

	del := fmt.Sprintf(`{"op":"DELETE","session_id":%q,"name":"k"}`, sid)
	require.True(t, eng.Dispatch([]byte(del)).Success)

	get := fmt.Sprintf(`{"op":"RETRIEVE","session_id":%q,"name":"k"}`, sid)
	resp := eng.Dispatch([]byte(get))
	require.False(t, resp.Success)
	assert.Equal(t, protocol.ErrSecretNotFound, resp.Fault.Kind)
}

func TestListReflectsInsertionOrder(t *testing.T) {
	eng, _ := newEngine()
	sid := authenticate(t, eng)

	for _, name := range []string{"z", "a", "m"} {
		req := fmt.Sprintf(`{"op":"STORE","session_id":%q,"name":%q,"value":"v"}`, sid, name)
		require.True(t, eng.Dispatch([]byte(req)).Success)
	}

	req := fmt.Sprintf(`{"op":"LIST","session_id":%q}`, sid)
	resp := eng.Dispatch([]byte(req))
	require.True(t, resp.Success)
	require.Len(t, resp.List.Secrets, 3)

	got := make([]string, len(resp.List.Secrets))
	for i, s := range resp.List.Secrets {
		got[i] = s.Name
	}
	want := []string{"z", "a", "m"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LIST order mismatch (-want +got):\n%s", diff)
	}
}

func TestRotate_RejectsUnknownSecret(t *testing.T) {
	eng, _ := newEngine()
	sid := authenticate(t, eng)

	req := fmt.Sprintf(`{"op":"ROTATE","session_id":%q,"name":"missing","value":"v"}`, sid)
	resp := eng.Dispatch([]byte(req))
	require.False(t, resp.Success)
	assert.Equal(t, protocol.ErrSecretNotFound, resp.Fault.Kind)
}

func TestHWSignAndAttestProduceHexSignatures(t *testing.T) {
	eng, _ := newEngine()
	sid := authenticate(t, eng)

	sign := fmt.Sprintf(`{"op":"HW_SIGN","session_id":%q,"data":"deadbeef"}`, sid)
	resp := eng.Dispatch([]byte(sign))
	require.True(t, resp.Success)
	require.NotNil(t, resp.HWSign)
	assert.NotEmpty(t, resp.HWSign.Signature)

	attest := fmt.Sprintf(`{"op":"HW_ATTEST","session_id":%q}`, sid)
	resp = eng.Dispatch([]byte(attest))
	require.True(t, resp.Success)
	require.NotNil(t, resp.HWAttest)
	assert.NotEmpty(t, resp.HWAttest.Attestation)
}

func TestHandleLine_ProducesNewlineTerminatedJSON(t *testing.T) {
	eng, _ := newEngine()
	out := eng.HandleLine([]byte(`{"op":"DISCOVER"}`))
	require.True(t, len(out) > 0 && out[len(out)-1] == '\n')

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out[:len(out)-1], &decoded))
	assert.Equal(t, true, decoded["ok"])
}
