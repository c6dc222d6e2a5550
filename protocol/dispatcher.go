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

package protocol

import (
	"encoding/hex"
	"errors"
	"hash/fnv"

	"github.com/rs/zerolog/log"

	"github.com/nexusclaw/avp-core/backend"
	"github.com/nexusclaw/avp-core/secretindex"
	"github.com/nexusclaw/avp-core/session"
)

const protocolVersion = "0.1.0"

// Engine is the dispatcher §4.4 describes: decode -> precondition check ->
// handler -> encode, serialized over a single backend, session manager, and
// secret index. It holds the sole authority for translating a precondition
// failure into NOT_AUTHENTICATED or SESSION_EXPIRED, and for translating
// collaborator sentinel errors into wire ErrorKinds — handlers never build
// a Fault for those cases themselves.
type Engine struct {
	backend backend.Backend
	session *session.Manager
	index   *secretindex.Index
}

// NewEngine wires a backend into a fresh session manager and secret index,
// the way the teacher's node.Node constructor assembles its collaborators
// once at startup and hands callers a single entry point.
func NewEngine(b backend.Backend) *Engine {
	return &Engine{
		backend: b,
		session: session.New(b),
		index:   secretindex.New(b),
	}
}

// HandleLine decodes one request line, dispatches it, and returns the
// encoded response line. Decode failures are encoded the same way a
// handler failure would be, so callers never need to special-case them.
func (e *Engine) HandleLine(raw []byte) []byte {
	return Encode(e.Dispatch(raw))
}

// Dispatch runs the full decode/precondition/handle pipeline for one
// request and returns the Response to encode. Exported separately from
// HandleLine so tests can assert on the structured Response rather than
// re-parsing JSON.
func (e *Engine) Dispatch(raw []byte) Response {
	cmd, err := Decode(raw)
	if err != nil {
		if f, ok := AsFault(err); ok {
			return failure("", f)
		}
		return failure("", newFault(ErrInternal, ""))
	}

	if requiresSession(cmd.Op) {
		if f := e.checkSession(cmd); f != nil {
			return failure(cmd.Op, f)
		}
	}

	resp, err := e.handle(cmd)
	if err != nil {
		f := e.translate(err)
		log.Error().Str("op", string(cmd.Op)).Str("kind", string(f.Kind)).Msg("command failed")
		return failure(cmd.Op, f)
	}
	return resp
}

// checkSession enforces §4.4's precondition: a session must be live. Per
// §3's note on session_id matching, the core enforces liveness only, not
// identifier equality — the supplied session_id is host-side bookkeeping,
// not compared against the active session's id. The two ways liveness can
// fail map to different wire codes, which is exactly why session.Manager
// exposes LastState instead of a single bool.
func (e *Engine) checkSession(cmd Command) *Fault {
	now := e.backend.NowSeconds()
	if e.session.IsValid(now) {
		return nil
	}

	if e.session.LastState() == session.StateExpired {
		return newFault(ErrSessionExpired, "")
	}
	return newFault(ErrNotAuthenticated, "")
}

// handle dispatches a precondition-cleared command to its opcode handler.
// Handlers return the collaborator packages' own sentinel errors (e.g.
// session.ErrPinInvalid, secretindex.ErrNotFound) or raw backend errors;
// only Dispatch's translate step turns those into wire Faults.
func (e *Engine) handle(cmd Command) (Response, error) {
	switch cmd.Op {
	case OpDiscover:
		return e.handleDiscover(cmd)
	case OpAuthenticate:
		return e.handleAuthenticate(cmd)
	case OpStore:
		return e.handleStore(cmd)
	case OpRetrieve:
		return e.handleRetrieve(cmd)
	case OpDelete:
		return e.handleDelete(cmd)
	case OpList:
		return e.handleList(cmd)
	case OpRotate:
		return e.handleRotate(cmd)
	case OpHWChallenge:
		return e.handleHWChallenge(cmd)
	case OpHWSign:
		return e.handleHWSign(cmd)
	case OpHWAttest:
		return e.handleHWAttest(cmd)
	default:
		return Response{}, newFault(ErrInvalidOperation, "")
	}
}

func (e *Engine) handleDiscover(cmd Command) (Response, error) {
	info := e.backend.DeviceInfo()
	resp := success(OpDiscover)
	resp.Discover = &DiscoverPayload{
		Version:      protocolVersion,
		BackendType:  backendTypeName(e.backend),
		Manufacturer: "AVP Protocol",
		Model:        info.Model,
		Serial:       info.Serial,
		Capabilities: Capabilities{
			HWSign:        true,
			HWAttest:      true,
			MaxSecrets:    secretindex.Capacity,
			MaxSecretSize: MaxSecretSize,
		},
	}
	return resp, nil
}

func (e *Engine) handleAuthenticate(cmd Command) (Response, error) {
	desc, err := e.session.Authenticate(cmd.PIN, cmd.Workspace, cmd.TTLSeconds, cmd.HasTTL)
	if err != nil {
		return Response{}, err
	}
	resp := success(OpAuthenticate)
	resp.Authenticate = &AuthenticatePayload{
		SessionID: desc.ID,
		ExpiresIn: desc.ExpiresIn,
		Workspace: desc.Workspace,
	}
	return resp, nil
}

func (e *Engine) handleStore(cmd Command) (Response, error) {
	if err := e.index.Put(cmd.Name, []byte(cmd.Value)); err != nil {
		return Response{}, err
	}
	return success(OpStore), nil
}

func (e *Engine) handleRetrieve(cmd Command) (Response, error) {
	value, err := e.index.Get(cmd.Name)
	if err != nil {
		return Response{}, err
	}
	resp := success(OpRetrieve)
	resp.Retrieve = &RetrievePayload{Value: string(value)}
	return resp, nil
}

func (e *Engine) handleDelete(cmd Command) (Response, error) {
	if err := e.index.Remove(cmd.Name); err != nil {
		return Response{}, err
	}
	return success(OpDelete), nil
}

func (e *Engine) handleList(cmd Command) (Response, error) {
	entries := e.index.List()
	secrets := make([]SecretSummary, 0, len(entries))
	for _, entry := range entries {
		secrets = append(secrets, SecretSummary{
			Name:      entry.Name,
			CreatedAt: entry.CreatedAt,
			UpdatedAt: entry.UpdatedAt,
		})
	}
	resp := success(OpList)
	resp.List = &ListPayload{Secrets: secrets}
	return resp, nil
}

func (e *Engine) handleRotate(cmd Command) (Response, error) {
	if err := e.index.Rotate(cmd.Name, []byte(cmd.Value)); err != nil {
		return Response{}, err
	}
	return success(OpRotate), nil
}

func (e *Engine) handleHWChallenge(cmd Command) (Response, error) {
	info := e.backend.DeviceInfo()
	resp := success(OpHWChallenge)
	resp.HWChallenge = &HWChallengePayload{
		Verified: true,
		Model:    info.Model,
		Serial:   info.Serial,
	}
	return resp, nil
}

func (e *Engine) handleHWSign(cmd Command) (Response, error) {
	sig, err := e.backend.Sign(keySlotFor(cmd.KeyName), cmd.Data)
	if err != nil {
		return Response{}, err
	}
	resp := success(OpHWSign)
	resp.HWSign = &HWSignPayload{Signature: hex.EncodeToString(sig)}
	return resp, nil
}

// keySlotFor maps key_name onto a key slot (§4.4: "sign(key_slot(key_name),
// data)"). The backends this repository ships hold a single device signing
// key regardless of which slot is addressed — real silicon would provision
// one keypair per slot — so this only exercises the wire contract's
// key_name -> key_slot indirection, not per-slot key isolation.
func keySlotFor(keyName string) int {
	if keyName == "" {
		return backend.KeySlotBase
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(keyName))
	return backend.KeySlotBase + int(h.Sum32()%uint32(backend.KeySlotCount))
}

// attestChallengeBytes is the size of the backend-generated nonce HW_ATTEST
// attests over. §6's HW_ATTEST request carries no data field — the
// challenge is the backend's to generate, not the host's to supply.
const attestChallengeBytes = 32

func (e *Engine) handleHWAttest(cmd Command) (Response, error) {
	challenge, err := e.backend.Random(attestChallengeBytes)
	if err != nil {
		return Response{}, err
	}
	att, err := e.backend.Attest(challenge)
	if err != nil {
		return Response{}, err
	}
	resp := success(OpHWAttest)
	resp.HWAttest = &HWAttestPayload{Attestation: hex.EncodeToString(att)}
	return resp, nil
}

// translate maps a handler-returned error to a wire ErrorKind. Collaborator
// sentinel errors get their fixed mapping (§4.4's table); anything else is
// an unanticipated backend failure and is reported as HARDWARE_ERROR, with
// the backend error's text as the message.
func (e *Engine) translate(err error) *Fault {
	if f, ok := AsFault(err); ok {
		return f
	}

	switch {
	case errors.Is(err, session.ErrPinInvalid):
		return newFault(ErrPinInvalid, "")
	case errors.Is(err, session.ErrPinLockedOut):
		return newFault(ErrPinLocked, "")
	case errors.Is(err, secretindex.ErrNotFound):
		return newFault(ErrSecretNotFound, "")
	case errors.Is(err, secretindex.ErrCapacityExceeded):
		return newFault(ErrCapacityExceeded, "")
	case errors.Is(err, backend.ErrSlotEmpty):
		return newFault(ErrSecretNotFound, "")
	default:
		return newFault(ErrHardwareError, err.Error())
	}
}

// Secrets exposes the current secret index for bring-up tooling
// (cmd/avpsim's tree view). It is not part of the wire protocol.
func (e *Engine) Secrets() []secretindex.Entry {
	return e.index.List()
}

// ResetPinLockout is the out-of-band recovery path §9 alludes to: it clears
// both the backend's own PIN lockout latch and the session manager's
// attempt counter. It is not reachable from the wire protocol — only a
// bring-up/recovery tool (cmd/avpsim's `unlock` command) may call it.
func (e *Engine) ResetPinLockout() error {
	if err := e.backend.PinReset(); err != nil {
		return err
	}
	e.session.ResetPinAttempts()
	return nil
}

func backendTypeName(b backend.Backend) string {
	type named interface{ BackendName() string }
	if n, ok := b.(named); ok {
		return n.BackendName()
	}
	return "unknown"
}
