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

// Response is a tagged variant over success and failure (§3 "Response").
// At most one of the payload pointers below is set when Success is true
// (STORE, DELETE and ROTATE set none); none are meaningful otherwise. Handlers build a Response by setting the
// fields for their own opcode; the dispatcher never inspects which struct
// was populated to decide the shape (§9 "Response shaping by populated
// fields" — the thing this design explicitly replaces) — instead
// wirePayload keys off Op, so the encoder is total and unambiguous.
type Response struct {
	Op      Opcode
	Success bool
	Fault   *Fault

	Discover     *DiscoverPayload
	Authenticate *AuthenticatePayload
	Retrieve     *RetrievePayload
	List         *ListPayload
	HWChallenge  *HWChallengePayload
	HWSign       *HWSignPayload
	HWAttest     *HWAttestPayload
}

// Capabilities is the static device capability descriptor returned by
// DISCOVER.
type Capabilities struct {
	HWSign        bool `json:"hw_sign"`
	HWAttest      bool `json:"hw_attest"`
	MaxSecrets    int  `json:"max_secrets"`
	MaxSecretSize int  `json:"max_secret_size"`
}

type DiscoverPayload struct {
	Version      string       `json:"version"`
	BackendType  string       `json:"backend_type"`
	Manufacturer string       `json:"manufacturer"`
	Model        string       `json:"model"`
	Serial       string       `json:"serial"`
	Capabilities Capabilities `json:"capabilities"`
}

type AuthenticatePayload struct {
	SessionID string `json:"session_id"`
	ExpiresIn uint64 `json:"expires_in"`
	Workspace string `json:"workspace"`
}

type RetrievePayload struct {
	Value string `json:"value"`
}

// SecretSummary is one entry of a LIST response (§6).
type SecretSummary struct {
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

type ListPayload struct {
	Secrets []SecretSummary `json:"secrets"`
}

type HWChallengePayload struct {
	Verified bool   `json:"verified"`
	Model    string `json:"model"`
	Serial   string `json:"serial"`
}

type HWSignPayload struct {
	Signature string `json:"signature"`
}

type HWAttestPayload struct {
	Attestation string `json:"attestation"`
}

// failEnvelope, emptyOKEnvelope and the per-opcode envelopes below fix the
// JSON key order for each shape; Go's
// encoding/json marshals struct fields in declaration order, which is how
// §4.1's "byte-stable output" requirement is met without hand-rolled
// writing.
type failEnvelope struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type emptyOKEnvelope struct {
	OK bool `json:"ok"`
}

type discoverEnvelope struct {
	OK bool `json:"ok"`
	DiscoverPayload
}

type authenticateEnvelope struct {
	OK bool `json:"ok"`
	AuthenticatePayload
}

type retrieveEnvelope struct {
	OK bool `json:"ok"`
	RetrievePayload
}

type listEnvelope struct {
	OK bool `json:"ok"`
	ListPayload
}

type hwChallengeEnvelope struct {
	OK bool `json:"ok"`
	HWChallengePayload
}

type hwSignEnvelope struct {
	OK bool `json:"ok"`
	HWSignPayload
}

type hwAttestEnvelope struct {
	OK bool `json:"ok"`
	HWAttestPayload
}

// wirePayload selects the JSON shape for resp by opcode, never by which
// pointer field happens to be non-nil.
func (resp Response) wirePayload() any {
	if !resp.Success {
		f := resp.Fault
		if f == nil {
			f = newFault(ErrInternal, "")
		}
		return failEnvelope{OK: false, Error: string(f.Kind), Message: f.Message}
	}

	switch resp.Op {
	case OpDiscover:
		if resp.Discover == nil {
			return emptyOKEnvelope{OK: true}
		}
		return discoverEnvelope{OK: true, DiscoverPayload: *resp.Discover}
	case OpAuthenticate:
		if resp.Authenticate == nil {
			return emptyOKEnvelope{OK: true}
		}
		return authenticateEnvelope{OK: true, AuthenticatePayload: *resp.Authenticate}
	case OpRetrieve:
		if resp.Retrieve == nil {
			return emptyOKEnvelope{OK: true}
		}
		return retrieveEnvelope{OK: true, RetrievePayload: *resp.Retrieve}
	case OpList:
		if resp.List == nil {
			return listEnvelope{OK: true, ListPayload: ListPayload{Secrets: []SecretSummary{}}}
		}
		return listEnvelope{OK: true, ListPayload: *resp.List}
	case OpHWChallenge:
		if resp.HWChallenge == nil {
			return emptyOKEnvelope{OK: true}
		}
		return hwChallengeEnvelope{OK: true, HWChallengePayload: *resp.HWChallenge}
	case OpHWSign:
		if resp.HWSign == nil {
			return emptyOKEnvelope{OK: true}
		}
		return hwSignEnvelope{OK: true, HWSignPayload: *resp.HWSign}
	case OpHWAttest:
		if resp.HWAttest == nil {
			return emptyOKEnvelope{OK: true}
		}
		return hwAttestEnvelope{OK: true, HWAttestPayload: *resp.HWAttest}
	default:
		// STORE, DELETE, ROTATE: empty payload on success (§4.4).
		return emptyOKEnvelope{OK: true}
	}
}

func success(op Opcode) Response {
	return Response{Op: op, Success: true}
}

func failure(op Opcode, f *Fault) Response {
	return Response{Op: op, Success: false, Fault: f}
}
