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

// Command is a decoded request: an opcode plus the subset of fields
// relevant to it (§3 "Command"). The codec populates only the fields the
// wire payload actually carried; handlers never see the raw bytes.
type Command struct {
	Op Opcode

	SessionID     string
	Workspace     string
	Name          string
	Value         string
	AuthMethod    string
	PIN           string
	TTLSeconds    uint64
	HasTTL        bool
	KeyName       string
	Data          []byte
}

// wireCommand is the tolerant JSON shape the decoder reads into before
// validating and projecting it onto a Command. Keeping the raw JSON shape
// separate from Command means the decoder's field-level validation (length
// caps, hex decoding) happens in exactly one place, per §4.1's note that a
// re-implementation should enforce constraints in the decoder, not the
// handlers.
type wireCommand struct {
	Op            *string `json:"op"`
	SessionID     *string `json:"session_id"`
	Workspace     *string `json:"workspace"`
	Name          *string `json:"name"`
	Value         *string `json:"value"`
	AuthMethod    *string `json:"auth_method"`
	PIN           *string `json:"pin"`
	TTL           *uint64 `json:"ttl"`
	RequestedTTL  *uint64 `json:"requested_ttl"`
	KeyName       *string `json:"key_name"`
	Data          *string `json:"data"`
}
