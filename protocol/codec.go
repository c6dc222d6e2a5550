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
	"encoding/json"
	"strings"
)

// Field size limits, compile-time constants per §6.
const (
	MaxNameLen      = 63
	MaxValueLen     = 511
	MaxWorkspaceLen = 63
	MaxSessionIDLen = 32
	MaxDataHexLen   = 256 * 2 // decoded length <= 256 bytes
	MaxJSONLen      = 1024
	MaxPINLen       = 16

	// MaxSecretSize is MAX_SECRET_SIZE (§6), the capacity DISCOVER
	// advertises. It is smaller than MaxValueLen, which bounds what the
	// decoder itself will accept on the wire (§4.1); a value between the
	// two limits decodes fine but is the backend's concern, not the
	// codec's.
	MaxSecretSize = 256
)

// Decode parses one newline-terminated JSON request (§4.1). Leading
// whitespace before the opening brace is tolerated; unknown fields are
// ignored; every recognized field is validated for type, length, and
// encoding before Command is handed to the dispatcher.
func Decode(raw []byte) (Command, error) {
	trimmed := strings.TrimLeft(string(raw), " \t\r\n")

	if len(raw) > MaxJSONLen {
		return Command{}, newFault(ErrInvalidParameter, "request exceeds maximum length")
	}

	var w wireCommand
	dec := json.NewDecoder(strings.NewReader(trimmed))
	if err := dec.Decode(&w); err != nil {
		return Command{}, newFault(ErrParse, "malformed JSON request")
	}

	if w.Op == nil {
		return Command{}, newFault(ErrParse, "missing op field")
	}

	op, ok := parseOpcode(*w.Op)
	if !ok {
		return Command{}, newFault(ErrInvalidOperation, "unknown operation: "+*w.Op)
	}

	cmd := Command{Op: op}

	if w.SessionID != nil {
		if len(*w.SessionID) > MaxSessionIDLen {
			return Command{}, newFault(ErrInvalidParameter, "session_id too long")
		}
		cmd.SessionID = *w.SessionID
	}

	if w.Workspace != nil {
		if len(*w.Workspace) > MaxWorkspaceLen {
			return Command{}, newFault(ErrInvalidParameter, "workspace too long")
		}
		cmd.Workspace = *w.Workspace
	}

	if w.Name != nil {
		if len(*w.Name) == 0 || len(*w.Name) > MaxNameLen {
			return Command{}, newFault(ErrInvalidParameter, "name must be 1..63 bytes")
		}
		cmd.Name = *w.Name
	}

	if w.Value != nil {
		if len(*w.Value) > MaxValueLen {
			return Command{}, newFault(ErrInvalidParameter, "value exceeds 511 bytes")
		}
		cmd.Value = *w.Value
	}

	if w.AuthMethod != nil {
		cmd.AuthMethod = *w.AuthMethod
	}

	if w.PIN != nil {
		if len(*w.PIN) > MaxPINLen {
			return Command{}, newFault(ErrInvalidParameter, "pin exceeds maximum length")
		}
		cmd.PIN = *w.PIN
	}

	if w.RequestedTTL != nil {
		cmd.TTLSeconds = *w.RequestedTTL
		cmd.HasTTL = true
	} else if w.TTL != nil {
		cmd.TTLSeconds = *w.TTL
		cmd.HasTTL = true
	}

	if w.KeyName != nil {
		if len(*w.KeyName) > MaxNameLen {
			return Command{}, newFault(ErrInvalidParameter, "key_name too long")
		}
		cmd.KeyName = *w.KeyName
	}

	if w.Data != nil {
		if len(*w.Data)%2 != 0 || len(*w.Data) > MaxDataHexLen {
			return Command{}, newFault(ErrInvalidParameter, "data must be even-length hex, <=256 bytes decoded")
		}
		decoded, err := hex.DecodeString(*w.Data)
		if err != nil {
			return Command{}, newFault(ErrInvalidParameter, "data is not valid hex")
		}
		cmd.Data = decoded
	}

	return cmd, nil
}

// Encode projects a Response to its canonical single-line JSON form (§4.1).
// A marshaling failure collapses to the canonical internal-error payload
// rather than leaking a partial object, matching the "truncated-with-
// failure" policy.
func Encode(resp Response) []byte {
	payload := resp.wirePayload()

	out, err := json.Marshal(payload)
	if err != nil {
		return canonicalInternalError()
	}
	return append(out, '\n')
}

func canonicalInternalError() []byte {
	b, _ := json.Marshal(map[string]any{
		"ok":      false,
		"error":   string(ErrInternal),
		"message": string(ErrInternal),
	})
	return append(b, '\n')
}
