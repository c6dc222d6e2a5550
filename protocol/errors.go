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

import "errors"

// ErrorKind is the closed set of wire error codes a Response can carry.
// The set is fixed by the protocol; handlers and the dispatcher only ever
// select among these, never invent new strings.
type ErrorKind string

const (
	ErrParse            ErrorKind = "PARSE_ERROR"
	ErrInvalidOperation ErrorKind = "INVALID_OPERATION"
	ErrInvalidParameter ErrorKind = "INVALID_PARAMETER"
	ErrNotAuthenticated ErrorKind = "NOT_AUTHENTICATED"
	ErrSessionExpired   ErrorKind = "SESSION_EXPIRED"
	ErrSecretNotFound   ErrorKind = "SECRET_NOT_FOUND"
	ErrCapacityExceeded ErrorKind = "CAPACITY_EXCEEDED"
	ErrHardwareError    ErrorKind = "HARDWARE_ERROR"
	ErrCryptoError      ErrorKind = "CRYPTO_ERROR"
	ErrPinInvalid       ErrorKind = "PIN_INVALID"
	ErrPinLocked        ErrorKind = "PIN_LOCKED"
	ErrInternal         ErrorKind = "INTERNAL_ERROR"
)

// defaultMessages supplies a stable human-readable message per kind when the
// caller does not have anything more specific to say. Handlers may still
// attach a more precise message (e.g. "name exceeds 63 bytes") via newFault.
var defaultMessages = map[ErrorKind]string{
	ErrParse:            "could not parse request",
	ErrInvalidOperation: "unknown operation",
	ErrInvalidParameter: "invalid parameter",
	ErrNotAuthenticated: "no active session",
	ErrSessionExpired:   "session has expired",
	ErrSecretNotFound:   "secret not found",
	ErrCapacityExceeded: "secret capacity exceeded",
	ErrHardwareError:    "hardware error",
	ErrCryptoError:      "cryptographic operation failed",
	ErrPinInvalid:       "PIN invalid",
	ErrPinLocked:        "PIN attempts exhausted",
	ErrInternal:         "INTERNAL_ERROR",
}

// Fault is the error type the dispatcher and handlers use to carry a wire
// ErrorKind alongside a human-readable message, the way the teacher's
// storage package uses sentinel errors (storage.ErrAccessKeyNotFound, et
// al.) rather than ad hoc strings. Use AsFault to recover the Kind and
// message from an error value.
type Fault struct {
	Kind    ErrorKind
	Message string
}

func (f *Fault) Error() string {
	if f.Message != "" {
		return f.Message
	}
	return string(f.Kind)
}

// newFault builds a Fault, falling back to the default message for Kind
// when msg is empty.
func newFault(kind ErrorKind, msg string) *Fault {
	if msg == "" {
		msg = defaultMessages[kind]
	}
	return &Fault{Kind: kind, Message: msg}
}

// AsFault recovers the Fault carried by err, if any.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
