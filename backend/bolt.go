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
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"
)

// Bucket names for the bbolt-backed backend, one per concern, matching the
// teacher's index/bolt package convention of a bucket per logical table.
const (
	bucketSlots = "slots"
	bucketMeta  = "meta"
	bucketKeys  = "keys"

	metaKeyPinHash      = "pin_hash"
	metaKeyPinAttempts  = "pin_attempts"
	metaKeyPinLockedOut = "pin_locked_out"
	metaKeySignPriv     = "sign_priv"
	metaKeySignPub      = "sign_pub"

	boltHardwareLockoutThreshold = 10
)

// Bolt is a Backend implementation standing in for "real silicon with
// flash-backed slots" (§4.5). It persists slot bytes (sealed with
// AES-256-GCM) and a bcrypt hash of the configured PIN to a bbolt file,
// built the same way the teacher's utils.BoltClient / index/bolt package
// open and migrate a bbolt database: one bucket per concern, short
// View/Update transactions.
//
// Unlike Memory, Bolt survives process restarts — which is exactly what
// spec.md describes the secure element as doing for slot bytes, while the
// protocol engine's own secret-name index above it stays purely in memory
// and is lost on every restart (§6 "Persisted state").
type Bolt struct {
	db       *bbolt.DB
	sealKey  [32]byte
	info     DeviceInfo
	clockFn  func() int64
}

var _ Backend = (*Bolt)(nil)

// OpenBolt opens (creating if necessary) a bbolt-backed backend at path,
// sealing slot contents under a key derived from pin, and installing the
// device PIN hash on first use.
func OpenBolt(path, pin string, info DeviceInfo) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		log.Err(err).Str("path", path).Msg("failed to open bolt-backed secure element store")
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	b := &Bolt{
		db:      db,
		sealKey: sha256.Sum256([]byte("avp-core:seal:" + pin)),
		info:    info,
		clockFn: func() int64 { return time.Now().Unix() },
	}

	if err := b.installSchema(pin); err != nil {
		_ = db.Close()
		return nil, err
	}

	return b, nil
}

func (b *Bolt) installSchema(pin string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketSlots, bucketMeta, bucketKeys} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte(metaKeyPinHash)) == nil {
			hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash pin: %w", err)
			}
			if err := meta.Put([]byte(metaKeyPinHash), hash); err != nil {
				return err
			}
			if err := meta.Put([]byte(metaKeyPinAttempts), []byte("0")); err != nil {
				return err
			}
		}

		keys := tx.Bucket([]byte(bucketKeys))
		if keys.Get([]byte(metaKeySignPriv)) == nil {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate signing key: %w", err)
			}
			if err := keys.Put([]byte(metaKeySignPriv), priv); err != nil {
				return err
			}
			if err := keys.Put([]byte(metaKeySignPub), pub); err != nil {
				return err
			}
		}

		return nil
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) NowSeconds() int64 {
	return b.clockFn()
}

func (b *Bolt) Random(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("bolt backend: random: %w", err)
	}
	return out, nil
}

func (b *Bolt) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.sealKey[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (b *Bolt) unseal(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.sealKey[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("sealed slot data truncated")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func slotKey(slot int) []byte {
	return []byte(strconv.Itoa(slot))
}

func (b *Bolt) SlotWrite(slot int, data []byte) error {
	sealed, err := b.seal(data)
	if err != nil {
		return fmt.Errorf("seal slot %d: %w", slot, err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketSlots)).Put(slotKey(slot), sealed)
	})
}

func (b *Bolt) SlotRead(slot int) ([]byte, error) {
	var sealed []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketSlots)).Get(slotKey(slot))
		if v == nil {
			return ErrSlotEmpty
		}
		sealed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b.unseal(sealed)
}

func (b *Bolt) SlotErase(slot int) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketSlots)).Delete(slotKey(slot))
	})
}

func (b *Bolt) PinVerify(pin string) (PinResult, error) {
	var (
		hash     []byte
		attempts int
		lockedOut bool
	)

	err := b.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		hash = append([]byte(nil), meta.Get([]byte(metaKeyPinHash))...)
		attempts = decodeInt(meta.Get([]byte(metaKeyPinAttempts)))
		lockedOut = len(meta.Get([]byte(metaKeyPinLockedOut))) > 0
		return nil
	})
	if err != nil {
		return PinInvalid, err
	}

	if lockedOut || attempts >= boltHardwareLockoutThreshold {
		return PinLocked, b.markHardwareLockout()
	}

	if bcrypt.CompareHashAndPassword(hash, []byte(pin)) != nil {
		if err := b.bumpPinAttempts(attempts + 1); err != nil {
			return PinInvalid, err
		}
		return PinInvalid, nil
	}

	return PinOK, b.bumpPinAttempts(0)
}

func (b *Bolt) bumpPinAttempts(n int) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketMeta)).Put([]byte(metaKeyPinAttempts), []byte(strconv.Itoa(n)))
	})
}

func (b *Bolt) markHardwareLockout() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketMeta)).Put([]byte(metaKeyPinLockedOut), []byte("1"))
	})
}

func (b *Bolt) PinReset() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		if err := meta.Put([]byte(metaKeyPinAttempts), []byte("0")); err != nil {
			return err
		}
		return meta.Delete([]byte(metaKeyPinLockedOut))
	})
}

func (b *Bolt) Sign(keySlot int, data []byte) ([]byte, error) {
	if keySlot < KeySlotBase || keySlot >= KeySlotBase+KeySlotCount {
		return nil, fmt.Errorf("bolt backend: key slot %d out of range", keySlot)
	}
	priv, err := b.signingKey()
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, data), nil
}

func (b *Bolt) Attest(challenge []byte) ([]byte, error) {
	priv, err := b.signingKey()
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, challenge), nil
}

func (b *Bolt) signingKey() (ed25519.PrivateKey, error) {
	var priv []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		priv = append([]byte(nil), tx.Bucket([]byte(bucketKeys)).Get([]byte(metaKeySignPriv))...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("bolt backend: signing key not installed")
	}
	return ed25519.PrivateKey(priv), nil
}

func (b *Bolt) DeviceInfo() DeviceInfo {
	return b.info
}

// BackendName identifies this implementation for DISCOVER's backend_type
// field (§4.4).
func (b *Bolt) BackendName() string {
	return "bbolt"
}

func decodeInt(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0
	}
	return n
}
