package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/csaude/sespct-api/interfaces"
	"github.com/csaude/sespct-api/settings"
)

const (
	storagePrefixV1  = "{v1}"
	storagePrefixB64 = "{b64}"
)

// Keeper protects settings values at rest with a process-local master key.
// The 256-bit AES key lives base64-encoded in the settings store under
// settings.KeyMasterKeyB64; it is created on first use and cached for the
// process lifetime. Rotation is an operator concern, never automatic.
type Keeper struct {
	repo interfaces.SettingRepo

	mu     sync.Mutex
	master []byte
}

// NewKeeper creates a keeper backed by the given settings repository.
func NewKeeper(repo interfaces.SettingRepo) *Keeper {
	return &Keeper{repo: repo}
}

// EncryptForStorage seals plain under the master key and returns
// "{v1}" + base64(iv || ciphertext+tag). When the master key cannot be
// obtained the value falls back to "{b64}" + base64(plain) so storage never
// loses it, but callers must treat {b64} values as not confidential.
// Empty input encrypts to the empty string.
func (k *Keeper) EncryptForStorage(ctx context.Context, plain string) string {
	if strings.TrimSpace(plain) == "" {
		return ""
	}

	key, err := k.masterKey(ctx)
	if err != nil {
		return storagePrefixB64 + base64.StdEncoding.EncodeToString([]byte(plain))
	}

	iv := make([]byte, gcmIVBytes)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return storagePrefixB64 + base64.StdEncoding.EncodeToString([]byte(plain))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return storagePrefixB64 + base64.StdEncoding.EncodeToString([]byte(plain))
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return storagePrefixB64 + base64.StdEncoding.EncodeToString([]byte(plain))
	}

	ct := gcm.Seal(nil, iv, []byte(plain), nil)
	payload := append(iv, ct...)
	return storagePrefixV1 + base64.StdEncoding.EncodeToString(payload)
}

// DecryptForStorage reverses EncryptForStorage, dispatching on the format
// prefix. Values without a known prefix are legacy plaintext and returned
// unchanged. Undecryptable {v1} values yield the empty string.
func (k *Keeper) DecryptForStorage(ctx context.Context, stored string) string {
	stored = strings.TrimSpace(stored)
	if stored == "" {
		return ""
	}

	switch {
	case strings.HasPrefix(stored, storagePrefixV1):
		blob, err := base64.StdEncoding.DecodeString(stored[len(storagePrefixV1):])
		if err != nil || len(blob) < gcmIVBytes+gcmTagBytes {
			return ""
		}

		key, err := k.masterKey(ctx)
		if err != nil {
			return ""
		}

		block, err := aes.NewCipher(key)
		if err != nil {
			return ""
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return ""
		}

		clear, err := gcm.Open(nil, blob[:gcmIVBytes], blob[gcmIVBytes:], nil)
		if err != nil {
			return ""
		}
		return string(clear)

	case strings.HasPrefix(stored, storagePrefixB64):
		raw, err := base64.StdEncoding.DecodeString(stored[len(storagePrefixB64):])
		if err != nil {
			return ""
		}
		return string(raw)

	default:
		return stored
	}
}

// masterKey returns the cached master key, loading it from settings or
// creating and persisting a fresh one on first use. The mutex makes the
// load-or-create race-free; afterwards reads hit the cached copy.
// A fresh key is created only when the store reports the key absent or
// blank. Any other read error propagates, so a backend outage can never
// overwrite a persisted key and orphan existing {v1} values.
func (k *Keeper) masterKey(ctx context.Context) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.master != nil {
		return k.master, nil
	}

	stored, err := k.repo.Get(ctx, settings.KeyMasterKeyB64)
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return nil, err
	}
	if err == nil && strings.TrimSpace(stored) != "" {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(stored))
		if err != nil {
			return nil, err
		}
		k.master = raw
		return k.master, nil
	}

	key := make([]byte, aesKeyBytes)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}

	enc := base64.StdEncoding.EncodeToString(key)
	if err := k.repo.Upsert(ctx, settings.KeyMasterKeyB64, enc, "SECRET",
		"AES-256 master key protecting settings values at rest", true, "system"); err != nil {
		return nil, err
	}

	k.master = key
	return k.master, nil
}
