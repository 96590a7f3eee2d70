// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package datastore

import (
	"crypto/rand"
	"encoding/base64"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

const secretboxNonceSize = 24

// StringCrypto encrypts stored NickServ passwords with a symmetric key
// loaded from a key file on disk.
type StringCrypto struct {
	key [32]byte
}

// NewStringCrypto loads the 32-byte key from path. The file holds the raw
// key bytes, generated once with GenerateKeyFile.
func NewStringCrypto(path string) (*StringCrypto, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read passkey file")
	}
	if len(raw) != 32 {
		return nil, errors.Errorf("passkey file must hold exactly 32 bytes, got %d", len(raw))
	}
	c := &StringCrypto{}
	copy(c.key[:], raw)
	return c, nil
}

// GenerateKeyFile writes a fresh random key to path with owner-only
// permissions. Fails if the file already exists.
func GenerateKeyFile(path string) error {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return errors.Wrap(err, "failed to generate passkey")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return errors.Wrap(err, "failed to create passkey file")
	}
	defer f.Close()
	_, err = f.Write(key)
	return errors.Wrap(err, "failed to write passkey file")
}

// Encrypt seals the plaintext and returns it base64-encoded with the nonce
// prepended.
func (c *StringCrypto) Encrypt(plaintext string) (string, error) {
	var nonce [secretboxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", errors.Wrap(err, "failed to generate nonce")
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *StringCrypto) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.Wrap(err, "ciphertext is not valid base64")
	}
	if len(raw) < secretboxNonceSize {
		return "", errors.New("ciphertext too short")
	}
	var nonce [secretboxNonceSize]byte
	copy(nonce[:], raw[:secretboxNonceSize])
	plaintext, ok := secretbox.Open(nil, raw[secretboxNonceSize:], &nonce, &c.key)
	if !ok {
		return "", errors.New("failed to decrypt: wrong key or corrupted data")
	}
	return string(plaintext), nil
}
