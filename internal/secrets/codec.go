// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

// Package secrets implements the credential codec that protects provider
// secrets at rest.
//
// Encryption scheme:
//   - Key derived from the configured application secret with Argon2id
//     (memory-hard) and a fixed application-level salt
//   - AES-256-GCM authenticated encryption, fresh random nonce per call
//   - Blob layout: nonce (12 bytes) || auth tag (16 bytes) || ciphertext
//
// Decryption verifies the authentication tag and fails loudly on any
// mismatch; a tampered blob never yields garbage plaintext.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/argon2"

	"github.com/roomcast/roomcast/internal/models"
)

const (
	// credentialSalt is the fixed, application-specific salt for key
	// derivation. Binding the key to this salt keeps it distinct from any
	// other use of the same secret.
	credentialSalt = "roomcast-calendar-credentials"

	// Argon2id parameters: 1 pass, 64 MiB, 4 lanes.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4

	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

var (
	// ErrEmptySecret is returned when an empty encryption secret is provided.
	ErrEmptySecret = errors.New("encryption secret cannot be empty")

	// ErrBlobTooShort is returned when a blob is shorter than nonce + tag.
	ErrBlobTooShort = errors.New("credential blob too short")

	// ErrDecryptionFailed is returned when the authentication tag check
	// fails (corrupt or tampered blob, or wrong secret).
	ErrDecryptionFailed = errors.New("credential decryption failed: invalid blob or authentication tag")
)

// Codec encrypts and decrypts provider credential objects.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec derives the symmetric key from secret and prepares the cipher.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	key := argon2.IDKey([]byte(secret), []byte(credentialSalt), argonTime, argonMemory, argonThreads, keySize)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Codec{aead: aead}, nil
}

// Encrypt serializes creds and returns the encrypted blob. Two calls with the
// same input produce different blobs (fresh nonce per call).
func (c *Codec) Encrypt(creds *models.Credentials) ([]byte, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize credentials: %w", err)
	}
	return c.seal(plaintext)
}

// Decrypt verifies and decrypts a blob produced by Encrypt, then validates
// the credential union before returning it.
func (c *Codec) Decrypt(blob []byte) (*models.Credentials, error) {
	plaintext, err := c.open(blob)
	if err != nil {
		return nil, err
	}

	var creds models.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("failed to deserialize credentials: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("decrypted credentials invalid: %w", err)
	}
	return &creds, nil
}

// seal encrypts plaintext into the nonce || tag || ciphertext layout.
func (c *Codec) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// GCM appends the tag after the ciphertext; the blob layout wants it
	// between nonce and ciphertext, so the sealed output is re-split here.
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, nonceSize+tagSize+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return blob, nil
}

// open splits a blob by fixed offsets, verifies the tag, and decrypts.
func (c *Codec) open(blob []byte) ([]byte, error) {
	if len(blob) < nonceSize+tagSize {
		return nil, ErrBlobTooShort
	}

	nonce := blob[:nonceSize]
	tag := blob[nonceSize : nonceSize+tagSize]
	ct := blob[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Validate performs a round-trip self test, for startup verification that the
// configured secret produces a working codec.
func (c *Codec) Validate() error {
	probe := &models.Credentials{
		Kind: models.ProviderICS,
		ICS:  &models.ICSCredentials{URL: "https://example.invalid/probe.ics"},
	}

	blob, err := c.Encrypt(probe)
	if err != nil {
		return fmt.Errorf("encryption self test failed: %w", err)
	}
	out, err := c.Decrypt(blob)
	if err != nil {
		return fmt.Errorf("decryption self test failed: %w", err)
	}
	if out.Kind != probe.Kind || out.ICS == nil || out.ICS.URL != probe.ICS.URL {
		return errors.New("round-trip self test failed: data mismatch")
	}
	return nil
}
