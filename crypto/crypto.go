/* -*- coding: utf-8 -*-
* ------------------------------------------------------------------------------
*
*   Copyright 2018-2019 Fetch.AI Limited
*
*   Licensed under the Apache License, Version 2.0 (the "License");
*   you may not use this file except in compliance with the License.
*   You may obtain a copy of the License at
*
*       http://www.apache.org/licenses/LICENSE-2.0
*
*   Unless required by applicable law or agreed to in writing, software
*   distributed under the License is distributed on an "AS IS" BASIS,
*   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
*   See the License for the specific language governing permissions and
*   limitations under the License.
*
* ------------------------------------------------------------------------------
 */

// Package crypto implements the password-based room protocol: Argon2id room
// key derivation, per-message AES-256-GCM sealing, and the join verification
// token. All nodes must use the same derivation parameters, otherwise peers
// derive different keys for the same password.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the room key length in bytes.
	KeySize = 32
	// NonceSize is the AES-GCM nonce length in bytes.
	NonceSize = 12
	// TagSize is the AES-GCM authentication tag length in bytes.
	TagSize = 16

	saltSize = 16

	// Protocol-fixed Argon2id parameters.
	argonTime    = 2
	argonMemory  = 19 * 1024 // KiB
	argonThreads = 1

	tokenPrefix = "chatapp-v1-verification::"
)

// ErrAuthFailure is returned when a ciphertext fails tag verification.
// Callers must silently discard the message; see the silent-discard policy.
var ErrAuthFailure = errors.New("message authentication failed")

// ErrTruncated is returned for wire messages too short to carry a nonce and tag.
var ErrTruncated = errors.New("ciphertext truncated")

// DeriveRoomKey derives the 32-byte room key from the room password and the
// room name. The salt is the room name padded with zero bytes to 16 bytes,
// or truncated if longer. An empty password is permitted and yields a
// well-defined key.
func DeriveRoomKey(password, roomName string) []byte {
	salt := make([]byte, saltSize)
	copy(salt, roomName)
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, KeySize)
}

// Seal encrypts plaintext under the room key and returns
// nonce(12) || ciphertext || tag(16). The nonce is drawn from the OS
// cryptographic random source on every call.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "while drawing nonce")
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open splits msg into nonce | ciphertext | tag by fixed offsets and
// decrypts. It returns ErrAuthFailure when the tag does not verify under key.
func Open(key, msg []byte) ([]byte, error) {
	if len(msg) < NonceSize+TagSize {
		return nil, ErrTruncated
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, msg[:NonceSize], msg[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

// VerificationToken produces the admission probe for a room: the fixed
// prefix plus the room name, encrypted under the room key with an all-zero
// nonce. The token plaintext is public; successful decryption only proves
// possession of the key. Do not reuse the zero-nonce pattern for chat
// payloads.
func VerificationToken(key []byte, roomName string) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	return aead.Seal(nonce, nonce, []byte(tokenPrefix+roomName), nil), nil
}

// CheckVerificationToken decrypts a received token with the candidate key
// and verifies its plaintext matches the expected room name.
func CheckVerificationToken(key []byte, roomName string, token []byte) bool {
	plaintext, err := Open(key, token)
	if err != nil {
		return false
	}
	expected := []byte(tokenPrefix + roomName)
	return subtle.ConstantTimeCompare(plaintext, expected) == 1
}

// TokenPlaintext returns the expected token plaintext for a room.
func TokenPlaintext(roomName string) []byte {
	return []byte(tokenPrefix + roomName)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errors.Errorf("room key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "while initializing cipher")
	}
	return cipher.NewGCM(block)
}
