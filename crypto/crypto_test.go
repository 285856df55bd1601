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

package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveRoomKeyDeterministic(t *testing.T) {
	k1 := DeriveRoomKey("hunter2", "rust-chat")
	k2 := DeriveRoomKey("hunter2", "rust-chat")
	require.Len(t, k1, KeySize)
	assert.Equal(t, k1, k2, "identical (password, room) must derive identical keys")

	k3 := DeriveRoomKey("hunter3", "rust-chat")
	assert.NotEqual(t, k1, k3)

	k4 := DeriveRoomKey("hunter2", "rust-chat2")
	assert.NotEqual(t, k1, k4)
}

func TestDeriveRoomKeyEmptyPassword(t *testing.T) {
	key := DeriveRoomKey("", "open")
	require.Len(t, key, KeySize)
	assert.False(t, bytes.Equal(key, make([]byte, KeySize)), "empty password must not short-circuit to a zero key")
}

func TestDeriveRoomKeyLongRoomNameTruncatesSalt(t *testing.T) {
	// Salt is the first 16 bytes of the room name; names sharing a 16-byte
	// prefix therefore share a salt, but not a key unless passwords match.
	k1 := DeriveRoomKey("pw", "exactly-16-bytes")
	k2 := DeriveRoomKey("pw", "exactly-16-bytes-and-more")
	assert.Equal(t, k1, k2)
}

func TestSealOpenRoundtrip(t *testing.T) {
	key := DeriveRoomKey("hunter2", "rust-chat")
	plaintext := []byte(`{"msg_type":"CHAT","nick":"Seung","text":"hi"}`)

	sealed, err := Seal(key, plaintext)
	require.NoError(t, err)
	require.Greater(t, len(sealed), NonceSize+TagSize)

	opened, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSealFreshNoncePerMessage(t *testing.T) {
	key := DeriveRoomKey("hunter2", "rust-chat")
	a, err := Seal(key, []byte("hi"))
	require.NoError(t, err)
	b, err := Seal(key, []byte("hi"))
	require.NoError(t, err)
	assert.NotEqual(t, a[:NonceSize], b[:NonceSize])
	assert.NotEqual(t, a, b)
}

func TestOpenWrongKeyFails(t *testing.T) {
	key := DeriveRoomKey("hunter2", "rust-chat")
	wrong := DeriveRoomKey("wrong", "rust-chat")

	sealed, err := Seal(key, []byte("hi"))
	require.NoError(t, err)

	_, err = Open(wrong, sealed)
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestOpenTamperedCiphertextFails(t *testing.T) {
	key := DeriveRoomKey("hunter2", "rust-chat")
	sealed, err := Seal(key, []byte("hi"))
	require.NoError(t, err)

	for i := range sealed {
		tampered := append([]byte(nil), sealed...)
		tampered[i] ^= 0x01
		_, err := Open(key, tampered)
		assert.ErrorIs(t, err, ErrAuthFailure, "flip at byte %d must not decrypt", i)
	}
}

func TestOpenTruncated(t *testing.T) {
	key := DeriveRoomKey("hunter2", "rust-chat")
	_, err := Open(key, make([]byte, NonceSize+TagSize-1))
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestVerificationToken(t *testing.T) {
	key := DeriveRoomKey("hunter2", "rust-chat")

	token, err := VerificationToken(key, "rust-chat")
	require.NoError(t, err)

	// The zero-nonce construction makes the token deterministic, so any
	// number of republishes yields the same accept outcome.
	token2, err := VerificationToken(key, "rust-chat")
	require.NoError(t, err)
	assert.Equal(t, token, token2)

	assert.True(t, CheckVerificationToken(key, "rust-chat", token))

	wrong := DeriveRoomKey("wrong", "rust-chat")
	assert.False(t, CheckVerificationToken(wrong, "rust-chat", token))
	assert.False(t, CheckVerificationToken(key, "other-room", token))
	assert.False(t, CheckVerificationToken(key, "rust-chat", token[:len(token)-1]))
}

func TestVerificationTokenEmptyPassword(t *testing.T) {
	key := DeriveRoomKey("", "open")
	token, err := VerificationToken(key, "open")
	require.NoError(t, err)
	assert.True(t, CheckVerificationToken(key, "open", token))
}
