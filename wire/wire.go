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

// Package wire defines the plaintext payload carried inside encrypted room
// messages, the topic naming scheme, and the protocol size limits. The
// payload is JSON so the wire stays inspectable during development; unknown
// fields are ignored on decode.
package wire

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

// Message types carried in the msg_type field.
const (
	MsgTypeChat       = "CHAT"
	MsgTypeJoinVerify = "JOIN_VERIFY"
)

const (
	// TopicPrefix is prepended to the room name to form the pub/sub topic.
	TopicPrefix = "/chatapp/v1/rooms/"

	// MaxWireSize bounds the encrypted payload published to a topic.
	MaxWireSize = 64 * 1024
	// MaxChatRunes bounds chat text, counted in code points.
	MaxChatRunes = 2048
	// MaxRoomNameLen bounds the room name, in bytes.
	MaxRoomNameLen = 64
	// MaxNicknameLen bounds the nickname, in characters.
	MaxNicknameLen = 32

	// SkewWindow is how far a chat timestamp may lie from the local clock
	// before the log entry is flagged.
	SkewWindow = 24 * time.Hour

	timeLayout = time.RFC3339
)

// TooLargeError reports an input exceeding a protocol size limit.
type TooLargeError struct {
	Limit int
}

func (e *TooLargeError) Error() string {
	return errors.Errorf("input exceeds limit of %d", e.Limit).Error()
}

// Payload is the plaintext of a wire message.
type Payload struct {
	MsgType   string `json:"msg_type"`
	Nick      string `json:"nick"`
	Disc      string `json:"disc"`
	Timestamp string `json:"ts"`
	Text      string `json:"text"`
}

// Marshal serializes the payload. Field order on the wire is irrelevant.
func (p *Payload) Marshal() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "while serializing payload")
	}
	return data, nil
}

// UnmarshalPayload parses a decrypted plaintext. Unknown fields are ignored;
// an unknown msg_type is rejected so future protocol versions fail closed.
func UnmarshalPayload(data []byte) (*Payload, error) {
	payload := &Payload{}
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, errors.Wrap(err, "while parsing payload")
	}
	if payload.MsgType != MsgTypeChat && payload.MsgType != MsgTypeJoinVerify {
		return nil, errors.Errorf("unknown msg_type %q", payload.MsgType)
	}
	return payload, nil
}

// NormalizeRoomName NFC-normalizes a room name. Applied once at create and
// at join, before the name is used as a KDF salt or a topic suffix, so that
// visually identical names derive identical keys.
func NormalizeRoomName(name string) string {
	return norm.NFC.String(name)
}

// ValidateRoomName rejects empty, oversized, and malformed room names.
func ValidateRoomName(name string) error {
	if len(name) == 0 {
		return errors.New("room name must not be empty")
	}
	if len(name) > MaxRoomNameLen {
		return &TooLargeError{Limit: MaxRoomNameLen}
	}
	if !utf8.ValidString(name) || strings.ContainsRune(name, 0) {
		return errors.New("room name must be valid UTF-8 without NUL")
	}
	return nil
}

// ValidateChatText enforces the chat text limit in code points.
func ValidateChatText(text string) error {
	if utf8.RuneCountInString(text) > MaxChatRunes {
		return &TooLargeError{Limit: MaxChatRunes}
	}
	return nil
}

// TopicForRoom returns the pub/sub topic string for a room name. The name
// must already be normalized.
func TopicForRoom(name string) string {
	return TopicPrefix + name
}

// RoomForTopic is the inverse of TopicForRoom.
func RoomForTopic(topic string) (string, bool) {
	return strings.CutPrefix(topic, TopicPrefix)
}

// Discriminator returns the first four lowercase hex characters of the Peer
// ID multihash, shown next to a nickname to disambiguate display names.
func Discriminator(id peer.ID) string {
	return hex.EncodeToString([]byte(id))[:4]
}

// ShortPeer is the display form used for peers whose nickname is unknown.
func ShortPeer(id peer.ID) string {
	s := id.String()
	if len(s) <= 8 {
		return s
	}
	return s[len(s)-8:]
}

// FormatTimestamp renders t as RFC-3339 UTC for the ts field.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTimestamp parses a ts field value.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "while parsing timestamp")
	}
	return t, nil
}

// IsSkewed reports whether ts lies outside the accepted window around now.
// Skewed messages are still accepted, only flagged in the log.
func IsSkewed(ts, now time.Time) bool {
	d := now.Sub(ts)
	if d < 0 {
		d = -d
	}
	return d > SkewWindow
}
