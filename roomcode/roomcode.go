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

// Package roomcode encodes and decodes shareable room codes: a Base58
// string bundling the room name, the creator's Peer ID and one reachable
// listen multiaddress. Base58 omits 0, O, I and l to avoid transcription
// errors when codes are shared out-of-band.
package roomcode

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multiaddr"
)

const (
	version = 1

	maxNameLen = 64
	maxIDLen   = 64
	maxAddrLen = 128
)

// InvalidCodeError reports a malformed room code and the offending field.
type InvalidCodeError struct {
	Field  string
	Reason string
}

func (e *InvalidCodeError) Error() string {
	return "invalid room code: " + e.Field + ": " + e.Reason
}

func invalid(field, reason string) error {
	return &InvalidCodeError{Field: field, Reason: reason}
}

// RoomCode is the decoded form of a shareable room code.
type RoomCode struct {
	Name   string
	PeerID peer.ID
	Addr   multiaddr.Multiaddr
}

// Encode serializes the code to its Base58 form. Binary layout:
// version, name length + name, peer ID length + multihash bytes, address
// length + binary multiaddress, and a trailing XOR checksum over all
// preceding bytes.
func Encode(code RoomCode) (string, error) {
	name := []byte(code.Name)
	if len(name) == 0 || len(name) > maxNameLen {
		return "", invalid("name", "length out of range")
	}
	if !utf8.Valid(name) || bytes.IndexByte(name, 0) >= 0 {
		return "", invalid("name", "must be UTF-8 without NUL")
	}
	id := []byte(code.PeerID)
	if len(id) == 0 || len(id) > maxIDLen {
		return "", invalid("peer_id", "length out of range")
	}
	if code.Addr == nil {
		return "", invalid("addr", "missing")
	}
	addr := code.Addr.Bytes()
	if len(addr) == 0 || len(addr) > maxAddrLen {
		return "", invalid("addr", "length out of range")
	}

	buf := make([]byte, 0, 4+len(name)+len(id)+len(addr)+1)
	buf = append(buf, version, byte(len(name)))
	buf = append(buf, name...)
	buf = append(buf, byte(len(id)))
	buf = append(buf, id...)
	buf = append(buf, byte(len(addr)))
	buf = append(buf, addr...)
	buf = append(buf, checksum(buf))

	return base58.Encode(buf), nil
}

// Decode parses a Base58 room code. It rejects unknown versions, checksum
// mismatches, out-of-range length fields and non-UTF-8 room names, naming
// the offending field.
func Decode(s string) (RoomCode, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RoomCode{}, invalid("code", "empty")
	}
	buf, err := base58.Decode(s)
	if err != nil {
		return RoomCode{}, invalid("code", "not valid Base58")
	}
	// version + name_len + 1 name byte + id_len + 1 id byte +
	// addr_len + 1 addr byte + checksum
	if len(buf) < 8 {
		return RoomCode{}, invalid("code", "truncated")
	}
	if sum := checksum(buf[:len(buf)-1]); sum != buf[len(buf)-1] {
		return RoomCode{}, invalid("checksum", "mismatch")
	}
	if buf[0] != version {
		return RoomCode{}, invalid("version", "unknown")
	}

	r := reader{buf: buf[1 : len(buf)-1]}

	name, err := r.field("name", 1, maxNameLen)
	if err != nil {
		return RoomCode{}, err
	}
	if !utf8.Valid(name) || bytes.IndexByte(name, 0) >= 0 {
		return RoomCode{}, invalid("name", "must be UTF-8 without NUL")
	}

	idBytes, err := r.field("peer_id", 1, maxIDLen)
	if err != nil {
		return RoomCode{}, err
	}
	id, err := peer.IDFromBytes(idBytes)
	if err != nil {
		return RoomCode{}, invalid("peer_id", "not a valid multihash")
	}

	addrBytes, err := r.field("addr", 1, maxAddrLen)
	if err != nil {
		return RoomCode{}, err
	}
	addr, err := multiaddr.NewMultiaddrBytes(addrBytes)
	if err != nil {
		return RoomCode{}, invalid("addr", "not a valid multiaddress")
	}

	if r.rest() != 0 {
		return RoomCode{}, invalid("code", "trailing bytes")
	}

	return RoomCode{Name: string(name), PeerID: id, Addr: addr}, nil
}

// AddrInfo returns the creator's dialable address record.
func (c RoomCode) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: c.PeerID, Addrs: []multiaddr.Multiaddr{c.Addr}}
}

func checksum(buf []byte) byte {
	var sum byte
	for _, b := range buf {
		sum ^= b
	}
	return sum
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) field(name string, min, max int) ([]byte, error) {
	if r.off >= len(r.buf) {
		return nil, invalid(name, "truncated")
	}
	n := int(r.buf[r.off])
	r.off++
	if n < min || n > max {
		return nil, invalid(name, "length out of range")
	}
	if r.off+n > len(r.buf) {
		return nil, invalid(name, "truncated")
	}
	field := r.buf[r.off : r.off+n]
	r.off += n
	return field, nil
}

func (r *reader) rest() int {
	return len(r.buf) - r.off
}
