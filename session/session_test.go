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

package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"
	"time"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatnode/config"
	"chatnode/crypto"
	"chatnode/network"
	"chatnode/roomcode"
	"chatnode/wire"
)

type harness struct {
	s       *Session
	netCmds chan network.Command
	netEvts chan network.Event
}

// newHarness builds a session driven synchronously: tests call the handler
// methods directly, so no goroutine owns the state and assertions on it are
// race-free.
func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.env"))
	require.ErrorIs(t, err, config.ErrNicknameRequired)
	cfg.Nickname = "Seung"
	cfg.LogDir = t.TempDir()

	netCmds := make(chan network.Command, 64)
	netEvts := make(chan network.Event, 64)
	s, err := New(cfg, netCmds, netEvts)
	require.NoError(t, err)

	addr, err := multiaddr.NewMultiaddr("/ip4/192.168.1.24/tcp/40123")
	require.NoError(t, err)
	s.handleNetEvent(network.Listening{Addr: addr})

	return &harness{s: s, netCmds: netCmds, netEvts: netEvts}
}

func (h *harness) nextCmd(t *testing.T) network.Command {
	t.Helper()
	select {
	case cmd := <-h.netCmds:
		return cmd
	default:
		t.Fatal("expected a network command")
		return nil
	}
}

func (h *harness) nextEvent(t *testing.T) Event {
	t.Helper()
	select {
	case evt := <-h.s.Events():
		return evt
	default:
		t.Fatal("expected a UI event")
		return nil
	}
}

func (h *harness) drainEvents() []Event {
	var out []Event
	for {
		select {
		case evt := <-h.s.Events():
			out = append(out, evt)
		default:
			return out
		}
	}
}

func (h *harness) drainCmds() []network.Command {
	var out []network.Command
	for {
		select {
		case cmd := <-h.netCmds:
			out = append(out, cmd)
		default:
			return out
		}
	}
}

// sealedPayload encrypts a payload the way a remote member would.
func sealedPayload(t *testing.T, password, room string, payload wire.Payload) []byte {
	t.Helper()
	key := crypto.DeriveRoomKey(password, room)
	plaintext, err := payload.Marshal()
	require.NoError(t, err)
	sealed, err := crypto.Seal(key, plaintext)
	require.NoError(t, err)
	return sealed
}

func sealedToken(t *testing.T, password, room string) []byte {
	t.Helper()
	key := crypto.DeriveRoomKey(password, room)
	token, err := crypto.VerificationToken(key, room)
	require.NoError(t, err)
	return sealedPayload(t, password, room, wire.Payload{
		MsgType:   wire.MsgTypeJoinVerify,
		Nick:      "Mina",
		Disc:      "91cc",
		Timestamp: wire.FormatTimestamp(time.Now()),
		Text:      base64.StdEncoding.EncodeToString(token),
	})
}

func remotePeer(t *testing.T) peer.ID {
	t.Helper()
	_, pub, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return id
}

func encodeCode(t *testing.T, room string) string {
	t.Helper()
	addr, err := multiaddr.NewMultiaddr("/ip4/10.0.0.7/tcp/4242")
	require.NoError(t, err)
	code, err := roomcode.Encode(roomcode.RoomCode{Name: room, PeerID: remotePeer(t), Addr: addr})
	require.NoError(t, err)
	return code
}

func TestCreateRoom(t *testing.T) {
	h := newHarness(t)

	h.s.handleCommand(CreateRoom{Name: "rust-chat", Password: "hunter2"})

	sub, ok := h.nextCmd(t).(network.Subscribe)
	require.True(t, ok)
	assert.Equal(t, "/chatapp/v1/rooms/rust-chat", sub.Topic)

	pub, ok := h.nextCmd(t).(network.Publish)
	require.True(t, ok, "initial verification token must be published")
	assert.Equal(t, sub.Topic, pub.Topic)

	// the published token decrypts under the room key and verifies
	key := crypto.DeriveRoomKey("hunter2", "rust-chat")
	plaintext, err := crypto.Open(key, pub.Data)
	require.NoError(t, err)
	payload, err := wire.UnmarshalPayload(plaintext)
	require.NoError(t, err)
	assert.Equal(t, wire.MsgTypeJoinVerify, payload.MsgType)
	token, err := base64.StdEncoding.DecodeString(payload.Text)
	require.NoError(t, err)
	assert.True(t, crypto.CheckVerificationToken(key, "rust-chat", token))

	var entered *RoomEntered
	for _, evt := range h.drainEvents() {
		if e, ok := evt.(RoomEntered); ok {
			entered = &e
		}
	}
	require.NotNil(t, entered)
	assert.Equal(t, "rust-chat", entered.Name)

	decoded, err := roomcode.Decode(entered.Code)
	require.NoError(t, err)
	assert.Equal(t, "rust-chat", decoded.Name)

	assert.Equal(t, StateInRoom, h.s.CurrentState())
}

func TestCreateRoomRejectsBadNames(t *testing.T) {
	h := newHarness(t)

	for _, name := range []string{"", strings.Repeat("x", 65)} {
		h.s.handleCommand(CreateRoom{Name: name, Password: "pw"})
		evt, ok := h.nextEvent(t).(Error)
		require.True(t, ok)
		assert.Equal(t, ErrKindInvalidInput, evt.Kind)
		assert.Equal(t, StateIdle, h.s.CurrentState())
		assert.Empty(t, h.drainCmds(), "no network traffic for a rejected name")
	}
}

func TestJoinRoomSuccess(t *testing.T) {
	h := newHarness(t)
	code := encodeCode(t, "rust-chat")

	h.s.handleCommand(JoinRoom{Code: code, Password: "hunter2"})

	_, ok := h.nextCmd(t).(network.Dial)
	require.True(t, ok, "join dials the creator first")
	sub, ok := h.nextCmd(t).(network.Subscribe)
	require.True(t, ok)
	assert.Equal(t, StateJoining, h.s.CurrentState())

	h.s.handleNetEvent(network.Message{
		Topic: sub.Topic,
		From:  remotePeer(t),
		Data:  sealedToken(t, "hunter2", "rust-chat"),
	})

	assert.Equal(t, StateInRoom, h.s.CurrentState())
	var entered bool
	for _, evt := range h.drainEvents() {
		if e, ok := evt.(RoomEntered); ok {
			entered = true
			assert.Equal(t, "rust-chat", e.Name)
		}
	}
	assert.True(t, entered)
}

func TestJoinRoomWrongPassword(t *testing.T) {
	h := newHarness(t)
	code := encodeCode(t, "rust-chat")

	h.s.handleCommand(JoinRoom{Code: code, Password: "wrong"})
	h.drainCmds()

	h.s.handleNetEvent(network.Message{
		Topic: wire.TopicForRoom("rust-chat"),
		From:  remotePeer(t),
		Data:  sealedToken(t, "hunter2", "rust-chat"),
	})

	assert.Equal(t, StateIdle, h.s.CurrentState())

	var denied bool
	for _, evt := range h.drainEvents() {
		if e, ok := evt.(Error); ok && e.Kind == ErrKindAccessDenied {
			denied = true
		}
	}
	assert.True(t, denied)

	unsubs := 0
	for _, cmd := range h.drainCmds() {
		if _, ok := cmd.(network.Unsubscribe); ok {
			unsubs++
		}
	}
	assert.Equal(t, 1, unsubs, "failed join leaves the topic")
}

func TestJoinRoomEmptyPassword(t *testing.T) {
	h := newHarness(t)
	code := encodeCode(t, "open")

	h.s.handleCommand(JoinRoom{Code: code, Password: ""})
	h.drainCmds()

	h.s.handleNetEvent(network.Message{
		Topic: wire.TopicForRoom("open"),
		From:  remotePeer(t),
		Data:  sealedToken(t, "", "open"),
	})

	assert.Equal(t, StateInRoom, h.s.CurrentState(), "the token exchange still runs for empty passwords")
}

func TestJoinRoomInvalidCode(t *testing.T) {
	h := newHarness(t)

	h.s.handleCommand(JoinRoom{Code: "0not-base58", Password: "pw"})

	evt, ok := h.nextEvent(t).(Error)
	require.True(t, ok)
	assert.Equal(t, ErrKindInvalidRoomCode, evt.Kind)
	assert.Empty(t, h.drainCmds(), "no dial on a corrupted code")
	assert.Equal(t, StateIdle, h.s.CurrentState())
}

func TestSendChat(t *testing.T) {
	h := newHarness(t)
	h.s.handleCommand(CreateRoom{Name: "rust-chat", Password: "hunter2"})
	h.drainCmds()
	h.drainEvents()

	h.s.handleCommand(SendChat{Text: "hi"})

	pub, ok := h.nextCmd(t).(network.Publish)
	require.True(t, ok)

	// the published bytes never contain the plaintext
	assert.NotContains(t, string(pub.Data), "hi")

	key := crypto.DeriveRoomKey("hunter2", "rust-chat")
	plaintext, err := crypto.Open(key, pub.Data)
	require.NoError(t, err)
	payload, err := wire.UnmarshalPayload(plaintext)
	require.NoError(t, err)
	assert.Equal(t, wire.MsgTypeChat, payload.MsgType)
	assert.Equal(t, "hi", payload.Text)
	assert.Equal(t, "Seung", payload.Nick)

	var displayed bool
	for _, evt := range h.drainEvents() {
		if e, ok := evt.(Display); ok && strings.Contains(e.Line, "Seung#") {
			displayed = true
		}
	}
	assert.True(t, displayed, "sender sees a local echo")
}

func TestSendChatLimits(t *testing.T) {
	h := newHarness(t)

	h.s.handleCommand(SendChat{Text: "hi"})
	evt, ok := h.nextEvent(t).(Error)
	require.True(t, ok)
	assert.Equal(t, ErrKindNotInRoom, evt.Kind)

	h.s.handleCommand(CreateRoom{Name: "rust-chat", Password: "hunter2"})
	h.drainCmds()
	h.drainEvents()

	h.s.handleCommand(SendChat{Text: strings.Repeat("a", wire.MaxChatRunes)})
	_, ok = h.nextCmd(t).(network.Publish)
	assert.True(t, ok, "exactly the limit is accepted")
	h.drainEvents()

	h.s.handleCommand(SendChat{Text: strings.Repeat("a", wire.MaxChatRunes+1)})
	errEvt, ok := h.nextEvent(t).(Error)
	require.True(t, ok)
	assert.Equal(t, ErrKindTooLarge, errEvt.Kind)
	assert.Empty(t, h.drainCmds(), "an oversized send is refused")
}

func TestReceiveChatUpdatesRosterAndHistory(t *testing.T) {
	h := newHarness(t)
	h.s.handleCommand(CreateRoom{Name: "rust-chat", Password: "hunter2"})
	h.drainCmds()
	h.drainEvents()

	from := remotePeer(t)
	h.s.handleNetEvent(network.Message{
		Topic: wire.TopicForRoom("rust-chat"),
		From:  from,
		Data: sealedPayload(t, "hunter2", "rust-chat", wire.Payload{
			MsgType:   wire.MsgTypeChat,
			Nick:      "Mina",
			Disc:      "91cc",
			Timestamp: wire.FormatTimestamp(time.Now()),
			Text:      "hello there",
		}),
	})

	var display *Display
	for _, evt := range h.drainEvents() {
		if e, ok := evt.(Display); ok {
			display = &e
		}
	}
	require.NotNil(t, display)
	assert.Contains(t, display.Line, "Mina#91cc: hello there")
	assert.NotEmpty(t, h.s.History())

	h.s.handleCommand(ListPeers{})
	peers, ok := h.nextEvent(t).(PeerList)
	require.True(t, ok)
	require.Len(t, peers.Peers, 1)
	assert.Equal(t, "Mina#91cc", peers.Peers[0])
}

func TestConnectionEventsSurfacedForRosterPeers(t *testing.T) {
	h := newHarness(t)
	h.s.handleCommand(CreateRoom{Name: "rust-chat", Password: "hunter2"})
	h.drainCmds()
	h.drainEvents()

	member := remotePeer(t)
	stranger := remotePeer(t)

	// churn from peers we never chatted with stays off the screen
	h.s.handleNetEvent(network.ConnectionEstablished{Peer: stranger})
	h.s.handleNetEvent(network.ConnectionClosed{Peer: stranger})
	assert.Empty(t, h.drainEvents())

	h.s.handleNetEvent(network.Message{
		Topic: wire.TopicForRoom("rust-chat"),
		From:  member,
		Data: sealedPayload(t, "hunter2", "rust-chat", wire.Payload{
			MsgType:   wire.MsgTypeChat,
			Nick:      "Mina",
			Disc:      "91cc",
			Timestamp: wire.FormatTimestamp(time.Now()),
			Text:      "hello",
		}),
	})
	h.drainEvents()

	h.s.handleNetEvent(network.ConnectionClosed{Peer: member})
	var status *Status
	for _, evt := range h.drainEvents() {
		if e, ok := evt.(Status); ok {
			status = &e
		}
	}
	require.NotNil(t, status)
	assert.Contains(t, status.Line, "[!] connection to Mina#91cc closed")
	assert.Equal(t, StateInRoom, h.s.CurrentState(), "connection churn never tears down the session")

	h.s.handleNetEvent(network.ConnectionEstablished{Peer: member, Relayed: true})
	status = nil
	for _, evt := range h.drainEvents() {
		if e, ok := evt.(Status); ok {
			status = &e
		}
	}
	require.NotNil(t, status)
	assert.Contains(t, status.Line, "established (relayed)")
}

func TestUndecryptableChatSilentlyDiscarded(t *testing.T) {
	h := newHarness(t)
	h.s.handleCommand(CreateRoom{Name: "rust-chat", Password: "hunter2"})
	h.drainCmds()
	h.drainEvents()

	h.s.handleNetEvent(network.Message{
		Topic: wire.TopicForRoom("rust-chat"),
		From:  remotePeer(t),
		Data: sealedPayload(t, "other-password", "rust-chat", wire.Payload{
			MsgType: wire.MsgTypeChat, Nick: "Eve", Disc: "0000", Text: "spoof",
		}),
	})

	assert.Empty(t, h.drainEvents(), "wrong-key traffic is never surfaced")
	assert.Empty(t, h.s.History())
	assert.Equal(t, StateInRoom, h.s.CurrentState())
}

func TestTokenRepublishOnMeshJoinIsRateLimited(t *testing.T) {
	h := newHarness(t)
	h.s.handleCommand(CreateRoom{Name: "rust-chat", Password: "hunter2"})
	h.drainCmds()
	h.drainEvents()

	joiner := remotePeer(t)
	h.s.handleNetEvent(network.TopicPeerJoined{Topic: wire.TopicForRoom("rust-chat"), Peer: joiner})

	published := 0
	for _, cmd := range h.drainCmds() {
		if _, ok := cmd.(network.Publish); ok {
			published++
		}
	}
	assert.Equal(t, 1, published, "a new mesh peer triggers one token republish")

	// a repeat join event within the rate window publishes nothing
	h.s.handleNetEvent(network.TopicPeerJoined{Topic: wire.TopicForRoom("rust-chat"), Peer: joiner})
	for _, cmd := range h.drainCmds() {
		_, ok := cmd.(network.Publish)
		assert.False(t, ok, "republish must be rate-limited per joiner")
	}
	h.drainEvents()
}

func TestLeaveRoomRestoresIdle(t *testing.T) {
	h := newHarness(t)
	h.s.handleCommand(CreateRoom{Name: "rust-chat", Password: "hunter2"})
	h.drainCmds()
	h.drainEvents()

	h.s.handleNetEvent(network.Message{
		Topic: wire.TopicForRoom("rust-chat"),
		From:  remotePeer(t),
		Data: sealedPayload(t, "hunter2", "rust-chat", wire.Payload{
			MsgType: wire.MsgTypeChat, Nick: "Mina", Disc: "91cc",
			Timestamp: wire.FormatTimestamp(time.Now()), Text: "hello",
		}),
	})
	h.drainEvents()
	require.NotEmpty(t, h.s.History())

	h.s.handleCommand(LeaveRoom{})

	var left bool
	for _, evt := range h.drainEvents() {
		if _, ok := evt.(RoomLeft); ok {
			left = true
		}
	}
	assert.True(t, left)
	assert.Equal(t, StateIdle, h.s.CurrentState())
	assert.Empty(t, h.s.History(), "redraw buffer is cleared on leave")
	assert.Nil(t, h.s.roomKey, "key material is cleared on leave")
	assert.Empty(t, h.s.roster)

	// messages for the old room are ignored after leaving
	h.s.handleNetEvent(network.Message{
		Topic: wire.TopicForRoom("rust-chat"),
		From:  remotePeer(t),
		Data:  sealedToken(t, "hunter2", "rust-chat"),
	})
	assert.Empty(t, h.drainEvents())
}

func TestRejoinAfterLeave(t *testing.T) {
	h := newHarness(t)
	code := encodeCode(t, "rust-chat")

	for i := 0; i < 2; i++ {
		h.s.handleCommand(JoinRoom{Code: code, Password: "hunter2"})
		h.drainCmds()
		h.s.handleNetEvent(network.Message{
			Topic: wire.TopicForRoom("rust-chat"),
			From:  remotePeer(t),
			Data:  sealedToken(t, "hunter2", "rust-chat"),
		})
		require.Equal(t, StateInRoom, h.s.CurrentState(), "join attempt %d", i+1)
		h.drainEvents()

		h.s.handleCommand(LeaveRoom{})
		h.drainEvents()
		h.drainCmds()
		require.Equal(t, StateIdle, h.s.CurrentState())
	}
}

func TestJoinTimeout(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.env"))
	require.ErrorIs(t, err, config.ErrNicknameRequired)
	cfg.Nickname = "Seung"
	cfg.LogDir = t.TempDir()

	netCmds := make(chan network.Command, 64)
	netEvts := make(chan network.Event, 64)
	s, err := New(cfg, netCmds, netEvts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Commands() <- JoinRoom{Code: encodeCode(t, "rust-chat"), Password: "pw"}

	deadline := time.After(joinTimeout + 5*time.Second)
	for {
		select {
		case evt := <-s.Events():
			if e, ok := evt.(Error); ok && e.Kind == ErrKindJoinTimeout {
				return
			}
		case <-deadline:
			t.Fatal("no JoinTimeout within the deadline")
		}
	}
}

func TestShutdownClosesUIEvents(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.env"))
	require.ErrorIs(t, err, config.ErrNicknameRequired)
	cfg.Nickname = "Seung"
	cfg.LogDir = t.TempDir()

	netCmds := make(chan network.Command, 64)
	netEvts := make(chan network.Event, 64)
	s, err := New(cfg, netCmds, netEvts)
	require.NoError(t, err)

	go s.Run(context.Background())
	s.Commands() <- Shutdown{}

	// the session forwards the shutdown to the network agent, which closes
	// its event channel in response
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cmd := <-netCmds:
			if _, ok := cmd.(network.Shutdown); ok {
				close(netEvts)
			}
		case _, ok := <-s.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("UI events not closed on shutdown")
		}
	}
}
