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

// Package session implements the agent owning all mutable session state:
// the current room, its derived key, the peer roster and the chat history.
// It translates user commands into network commands and network events into
// display events, encrypting on send and decrypting with admission checks
// on receive. All handling runs on a single queue; that serialization is
// the source of every ordering guarantee the node provides.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/rs/zerolog"

	"chatnode/config"
	"chatnode/crypto"
	"chatnode/logfile"
	"chatnode/monitoring"
	"chatnode/network"
	"chatnode/roomcode"
	"chatnode/utils"
	"chatnode/wire"
)

const (
	joinTimeout      = 10 * time.Second
	shutdownDeadline = 3 * time.Second
	historySize      = 1024
	tokenInterval    = 5 * time.Second

	commandBuffer = 16
	eventBuffer   = 256

	displayTimeLayout = "15:04"

	metricChatSent      = "chat_lines_sent_count"
	metricChatReceived  = "chat_lines_received_count"
	metricDecryptFailed = "decrypt_failures_count"
	metricJoinLatency   = "join_latency"
)

var joinLatencyBucketsMilliseconds = []float64{10., 50., 100., 500., 1e3, 5e3, 1e4}

// State is the session life-cycle position. Only one room at a time.
type State int

const (
	StateIdle State = iota
	StateCreating
	StateJoining
	StateInRoom
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCreating:
		return "creating"
	case StateJoining:
		return "joining"
	case StateInRoom:
		return "in-room"
	}
	return "unknown"
}

type rosterEntry struct {
	nick string
	disc string
}

// Session is the session agent. It is driven exclusively by Run; nothing
// else touches its state.
type Session struct {
	nickname string
	peerID   peer.ID
	disc     string
	logDir   string

	state   State
	room    string
	roomKey []byte
	roster  map[peer.ID]rosterEntry
	relayed map[peer.ID]bool
	history *ring
	logw    *logfile.Writer

	listenAddrs []multiaddr.Multiaddr

	netCmds chan<- network.Command
	netEvts <-chan network.Event

	uiCmds chan Command
	uiEvts chan Event

	joinTimer   *time.Timer
	joinTimerC  <-chan time.Time
	joinStarted time.Time
	joinCode    string

	lastToken         map[peer.ID]time.Time
	bootstrapReported bool

	monitor monitoring.MonitoringService
	logger  zerolog.Logger
}

// Option for session.New
type Option func(*Session) error

// WithMonitoring attaches a metrics service.
func WithMonitoring(monitor monitoring.MonitoringService) Option {
	return func(s *Session) error {
		s.monitor = monitor
		return nil
	}
}

// LoggingLevel for session.New
func LoggingLevel(lvl zerolog.Level) Option {
	return func(s *Session) error {
		s.logger = s.logger.Level(lvl)
		return nil
	}
}

// New creates the session agent around a loaded configuration and the
// network agent's channel pair.
func New(cfg *config.Config, netCmds chan<- network.Command, netEvts <-chan network.Event, opts ...Option) (*Session, error) {
	if err := config.ValidateNickname(cfg.Nickname); err != nil {
		return nil, err
	}
	peerID, err := cfg.PeerID()
	if err != nil {
		return nil, err
	}

	s := &Session{
		nickname:  cfg.Nickname,
		peerID:    peerID,
		disc:      wire.Discriminator(peerID),
		logDir:    cfg.LogDir,
		roster:    map[peer.ID]rosterEntry{},
		relayed:   map[peer.ID]bool{},
		history:   newRing(historySize),
		netCmds:   netCmds,
		netEvts:   netEvts,
		uiCmds:    make(chan Command, commandBuffer),
		uiEvts:    make(chan Event, eventBuffer),
		lastToken: map[peer.ID]time.Time{},
		logger:    utils.NewDefaultLoggerWithFields(map[string]string{"agent": "session"}),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.monitor == nil {
		s.monitor = monitoring.NewFileMonitoring("chatnode", false)
	}
	s.setupMetrics()
	return s, nil
}

// Commands is the channel the user interface sends instructions on. The
// channel is bounded; a full queue back-pressures the producer.
func (s *Session) Commands() chan<- Command {
	return s.uiCmds
}

// Events delivers display events. Closed when the session has shut down.
func (s *Session) Events() <-chan Event {
	return s.uiEvts
}

// CurrentState reports the life-cycle position, for tests and redraw.
func (s *Session) CurrentState() State {
	return s.state
}

// History returns the redraw buffer contents.
func (s *Session) History() []string {
	return s.history.snapshot()
}

func (s *Session) setupMetrics() {
	_, _ = s.monitor.NewCounter(metricChatSent, "Chat lines sent")
	_, _ = s.monitor.NewCounter(metricChatReceived, "Chat lines received")
	_, _ = s.monitor.NewCounter(metricDecryptFailed, "Payloads discarded after failed decryption")
	_, _ = s.monitor.NewHistogram(metricJoinLatency, "Join verification latency", joinLatencyBucketsMilliseconds)
}

// Run processes UI commands and network events from a single queue until
// Shutdown arrives or the context is cancelled.
func (s *Session) Run(ctx context.Context) {
	_, _, linfo, _ := s.getLoggers()
	linfo().Msgf("session up as %s#%s", s.nickname, s.disc)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return

		case cmd, ok := <-s.uiCmds:
			if !ok {
				s.shutdown()
				return
			}
			if _, isShutdown := cmd.(Shutdown); isShutdown {
				s.shutdown()
				return
			}
			s.handleCommand(cmd)

		case evt, ok := <-s.netEvts:
			if !ok {
				close(s.uiEvts)
				return
			}
			s.handleNetEvent(evt)

		case <-s.joinTimerC:
			s.failJoin(ErrKindJoinTimeout, "no verification token arrived in time")
		}
	}
}

func (s *Session) getLoggers() (func(error) *zerolog.Event, func() *zerolog.Event, func() *zerolog.Event, func() *zerolog.Event) {
	lerror := func(err error) *zerolog.Event { return s.logger.Error().Str("err", err.Error()) }
	lwarn := func() *zerolog.Event { return s.logger.Warn() }
	linfo := func() *zerolog.Event { return s.logger.Info() }
	ldebug := func() *zerolog.Event { return s.logger.Debug() }
	return lerror, lwarn, linfo, ldebug
}

/*
	UI command handling
*/

func (s *Session) handleCommand(cmd Command) {
	switch c := cmd.(type) {
	case CreateRoom:
		s.handleCreateRoom(c)
	case JoinRoom:
		s.handleJoinRoom(c)
	case SendChat:
		s.handleSendChat(c)
	case ListPeers:
		s.emit(PeerList{Peers: s.rosterSnapshot()})
	case LeaveRoom:
		if s.state == StateIdle {
			s.emit(Status{Line: "[!] not in a room"})
			return
		}
		s.leaveRoom()
	}
}

func (s *Session) handleCreateRoom(c CreateRoom) {
	lerror, _, linfo, _ := s.getLoggers()
	if s.state != StateIdle {
		s.emit(Status{Line: "[!] already in a room; leave first"})
		return
	}

	name := wire.NormalizeRoomName(c.Name)
	if err := wire.ValidateRoomName(name); err != nil {
		s.emit(Error{Kind: ErrKindInvalidInput, Message: err.Error()})
		return
	}
	addr := s.pickListenAddr()
	if addr == nil {
		s.emit(Error{Kind: ErrKindInvalidInput, Message: "no listen address known yet; try again shortly"})
		return
	}

	s.state = StateCreating
	key := crypto.DeriveRoomKey(c.Password, name)

	code, err := roomcode.Encode(roomcode.RoomCode{Name: name, PeerID: s.peerID, Addr: addr})
	if err != nil {
		s.state = StateIdle
		s.emit(Error{Kind: ErrKindInvalidRoomCode, Message: err.Error()})
		return
	}

	logw, err := logfile.Open(s.logDir, name)
	if err != nil {
		lerror(err).Msg("while opening room log")
		s.emit(Error{Kind: ErrKindConfigWrite, Message: "cannot open room log: " + err.Error()})
		// keep going; chat without history is better than no chat
	}

	s.room = name
	s.roomKey = key
	s.logw = logw
	s.send(network.Subscribe{Topic: wire.TopicForRoom(name)})
	s.publishToken()
	s.state = StateInRoom

	linfo().Msgf("created room %q", name)
	s.appendSystem(time.Now(), fmt.Sprintf("%s#%s created the room", s.nickname, s.disc))
	s.emit(RoomEntered{Name: name, Code: code})
}

func (s *Session) handleJoinRoom(c JoinRoom) {
	_, _, linfo, _ := s.getLoggers()
	if s.state != StateIdle {
		s.emit(Status{Line: "[!] already in a room; leave first"})
		return
	}

	decoded, err := roomcode.Decode(c.Code)
	if err != nil {
		// user error; no dial is attempted
		s.emit(Error{Kind: ErrKindInvalidRoomCode, Message: err.Error()})
		return
	}
	name := wire.NormalizeRoomName(decoded.Name)
	if err := wire.ValidateRoomName(name); err != nil {
		s.emit(Error{Kind: ErrKindInvalidRoomCode, Message: err.Error()})
		return
	}

	key := crypto.DeriveRoomKey(c.Password, name)

	s.room = name
	s.roomKey = key
	s.joinCode = c.Code
	s.state = StateJoining
	s.joinStarted = time.Now()
	s.joinTimer = time.NewTimer(joinTimeout)
	s.joinTimerC = s.joinTimer.C

	s.send(network.Dial{Info: decoded.AddrInfo()})
	s.send(network.Subscribe{Topic: wire.TopicForRoom(name)})

	linfo().Msgf("joining room %q, waiting for verification", name)
	s.emit(Status{Line: fmt.Sprintf("joining %q...", name)})
}

func (s *Session) handleSendChat(c SendChat) {
	if s.state != StateInRoom {
		s.emit(Error{Kind: ErrKindNotInRoom, Message: "not in a room"})
		return
	}
	if err := wire.ValidateChatText(c.Text); err != nil {
		s.emit(Error{Kind: ErrKindTooLarge, Message: err.Error()})
		return
	}

	now := time.Now()
	payload := wire.Payload{
		MsgType:   wire.MsgTypeChat,
		Nick:      s.nickname,
		Disc:      s.disc,
		Timestamp: wire.FormatTimestamp(now),
		Text:      c.Text,
	}
	if !s.sealAndPublish(&payload) {
		return
	}
	if counter, ok := s.monitor.GetCounter(metricChatSent); ok {
		counter.Inc()
	}

	line := fmt.Sprintf("[%s] %s#%s: %s", now.Local().Format(displayTimeLayout), s.nickname, s.disc, c.Text)
	s.history.add(line)
	s.appendChat(now, s.nickname, s.disc, c.Text, false)
	s.emit(Display{Line: line})
}

/*
	Network event handling
*/

func (s *Session) handleNetEvent(evt network.Event) {
	lerror, _, _, ldebug := s.getLoggers()
	switch e := evt.(type) {
	case network.Listening:
		s.addListenAddr(e.Addr)

	case network.Message:
		s.handleMessage(e)

	case network.TopicPeerJoined:
		if !s.topicMatches(e.Topic) {
			return
		}
		if s.state == StateInRoom {
			s.maybeRepublishToken(e.Peer)
		}
		s.announce(e.Peer, "joined the room")

	case network.TopicPeerLeft:
		if !s.topicMatches(e.Topic) {
			return
		}
		s.announce(e.Peer, "disconnected")
		delete(s.roster, e.Peer)

	case network.ConnectionEstablished:
		s.relayed[e.Peer] = e.Relayed
		ldebug().Msgf("connected to %s (relayed=%v)", e.Peer, e.Relayed)
		if entry, ok := s.roster[e.Peer]; ok {
			path := "direct"
			if e.Relayed {
				path = "relayed"
			}
			s.emit(Status{Line: fmt.Sprintf("[!] connection to %s#%s established (%s)", entry.nick, entry.disc, path)})
		}

	case network.ConnectionClosed:
		delete(s.relayed, e.Peer)
		if entry, ok := s.roster[e.Peer]; ok {
			s.emit(Status{Line: fmt.Sprintf("[!] connection to %s#%s closed", entry.nick, entry.disc)})
		}

	case network.DialError:
		s.emit(Status{Line: fmt.Sprintf("[!] dial failed: %s", e.Reason)})
		if s.state == StateJoining {
			// not fatal; the token may still arrive via another path
			ldebug().Msg("dial to room creator failed while joining")
		}

	case network.PublishError:
		s.handlePublishError(e)

	case network.BootstrapStatus:
		if e.Err != nil {
			if !s.bootstrapReported {
				s.bootstrapReported = true
				s.emit(Error{Kind: ErrKindBootstrapUnavailable, Message: "bootstrap nodes unreachable; local discovery only"})
			}
			lerror(e.Err).Msg("dht bootstrap unavailable")
		} else {
			s.emit(Status{Line: "[!] dht bootstrap complete"})
		}

	case network.PeerDiscovered:
		ldebug().Msgf("discovered %s via %s", e.Info.ID, e.Source)
	}
}

func (s *Session) handleMessage(e network.Message) {
	_, _, _, ldebug := s.getLoggers()
	if s.state == StateIdle || !s.topicMatches(e.Topic) {
		return
	}

	plaintext, err := crypto.Open(s.roomKey, e.Data)
	if err != nil {
		if counter, ok := s.monitor.GetCounter(metricDecryptFailed); ok {
			counter.Inc()
		}
		if s.state == StateJoining {
			// traffic on the room topic we cannot read means our candidate
			// key is wrong
			s.failJoin(ErrKindAccessDenied, "wrong password for this room")
			return
		}
		// wrong-password peer or unrelated traffic; never surfaced
		ldebug().Msg("discarding undecryptable payload")
		return
	}

	payload, err := wire.UnmarshalPayload(plaintext)
	if err != nil {
		ldebug().Msg("discarding malformed payload")
		return
	}

	switch payload.MsgType {
	case wire.MsgTypeJoinVerify:
		s.handleJoinVerify(payload)
	case wire.MsgTypeChat:
		s.handleChat(e.From, payload)
	}
}

func (s *Session) handleJoinVerify(payload *wire.Payload) {
	if s.state != StateJoining {
		return // members ignore tokens
	}
	token, err := base64.StdEncoding.DecodeString(payload.Text)
	if err != nil || !crypto.CheckVerificationToken(s.roomKey, s.room, token) {
		s.failJoin(ErrKindAccessDenied, "wrong password for this room")
		return
	}
	s.completeJoin()
}

func (s *Session) handleChat(from peer.ID, payload *wire.Payload) {
	if s.state != StateInRoom {
		return
	}
	s.roster[from] = rosterEntry{nick: payload.Nick, disc: payload.Disc}

	now := time.Now()
	ts, err := wire.ParseTimestamp(payload.Timestamp)
	if err != nil {
		ts = now
	}
	skewed := wire.IsSkewed(ts, now)

	if counter, ok := s.monitor.GetCounter(metricChatReceived); ok {
		counter.Inc()
	}

	line := fmt.Sprintf("[%s] %s#%s: %s", ts.Local().Format(displayTimeLayout), payload.Nick, payload.Disc, payload.Text)
	s.history.add(line)
	s.appendChat(ts, payload.Nick, payload.Disc, payload.Text, skewed)
	s.emit(Display{Line: line})
}

/*
	Join life-cycle
*/

func (s *Session) completeJoin() {
	_, _, linfo, _ := s.getLoggers()
	s.stopJoinTimer()
	s.state = StateInRoom

	if histo, ok := s.monitor.GetHistogram(metricJoinLatency); ok {
		histo.Observe(float64(time.Since(s.joinStarted).Milliseconds()))
	}

	logw, err := logfile.Open(s.logDir, s.room)
	if err != nil {
		s.logger.Error().Str("err", err.Error()).Msg("while opening room log")
	}
	s.logw = logw

	linfo().Msgf("joined room %q", s.room)
	s.appendSystem(time.Now(), fmt.Sprintf("%s#%s joined the room", s.nickname, s.disc))
	s.emit(RoomEntered{Name: s.room, Code: s.joinCode})
}

func (s *Session) failJoin(kind ErrorKind, msg string) {
	if s.state != StateJoining {
		return
	}
	s.stopJoinTimer()
	s.send(network.Unsubscribe{Topic: wire.TopicForRoom(s.room)})
	s.clearRoom()
	s.emit(Error{Kind: kind, Message: msg})
}

func (s *Session) stopJoinTimer() {
	if s.joinTimer != nil {
		s.joinTimer.Stop()
		s.joinTimer = nil
		s.joinTimerC = nil
	}
}

/*
	Room state
*/

func (s *Session) leaveRoom() {
	_, _, linfo, _ := s.getLoggers()
	room := s.room
	s.stopJoinTimer()
	s.send(network.Unsubscribe{Topic: wire.TopicForRoom(room)})
	s.appendSystem(time.Now(), fmt.Sprintf("%s#%s left the room", s.nickname, s.disc))
	s.clearRoom()
	linfo().Msgf("left room %q", room)
	s.emit(Display{Line: fmt.Sprintf("*** left room %q", room)})
	s.emit(RoomLeft{})
}

// clearRoom returns the session to its pre-join shape: no key material, an
// empty roster and an empty redraw buffer.
func (s *Session) clearRoom() {
	if s.logw != nil {
		_ = s.logw.Close()
		s.logw = nil
	}
	for i := range s.roomKey {
		s.roomKey[i] = 0
	}
	s.roomKey = nil
	s.room = ""
	s.joinCode = ""
	s.roster = map[peer.ID]rosterEntry{}
	s.lastToken = map[peer.ID]time.Time{}
	s.history.clear()
	s.state = StateIdle
}

func (s *Session) topicMatches(topic string) bool {
	return s.room != "" && topic == wire.TopicForRoom(s.room)
}

func (s *Session) rosterSnapshot() []string {
	peers := make([]string, 0, len(s.roster))
	for id, entry := range s.roster {
		name := entry.nick + "#" + entry.disc
		if entry.nick == "" {
			name = wire.ShortPeer(id) + "#" + wire.Discriminator(id)
		}
		if s.relayed[id] {
			name += "~"
		}
		peers = append(peers, name)
	}
	sort.Strings(peers)
	return peers
}

func (s *Session) announce(p peer.ID, what string) {
	name := wire.ShortPeer(p)
	if entry, ok := s.roster[p]; ok && entry.nick != "" {
		name = entry.nick + "#" + entry.disc
	}
	line := fmt.Sprintf("*** %s %s", name, what)
	s.history.add(line)
	s.appendSystem(time.Now(), fmt.Sprintf("%s %s", name, what))
	s.emit(Display{Line: line})
}

/*
	Verification token
*/

// maybeRepublishToken re-publishes the admission token when a new peer
// enters the mesh, so late joiners are not stranded once the creator has
// left. Rate-limited per joiner.
func (s *Session) maybeRepublishToken(p peer.ID) {
	if last, ok := s.lastToken[p]; ok && time.Since(last) < tokenInterval {
		return
	}
	s.lastToken[p] = time.Now()
	s.publishToken()
}

func (s *Session) publishToken() {
	lerror, _, _, _ := s.getLoggers()
	token, err := crypto.VerificationToken(s.roomKey, s.room)
	if err != nil {
		lerror(err).Msg("while building verification token")
		return
	}
	payload := wire.Payload{
		MsgType:   wire.MsgTypeJoinVerify,
		Nick:      s.nickname,
		Disc:      s.disc,
		Timestamp: wire.FormatTimestamp(time.Now()),
		Text:      base64.StdEncoding.EncodeToString(token),
	}
	s.sealAndPublish(&payload)
}

// sealAndPublish serializes, encrypts and hands the payload to the network
// agent. No plaintext ever crosses that boundary.
func (s *Session) sealAndPublish(payload *wire.Payload) bool {
	lerror, _, _, _ := s.getLoggers()
	plaintext, err := payload.Marshal()
	if err != nil {
		lerror(err).Msg("while serializing payload")
		return false
	}
	sealed, err := crypto.Seal(s.roomKey, plaintext)
	if err != nil {
		lerror(err).Msg("while encrypting payload")
		return false
	}
	s.send(network.Publish{Topic: wire.TopicForRoom(s.room), Data: sealed})
	return true
}

/*
	Plumbing
*/

func (s *Session) handlePublishError(e network.PublishError) {
	tooLarge := &wire.TooLargeError{}
	switch {
	case errors.Is(e.Err, network.ErrNoPeers):
		s.emit(Status{Line: "[!] no peers in the room yet; message dropped"})
	case errors.As(e.Err, &tooLarge):
		s.emit(Error{Kind: ErrKindTooLarge, Message: e.Err.Error()})
	default:
		s.emit(Status{Line: fmt.Sprintf("[!] publish failed: %s", e.Err)})
	}
}

func (s *Session) addListenAddr(addr multiaddr.Multiaddr) {
	for _, known := range s.listenAddrs {
		if known.Equal(addr) {
			return
		}
	}
	s.listenAddrs = append(s.listenAddrs, addr)
}

// pickListenAddr chooses the address embedded in generated room codes,
// preferring a non-loopback one.
func (s *Session) pickListenAddr() multiaddr.Multiaddr {
	var fallback multiaddr.Multiaddr
	for _, addr := range s.listenAddrs {
		if manet.IsIPUnspecified(addr) {
			continue
		}
		if manet.IsIPLoopback(addr) {
			if fallback == nil {
				fallback = addr
			}
			continue
		}
		return addr
	}
	return fallback
}

func (s *Session) appendChat(ts time.Time, nick, disc, text string, skewed bool) {
	if s.logw == nil {
		return
	}
	if err := s.logw.AppendChat(ts, nick, disc, text, skewed); err != nil {
		s.logger.Error().Str("err", err.Error()).Msg("while appending chat to log")
	}
}

func (s *Session) appendSystem(ts time.Time, event string) {
	if s.logw == nil {
		return
	}
	if err := s.logw.AppendSystem(ts, event); err != nil {
		s.logger.Error().Str("err", err.Error()).Msg("while appending system line to log")
	}
}

func (s *Session) send(cmd network.Command) {
	s.netCmds <- cmd
}

// emit delivers a display event; parks briefly when the UI is slow, never
// drops.
func (s *Session) emit(evt Event) {
	s.uiEvts <- evt
}

// shutdown leaves the room if any, stops the network agent and drains its
// events until closure, bounded by a hard deadline.
func (s *Session) shutdown() {
	_, _, linfo, _ := s.getLoggers()
	linfo().Msg("session shutting down")

	if s.state == StateInRoom || s.state == StateJoining {
		s.stopJoinTimer()
		s.send(network.Unsubscribe{Topic: wire.TopicForRoom(s.room)})
		s.clearRoom()
	}
	s.send(network.Shutdown{})

	deadline := time.After(shutdownDeadline)
	for {
		select {
		case _, ok := <-s.netEvts:
			if !ok {
				close(s.uiEvts)
				return
			}
		case <-deadline:
			close(s.uiEvts)
			return
		}
	}
}
