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

package network

import (
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
)

// ErrNoPeers is reported when a publish finds no peers in the topic mesh.
// The message is dropped; the caller may resend.
var ErrNoPeers = errors.New("no peers in topic mesh")

// ErrNotSubscribed is reported when a publish targets a topic the node has
// not joined.
var ErrNotSubscribed = errors.New("not subscribed to topic")

// Command is an outbound instruction consumed by the network agent. All
// commands are fire-and-forget; Dial, Publish and BootstrapDht failures
// surface as events, while a failed Subscribe is only logged.
type Command interface {
	isCommand()
}

// Dial initiates a connection to a peer at the given addresses.
type Dial struct {
	Info peer.AddrInfo
}

// Subscribe joins the mesh for a topic and starts delivering its messages
// and peer events.
type Subscribe struct {
	Topic string
}

// Unsubscribe leaves the mesh for a topic.
type Unsubscribe struct {
	Topic string
}

// Publish broadcasts opaque bytes on a topic.
type Publish struct {
	Topic string
	Data  []byte
}

// BootstrapDht triggers a DHT refresh round.
type BootstrapDht struct{}

// Shutdown unsubscribes all topics and terminates the agent. The events
// channel is closed once the agent has fully stopped.
type Shutdown struct{}

func (Dial) isCommand()         {}
func (Subscribe) isCommand()    {}
func (Unsubscribe) isCommand()  {}
func (Publish) isCommand()      {}
func (BootstrapDht) isCommand() {}
func (Shutdown) isCommand()     {}

// Event is an inbound notification emitted by the network agent. The event
// channel is lossless; the agent parks rather than drop.
type Event interface {
	isEvent()
}

// Listening announces a new local listen address to advertise.
type Listening struct {
	Addr multiaddr.Multiaddr
}

// PeerDiscovered reports a peer address record from mDNS or the DHT.
type PeerDiscovered struct {
	Info   peer.AddrInfo
	Source string
}

// ConnectionEstablished reports a new live connection. Relayed is set when
// the connection transits a circuit relay.
type ConnectionEstablished struct {
	Peer    peer.ID
	Relayed bool
}

// ConnectionClosed reports a closed connection.
type ConnectionClosed struct {
	Peer peer.ID
}

// TopicPeerJoined reports a peer entering a topic mesh.
type TopicPeerJoined struct {
	Topic string
	Peer  peer.ID
}

// TopicPeerLeft reports a peer leaving a topic mesh.
type TopicPeerLeft struct {
	Topic string
	Peer  peer.ID
}

// Message delivers a verified, deduplicated payload received on a topic.
type Message struct {
	Topic string
	From  peer.ID
	Data  []byte
}

// DialError reports a failed dial. Non-fatal; the agent continues.
type DialError struct {
	Addr   string
	Reason error
}

// PublishError reports a failed publish (ErrNoPeers, ErrNotSubscribed, or
// a size violation).
type PublishError struct {
	Topic string
	Err   error
}

// BootstrapStatus reports the outcome of a DHT bootstrap round. A non-nil
// Err means the node is temporarily serving mDNS peers only.
type BootstrapStatus struct {
	Err error
}

func (Listening) isEvent()             {}
func (PeerDiscovered) isEvent()        {}
func (ConnectionEstablished) isEvent() {}
func (ConnectionClosed) isEvent()      {}
func (TopicPeerJoined) isEvent()       {}
func (TopicPeerLeft) isEvent()         {}
func (Message) isEvent()               {}
func (DialError) isEvent()             {}
func (PublishError) isEvent()          {}
func (BootstrapStatus) isEvent()       {}
