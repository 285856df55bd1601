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

// Package network implements the node's overlay agent: transport dialing,
// the Noise handshake, stream multiplexing, DHT bootstrap, local-subnet
// discovery, relay reservations with hole-punch upgrade, and topic pub/sub
// over a gossip mesh. The agent consumes Command values and emits Event
// values; it owns no session state.
package network

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	corenet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	discovery "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"chatnode/monitoring"
	"chatnode/utils"
	"chatnode/wire"
)

const (
	userAgent      = "chatnode/1.0"
	mdnsServiceTag = "chatnode-local"

	dialTimeout       = 15 * time.Second
	commandBuffer     = 64
	minEventBuffer    = 1024
	backoffInitial    = 1 * time.Second
	backoffCap        = 60 * time.Second
	discoveryInterval = 10 * time.Second

	monitoringNamespace = "chatnode"

	metricMessagesPublished = "messages_published_count"
	metricMessagesReceived  = "messages_received_count"
	metricMessagesDropped   = "messages_dropped_count"
	metricPeersConnected    = "peers_connected"
	metricBootstrapRetries  = "dht_bootstrap_retries_count"
)

// DefaultBootstrapPeers is the fixed list of well-known public nodes used
// for DHT entry.
var DefaultBootstrapPeers = []string{
	"/dnsaddr/bootstrap.libp2p.io/p2p/QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN",
	"/dnsaddr/bootstrap.libp2p.io/p2p/QmQCU2EcMqAqQPR2i9bChDtGNJchTbq5TbXJJ16u19uLTa",
	"/dnsaddr/bootstrap.libp2p.io/p2p/QmbLHAnMoJPWSCR5Zhtx6BHJX9KiKNN6tpvbUcqanj75Nb",
	"/dnsaddr/bootstrap.libp2p.io/p2p/QmcZf59bWwK5XFi76CZX8cbJ4BhTzzA3gU1ZjYZcYW3dwt",
}

type topicHandle struct {
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	handler *pubsub.TopicEventHandler
	cancel  context.CancelFunc
}

// Node is the network agent. It owns the libp2p host and every protocol
// mounted on it; all interaction happens over the Commands and Events
// channels.
type Node struct {
	key            crypto.PrivKey
	listenPort     uint16
	bootstrapPeers []peer.AddrInfo
	staticRelays   []peer.AddrInfo
	eventBuffer    int

	host     host.Host
	dht      *kaddht.IpfsDHT
	ps       *pubsub.PubSub
	mdns     mdns.Service
	discover *routing.RoutingDiscovery

	topics map[string]*topicHandle

	commands chan Command
	events   chan Event

	ctx        context.Context
	cancel     context.CancelFunc
	goroutines *sync.WaitGroup

	monitor monitoring.MonitoringService
	logger  zerolog.Logger
}

// New creates the network agent, brings up the libp2p host with the full
// transport stack, mounts pub/sub, DHT, mDNS and relay, and starts the
// command loop.
func New(opts ...Option) (*Node, error) {
	node := &Node{
		topics:      map[string]*topicHandle{},
		eventBuffer: minEventBuffer,
		goroutines:  &sync.WaitGroup{},
		logger:      utils.NewDefaultLoggerWithFields(map[string]string{"agent": "network"}),
	}
	for _, opt := range opts {
		if err := opt(node); err != nil {
			return nil, err
		}
	}
	if node.key == nil {
		return nil, errors.New("identity key must be provided")
	}
	if node.bootstrapPeers == nil {
		peers, err := utils.GetPeersAddrInfo(DefaultBootstrapPeers)
		if err != nil {
			return nil, errors.Wrap(err, "while parsing default bootstrap peers")
		}
		node.bootstrapPeers = peers
	}
	if node.monitor == nil {
		node.monitor = monitoring.NewFileMonitoring(monitoringNamespace, false)
	}

	node.ctx, node.cancel = context.WithCancel(context.Background())
	node.commands = make(chan Command, commandBuffer)
	node.events = make(chan Event, node.eventBuffer)

	lerror, _, linfo, ldebug := node.getLoggers()

	/* transport stack: raw stream -> noise -> muxer, one connection for all
	   higher protocols */
	listenAddr := fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", node.listenPort)
	libp2pOpts := []libp2p.Option{
		libp2p.Identity(node.key),
		libp2p.ListenAddrStrings(listenAddr),
		libp2p.Security(noise.ID, noise.New),
		libp2p.DefaultMuxers,
		libp2p.UserAgent(userAgent),
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
		libp2p.EnableRelay(),
		libp2p.EnableRelayService(),
		libp2p.EnableHolePunching(),
	}
	if len(node.staticRelays) > 0 {
		libp2pOpts = append(libp2pOpts, libp2p.EnableAutoRelayWithStaticRelays(node.staticRelays))
	}

	basicHost, err := libp2p.New(libp2pOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "while creating libp2p host")
	}
	node.host = basicHost

	/* gossip mesh; duplicates are deduplicated by payload digest and
	   oversize payloads are rejected at ingress */
	node.ps, err = pubsub.NewGossipSub(node.ctx, basicHost,
		pubsub.WithMessageIdFn(func(msg *pb.Message) string {
			digest := sha256.Sum256(msg.Data)
			return string(digest[:])
		}),
		pubsub.WithMaxMessageSize(wire.MaxWireSize),
	)
	if err != nil {
		node.Close()
		return nil, errors.Wrap(err, "while mounting gossipsub")
	}

	node.dht, err = kaddht.New(node.ctx, basicHost, kaddht.Mode(kaddht.ModeAuto))
	if err != nil {
		node.Close()
		return nil, errors.Wrap(err, "while mounting dht")
	}
	node.discover = routing.NewRoutingDiscovery(node.dht)

	node.mdns = mdns.NewMdnsService(basicHost, mdnsServiceTag, &mdnsNotifee{node: node})
	if err := node.mdns.Start(); err != nil {
		// mDNS is best-effort; some interfaces refuse multicast.
		lerror(err).Msg("while starting mdns service")
	}

	node.setupMetrics()
	node.watchConnections()
	node.watchLocalAddresses()

	for _, addr := range basicHost.Addrs() {
		node.emit(Listening{Addr: addr})
	}

	node.goroutines.Add(2)
	go node.bootstrapLoop()
	go node.commandLoop()

	linfo().Msgf("node up, peer id %s", basicHost.ID())
	ldebug().Msgf("listening on %v", basicHost.Addrs())

	return node, nil
}

// Commands is the channel the session agent sends instructions on.
func (node *Node) Commands() chan<- Command {
	return node.commands
}

// Events delivers inbound network events. The channel closes once the agent
// has fully shut down.
func (node *Node) Events() <-chan Event {
	return node.events
}

// PeerID returns the host's self-certifying identifier.
func (node *Node) PeerID() peer.ID {
	return node.host.ID()
}

// Addrs returns the host's current listen addresses.
func (node *Node) Addrs() []multiaddr.Multiaddr {
	return node.host.Addrs()
}

// Close tears the agent down without draining topics. Prefer sending
// Shutdown, which unsubscribes first.
func (node *Node) Close() error {
	node.cancel()
	var err error
	if node.mdns != nil {
		err = node.mdns.Close()
	}
	if node.dht != nil {
		if e := node.dht.Close(); e != nil {
			err = e
		}
	}
	if node.host != nil {
		if e := node.host.Close(); e != nil {
			err = e
		}
	}
	return err
}

func (node *Node) getLoggers() (func(error) *zerolog.Event, func() *zerolog.Event, func() *zerolog.Event, func() *zerolog.Event) {
	lerror := func(err error) *zerolog.Event { return node.logger.Error().Str("err", err.Error()) }
	lwarn := func() *zerolog.Event { return node.logger.Warn() }
	linfo := func() *zerolog.Event { return node.logger.Info() }
	ldebug := func() *zerolog.Event { return node.logger.Debug() }
	return lerror, lwarn, linfo, ldebug
}

func (node *Node) setupMetrics() {
	ignoreMetric := func(_ interface{}, err error) {
		if err != nil {
			node.logger.Warn().Str("err", err.Error()).Msg("while registering metric")
		}
	}
	m := node.monitor
	ignoreMetric(m.NewCounter(metricMessagesPublished, "Messages published to topic meshes"))
	ignoreMetric(m.NewCounter(metricMessagesReceived, "Messages received from topic meshes"))
	ignoreMetric(m.NewCounter(metricMessagesDropped, "Messages dropped at ingress"))
	ignoreMetric(m.NewGauge(metricPeersConnected, "Live peer connections"))
	ignoreMetric(m.NewCounter(metricBootstrapRetries, "DHT bootstrap attempts"))
}

// emit delivers an event without ever dropping it. When the buffer is full
// the agent parks here until the session agent drains.
func (node *Node) emit(e Event) {
	select {
	case node.events <- e:
	case <-node.ctx.Done():
	}
}

func (node *Node) watchConnections() {
	node.host.Network().Notify(&corenet.NotifyBundle{
		ConnectedF: func(_ corenet.Network, conn corenet.Conn) {
			if gauge, ok := node.monitor.GetGauge(metricPeersConnected); ok {
				gauge.Inc()
			}
			relayed := strings.Contains(conn.RemoteMultiaddr().String(), "p2p-circuit")
			// synchronous on purpose: emit cannot outlive host.Close, which
			// waits for its notification callbacks, so the events channel is
			// never closed under a pending send
			node.emit(ConnectionEstablished{Peer: conn.RemotePeer(), Relayed: relayed})
		},
		DisconnectedF: func(_ corenet.Network, conn corenet.Conn) {
			if gauge, ok := node.monitor.GetGauge(metricPeersConnected); ok {
				gauge.Dec()
			}
			node.emit(ConnectionClosed{Peer: conn.RemotePeer()})
		},
	})
}

func (node *Node) watchLocalAddresses() {
	sub, err := node.host.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err != nil {
		node.logger.Warn().Str("err", err.Error()).Msg("while subscribing to address updates")
		return
	}
	node.goroutines.Add(1)
	go func() {
		defer node.goroutines.Done()
		defer sub.Close()
		for {
			select {
			case <-node.ctx.Done():
				return
			case evt, ok := <-sub.Out():
				if !ok {
					return
				}
				updated := evt.(event.EvtLocalAddressesUpdated)
				for _, current := range updated.Current {
					if current.Action == event.Added {
						node.emit(Listening{Addr: current.Address})
					}
				}
			}
		}
	}()
}

// bootstrapLoop connects to the well-known entry peers with exponential
// backoff until at least one responds. Failures are non-fatal; the node
// keeps serving mDNS peers meanwhile.
func (node *Node) bootstrapLoop() {
	defer node.goroutines.Done()
	lerror, lwarn, linfo, _ := node.getLoggers()

	if len(node.bootstrapPeers) == 0 {
		lwarn().Msg("no bootstrap peers configured, serving local discovery only")
		return
	}

	backoff := backoffInitial
	for {
		if counter, ok := node.monitor.GetCounter(metricBootstrapRetries); ok {
			counter.Inc()
		}
		err := utils.BootstrapConnect(node.ctx, node.host, node.bootstrapPeers)
		if err == nil {
			err = node.dht.Bootstrap(node.ctx)
		}
		if err == nil {
			linfo().Msg("dht bootstrap complete")
			node.emit(BootstrapStatus{})
			return
		}
		if node.ctx.Err() != nil {
			return
		}
		lerror(err).Msgf("dht bootstrap failed, retrying in %s", backoff)
		node.emit(BootstrapStatus{Err: err})

		select {
		case <-node.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// commandLoop serializes all command handling; no two handlers run at once.
func (node *Node) commandLoop() {
	defer node.goroutines.Done()
	lerror, _, linfo, ldebug := node.getLoggers()

	for {
		select {
		case <-node.ctx.Done():
			return
		case cmd := <-node.commands:
			switch c := cmd.(type) {
			case Dial:
				node.goroutines.Add(1)
				go func() {
					defer node.goroutines.Done()
					ctx, cancel := context.WithTimeout(node.ctx, dialTimeout)
					defer cancel()
					if err := node.host.Connect(ctx, c.Info); err != nil {
						node.emit(DialError{Addr: c.Info.String(), Reason: err})
					}
				}()

			case Subscribe:
				if _, ok := node.topics[c.Topic]; ok {
					ldebug().Msgf("already subscribed to %s", c.Topic)
					continue
				}
				if err := node.subscribe(c.Topic); err != nil {
					lerror(err).Msgf("while subscribing to %s", c.Topic)
				}

			case Unsubscribe:
				node.unsubscribe(c.Topic)

			case Publish:
				node.publish(c)

			case BootstrapDht:
				node.goroutines.Add(1)
				go func() {
					defer node.goroutines.Done()
					if err := node.dht.Bootstrap(node.ctx); err != nil {
						node.emit(BootstrapStatus{Err: err})
					}
				}()

			case Shutdown:
				linfo().Msg("network agent shutting down")
				for topic := range node.topics {
					node.unsubscribe(topic)
				}
				go node.finishShutdown()
				return
			}
		}
	}
}

// finishShutdown waits for every agent goroutine to stop, then closes the
// host and the events channel so the session agent observes completion.
func (node *Node) finishShutdown() {
	node.cancel()
	node.goroutines.Wait()
	_ = node.Close()
	close(node.events)
}

func (node *Node) subscribe(topicName string) error {
	topic, err := node.ps.Join(topicName)
	if err != nil {
		return errors.Wrap(err, "while joining topic")
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return errors.Wrap(err, "while subscribing")
	}
	handler, err := topic.EventHandler()
	if err != nil {
		sub.Cancel()
		_ = topic.Close()
		return errors.Wrap(err, "while installing topic event handler")
	}

	ctx, cancel := context.WithCancel(node.ctx)
	node.topics[topicName] = &topicHandle{topic: topic, sub: sub, handler: handler, cancel: cancel}

	node.goroutines.Add(3)
	go node.readLoop(ctx, topicName, sub)
	go node.peerEventLoop(ctx, topicName, handler)
	go node.discoverLoop(ctx, topicName)
	return nil
}

// discoverLoop advertises the topic as a DHT rendezvous point and
// periodically looks up other subscribers, so rooms form beyond the local
// subnet when mDNS cannot see the peers.
func (node *Node) discoverLoop(ctx context.Context, topicName string) {
	defer node.goroutines.Done()
	_, _, _, ldebug := node.getLoggers()

	discovery.Advertise(ctx, node.discover, topicName)

	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			peers, err := discovery.FindPeers(ctx, node.discover, topicName)
			if err != nil {
				ldebug().Str("err", err.Error()).Msgf("while finding peers for %s", topicName)
				continue
			}
			for _, info := range peers {
				if info.ID == node.host.ID() || len(info.Addrs) == 0 {
					continue
				}
				if node.host.Network().Connectedness(info.ID) == corenet.Connected {
					continue
				}
				node.emit(PeerDiscovered{Info: info, Source: "dht"})
				dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
				if err := node.host.Connect(dialCtx, info); err != nil {
					ldebug().Str("err", err.Error()).Msgf("while dialing dht peer %s", info.ID)
				}
				cancelDial()
			}
		}
	}
}

func (node *Node) unsubscribe(topicName string) {
	handle, ok := node.topics[topicName]
	if !ok {
		return
	}
	delete(node.topics, topicName)
	handle.cancel()
	handle.handler.Cancel()
	handle.sub.Cancel()
	if err := handle.topic.Close(); err != nil {
		node.logger.Debug().Str("err", err.Error()).Msgf("while closing topic %s", topicName)
	}
}

func (node *Node) publish(cmd Publish) {
	handle, ok := node.topics[cmd.Topic]
	if !ok {
		node.emit(PublishError{Topic: cmd.Topic, Err: ErrNotSubscribed})
		return
	}
	if len(cmd.Data) > wire.MaxWireSize {
		node.emit(PublishError{Topic: cmd.Topic, Err: &wire.TooLargeError{Limit: wire.MaxWireSize}})
		return
	}
	if len(handle.topic.ListPeers()) == 0 {
		node.emit(PublishError{Topic: cmd.Topic, Err: ErrNoPeers})
		return
	}
	if err := handle.topic.Publish(node.ctx, cmd.Data); err != nil {
		node.emit(PublishError{Topic: cmd.Topic, Err: err})
		return
	}
	if counter, ok := node.monitor.GetCounter(metricMessagesPublished); ok {
		counter.Inc()
	}
}

// readLoop delivers verified, deduplicated messages for one topic in the
// order the overlay produced them.
func (node *Node) readLoop(ctx context.Context, topicName string, sub *pubsub.Subscription) {
	defer node.goroutines.Done()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return // subscription cancelled
		}
		if msg.GetFrom() == node.host.ID() {
			continue
		}
		if len(msg.Data) > wire.MaxWireSize {
			// gossipsub enforces this at the wire; defense at ingress anyway
			if counter, ok := node.monitor.GetCounter(metricMessagesDropped); ok {
				counter.Inc()
			}
			continue
		}
		if counter, ok := node.monitor.GetCounter(metricMessagesReceived); ok {
			counter.Inc()
		}
		node.emit(Message{Topic: topicName, From: msg.GetFrom(), Data: msg.Data})
	}
}

func (node *Node) peerEventLoop(ctx context.Context, topicName string, handler *pubsub.TopicEventHandler) {
	defer node.goroutines.Done()
	for {
		evt, err := handler.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		switch evt.Type {
		case pubsub.PeerJoin:
			node.emit(TopicPeerJoined{Topic: topicName, Peer: evt.Peer})
		case pubsub.PeerLeave:
			node.emit(TopicPeerLeft{Topic: topicName, Peer: evt.Peer})
		}
	}
}

// mdnsNotifee feeds local-subnet discoveries back into the agent.
type mdnsNotifee struct {
	node *Node
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.node.host.ID() {
		return
	}
	n.node.emit(PeerDiscovered{Info: info, Source: "mdns"})
	go func() {
		ctx, cancel := context.WithTimeout(n.node.ctx, dialTimeout)
		defer cancel()
		if err := n.node.host.Connect(ctx, info); err != nil {
			n.node.logger.Debug().Str("err", err.Error()).Msgf("while dialing mdns peer %s", info.ID)
		}
	}()
}
