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
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"chatnode/monitoring"
	"chatnode/utils"
)

// Option for network.New
type Option func(*Node) error

// WithIdentity sets the node's long-lived identity key.
func WithIdentity(key crypto.PrivKey) Option {
	return func(node *Node) error {
		if key == nil {
			return errors.New("identity key must not be nil")
		}
		node.key = key
		return nil
	}
}

// WithListenPort sets the TCP listen port; 0 selects an ephemeral port.
func WithListenPort(port uint16) Option {
	return func(node *Node) error {
		node.listenPort = port
		return nil
	}
}

// BootstrapFrom overrides the well-known DHT entry peers.
func BootstrapFrom(entryPeers []string) Option {
	return func(node *Node) error {
		var err error
		node.bootstrapPeers, err = utils.GetPeersAddrInfo(entryPeers)
		if err != nil {
			return err
		}
		return nil
	}
}

// WithStaticRelays pins the circuit relays used for reservations instead of
// discovering them.
func WithStaticRelays(relays []string) Option {
	return func(node *Node) error {
		var err error
		node.staticRelays, err = utils.GetPeersAddrInfo(relays)
		if err != nil {
			return err
		}
		return nil
	}
}

// WithMonitoring attaches a metrics service.
func WithMonitoring(monitor monitoring.MonitoringService) Option {
	return func(node *Node) error {
		node.monitor = monitor
		return nil
	}
}

// LoggingLevel for network.New
func LoggingLevel(lvl zerolog.Level) Option {
	return func(node *Node) error {
		node.logger = node.logger.Level(lvl)
		return nil
	}
}

// WithEventBuffer sizes the inbound event channel. The channel is lossless
// regardless; the buffer only bounds how far the agent can run ahead of the
// session agent before parking.
func WithEventBuffer(size int) Option {
	return func(node *Node) error {
		if size < minEventBuffer {
			return errors.Errorf("event buffer must be at least %d", minEventBuffer)
		}
		node.eventBuffer = size
		return nil
	}
}
