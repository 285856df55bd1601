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

// chatnode runs a decentralized encrypted group chat node with a
// line-oriented front-end. The richer terminal UI is a separate program
// speaking the same session command/event contract.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"chatnode/config"
	"chatnode/monitoring"
	"chatnode/network"
	"chatnode/session"
	"chatnode/utils"
)

func main() {
	app := &cli.App{
		Name:  "chatnode",
		Usage: "decentralized end-to-end encrypted group chat node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the node configuration file",
			},
			&cli.UintFlag{
				Name:  "port",
				Value: 0,
				Usage: "TCP listen port (0 selects an ephemeral port)",
			},
			&cli.StringSliceFlag{
				Name:  "bootstrap",
				Usage: "override the well-known DHT bootstrap peers",
			},
			&cli.StringSliceFlag{
				Name:  "relay",
				Usage: "static circuit relays to reserve on",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "log level (trace, debug, info, warn, error)",
			},
			&cli.UintFlag{
				Name:  "metrics-port",
				Value: 0,
				Usage: "serve Prometheus metrics on this port (0 disables)",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	lvl, err := zerolog.ParseLevel(c.String("log-level"))
	if err != nil {
		return errors.Wrap(err, "while parsing log level")
	}
	utils.SetLoggerLevel(lvl)

	cfgPath := c.String("config")
	if cfgPath == "" {
		cfgPath, err = config.DefaultPath()
		if err != nil {
			return err
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil && !errors.Is(err, config.ErrNicknameRequired) {
		fmt.Fprintf(os.Stderr, "configuration unreadable (%s); regenerating with a fresh identity\n", err)
		cfg, err = config.Regenerate(cfgPath)
	}
	if errors.Is(err, config.ErrNicknameRequired) {
		if cfg.Nickname, err = promptNickname(); err != nil {
			return err
		}
		if err = cfg.Save(); err != nil {
			return err
		}
	} else if err != nil {
		return errors.Wrap(err, "while loading configuration")
	}

	var monitor monitoring.MonitoringService
	if port := c.Uint("metrics-port"); port != 0 {
		monitor = monitoring.NewPrometheusMonitoring("chatnode", uint16(port))
	} else {
		monitor = monitoring.NewFileMonitoring("chatnode", false)
	}
	go monitor.Start()
	defer monitor.Stop()

	netOpts := []network.Option{
		network.WithIdentity(cfg.PrivateKey),
		network.WithListenPort(uint16(c.Uint("port"))),
		network.WithMonitoring(monitor),
		network.LoggingLevel(lvl),
	}
	if peers := c.StringSlice("bootstrap"); len(peers) > 0 {
		netOpts = append(netOpts, network.BootstrapFrom(peers))
	}
	if relays := c.StringSlice("relay"); len(relays) > 0 {
		netOpts = append(netOpts, network.WithStaticRelays(relays))
	}

	node, err := network.New(netOpts...)
	if err != nil {
		return errors.Wrap(err, "while starting network agent")
	}

	sess, err := session.New(cfg, node.Commands(), node.Events(),
		session.WithMonitoring(monitor),
		session.LoggingLevel(lvl),
	)
	if err != nil {
		return errors.Wrap(err, "while starting session agent")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		sess.Commands() <- session.Shutdown{}
	}()

	go readInput(sess)

	fmt.Printf("chatnode up, peer id %s\n", node.PeerID())
	fmt.Println(`commands: /create <room> [password] | /join <code> [password] | /peers | /leave | /quit`)

	for evt := range sess.Events() {
		printEvent(evt)
	}
	return nil
}

func promptNickname() (string, error) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("choose a nickname: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", errors.Wrap(err, "while reading nickname")
		}
		nick := strings.TrimSpace(line)
		if err := config.ValidateNickname(nick); err != nil {
			fmt.Println(err)
			continue
		}
		return nick, nil
	}
}

// readInput translates stdin lines into session commands. A full-screen UI
// would do the same over the identical channel contract.
func readInput(sess *session.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			sess.Commands() <- session.SendChat{Text: line}
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "/create":
			if len(fields) < 2 {
				fmt.Println("usage: /create <room> [password]")
				continue
			}
			sess.Commands() <- session.CreateRoom{Name: fields[1], Password: arg(fields, 2)}
		case "/join":
			if len(fields) < 2 {
				fmt.Println("usage: /join <code> [password]")
				continue
			}
			sess.Commands() <- session.JoinRoom{Code: fields[1], Password: arg(fields, 2)}
		case "/peers":
			sess.Commands() <- session.ListPeers{}
		case "/leave":
			sess.Commands() <- session.LeaveRoom{}
		case "/quit":
			sess.Commands() <- session.Shutdown{}
			return
		default:
			fmt.Printf("unknown command %s\n", fields[0])
		}
	}
	sess.Commands() <- session.Shutdown{}
}

func arg(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

func printEvent(evt session.Event) {
	switch e := evt.(type) {
	case session.Display:
		fmt.Println(e.Line)
	case session.Status:
		fmt.Println(e.Line)
	case session.PeerList:
		if len(e.Peers) == 0 {
			fmt.Println("no peers in the room")
			return
		}
		for _, p := range e.Peers {
			fmt.Println("  " + p)
		}
	case session.RoomEntered:
		fmt.Printf("entered room %q\n", e.Name)
		fmt.Printf("share this code to invite others: %s\n", e.Code)
	case session.RoomLeft:
		fmt.Println("back to the menu")
	case session.Error:
		fmt.Printf("error [%s]: %s\n", e.Kind, e.Message)
	}
}
