// BSD 3-Clause License
//
// Copyright (c) 2020, Sperax
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// 1. Redistributions of source code must retain the above copyright notice, this
//    list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright notice,
//    this list of conditions and the following disclaimer in the documentation
//    and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived from
//    this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/blockburn/corenet/conversation"
	"github.com/blockburn/corenet/cryptosig"
	"github.com/blockburn/corenet/neighbor"
	"github.com/blockburn/corenet/netaddr"
	"github.com/blockburn/corenet/netio"
	"github.com/blockburn/corenet/peernet"
	"github.com/blockburn/corenet/preamble"
)

// identityFile is the on-disk shape written by genkey and read by serve: a
// hex-encoded session key plus the self-announcement fields that go with it.
type identityFile struct {
	PrivateKeyHex string `json:"private_key"`
	DataURL       string `json:"data_url"`
	Services      uint32 `json:"services"`
}

func main() {
	app := &cli.App{
		Name:                 "corenode",
		Usage:                "run or inspect a peer network conversation engine node",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			genkeyCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}

func genkeyCommand() *cli.Command {
	return &cli.Command{
		Name:  "genkey",
		Usage: "generate a session keypair and write an identity file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "out",
				Value: "./identity.json",
				Usage: "path to write the generated identity file",
			},
			&cli.StringFlag{
				Name:  "data-url",
				Value: "",
				Usage: "URL advertised in this node's handshake",
			},
		},
		Action: func(c *cli.Context) error {
			priv, err := cryptosig.GenerateKey()
			if err != nil {
				return err
			}

			id := identityFile{
				PrivateKeyHex: hex.EncodeToString(priv.Serialize()),
				DataURL:       c.String("data-url"),
			}

			file, err := os.Create(c.String("out"))
			if err != nil {
				return err
			}
			defer file.Close()

			enc := json.NewEncoder(file)
			enc.SetIndent("", "\t")
			if err := enc.Encode(id); err != nil {
				return err
			}

			log.Println("wrote identity to", c.String("out"))
			log.Println("public key:", hex.EncodeToString(cryptosig.SerializePublicKey(priv.PubKey())))
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the peer network loop",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "identity",
				Value: "./identity.json",
				Usage: "path to an identity file written by genkey",
			},
			&cli.StringFlag{
				Name:  "listen",
				Value: ":20444",
				Usage: "address to accept inbound conversations on",
			},
			&cli.UintFlag{
				Name:  "network-id",
				Value: 1,
				Usage: "network identifier this node speaks",
			},
			&cli.UintFlag{
				Name:  "num-clients",
				Value: 24,
				Usage: "maximum inbound/outbound conversations",
			},
			&cli.StringSliceFlag{
				Name:  "connect",
				Usage: "host:port of a peer to dial on startup (repeatable)",
			},
			&cli.DurationFlag{
				Name:  "status-interval",
				Value: 10 * time.Second,
				Usage: "how often to print the connected-peer table",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	id, dataURL, err := loadIdentity(c.String("identity"))
	if err != nil {
		return err
	}

	addr, port, err := resolveHostPort(c.String("listen"))
	if err != nil {
		return err
	}

	local := &peernet.LocalPeer{
		PrivateKey:        id,
		ExpireBlockHeight: 1 << 32,
		AddrBytes:         addr,
		Port:              uint16(port),
		DataURL:           dataURL,
		Services:          1,
	}
	db := peernet.NewMemPeerDB(local)

	listener, err := net.Listen("tcp", c.String("listen"))
	if err != nil {
		return err
	}
	defer listener.Close()
	log.Println("listening on", c.String("listen"))

	cfg := &peernet.Config{
		PrivateKey:          id,
		NetworkID:           uint32(c.Uint("network-id")),
		PeerVersion:         1,
		StableConfirmations: 7,
		Heartbeat:           30,
		NumClients:          int(c.Uint("num-clients")),
		MaxOutboundPerIP:    4,
		MaxInboundPerIP:     8,
		InboxLimit:          1 << 20,
		RequestTTL:          30 * time.Second,
		PollTimeout:         1 * time.Second,
		DataURL:             dataURL,
		Services:            1,
		KeyExpireBlocks:     4302, // ~30 days at 10-minute blocks
	}

	srv, err := peernet.New(cfg, db, peernet.NoopWalker{}, listener, log.Default())
	if err != nil {
		return err
	}

	view := &conversation.View{
		NetworkID:           cfg.NetworkID,
		PeerVersion:         cfg.PeerVersion,
		StableConfirmations: cfg.StableConfirmations,
		LastConsensusHashes: make(map[uint64]preamble.ConsensusHash),
	}
	viewFn := func() *conversation.View { return view }

	handle, server := netio.NewPair()
	srv.RegisterHandle(server)
	for _, raddr := range c.StringSlice("connect") {
		peerAddr, peerPort, err := resolveHostPort(raddr)
		if err != nil {
			log.Println("bad peer address", raddr, ":", err)
			continue
		}
		key := neighbor.Key{PeerVersion: cfg.PeerVersion, NetworkID: cfg.NetworkID, AddrBytes: peerAddr, Port: peerPort}
		go func(raddr string, key neighbor.Key) {
			reply := handle.Submit(netio.Request{Op: netio.OpConnect, Neighbors: []neighbor.Key{key}})
			if reply.Err != nil {
				log.Println("connect to", raddr, "failed:", reply.Err)
				return
			}
			log.Println("connected to", raddr)
		}(raddr, key)
	}

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		close(stop)
	}()

	statusInterval := c.Duration("status-interval")
	lastStatus := time.Now()
	for {
		select {
		case <-stop:
			log.Println("shutting down")
			return nil
		default:
		}

		srv.Tick(viewFn())

		if time.Since(lastStatus) >= statusInterval {
			printStatus(srv.Snapshot())
			lastStatus = time.Now()
		}
	}
}

func loadIdentity(path string) (*cryptosig.PrivateKey, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer file.Close()

	var id identityFile
	if err := json.NewDecoder(file).Decode(&id); err != nil {
		return nil, "", err
	}
	raw, err := hex.DecodeString(id.PrivateKeyHex)
	if err != nil {
		return nil, "", err
	}
	if len(raw) == 0 {
		return nil, "", errors.New("identity file has an empty private key")
	}
	priv, err := cryptosig.ParsePrivateKey(raw)
	if err != nil {
		return nil, "", err
	}
	return priv, id.DataURL, nil
}

// resolveHostPort parses a host:port string into the fixed-width address
// form neighbor.Key and LocalPeer carry.
func resolveHostPort(hostport string) (netaddr.Addr, uint16, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return netaddr.Addr{}, 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netaddr.Addr{}, 0, err
	}
	if host == "" {
		return netaddr.Addr{}, uint16(port), nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return netaddr.Addr{}, 0, fmt.Errorf("invalid host %q", host)
	}
	if v4 := ip.To4(); v4 != nil {
		return netaddr.FromIP(v4), uint16(port), nil
	}
	return netaddr.FromIP(ip.To16()), uint16(port), nil
}

func printStatus(rows []peernet.NeighborSnapshot) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Addr", "Port", "Dir", "Data URL", "Tx", "Rx", "Health"})
	for _, row := range rows {
		dir := "in"
		if row.Outbound {
			dir = "out"
		}
		table.Append([]string{
			net.IP(row.Key.AddrBytes[:]).String(),
			fmt.Sprintf("%d", row.Key.Port),
			dir,
			row.DataURL,
			bytefmt.ByteSize(row.BytesTx),
			bytefmt.ByteSize(row.BytesRx),
			fmt.Sprintf("%.2f", row.Health),
		})
	}
	table.Render()
}
