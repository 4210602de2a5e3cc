// activeproxy.go - ActiveProxy client entry point.
// Copyright (C) 2019  David Anthony Stainton
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package activeproxy implements the client side of the ActiveProxy relay
// protocol: a NAT-traversal tunnel that publishes a local TCP service
// through a rendezvous peer reachable by third parties.
package activeproxy

import (
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"io/ioutil"
	mrand "math/rand"
	"time"

	"github.com/katzenpost/core/log"

	"github.com/katzenpost/activeproxy/client"
	"github.com/katzenpost/activeproxy/config"
	"github.com/katzenpost/activeproxy/constants"
	"github.com/katzenpost/activeproxy/cryptobox"
	"github.com/katzenpost/activeproxy/rendezvous"
)

// Client is a running ActiveProxy tunnel: one rendezvous peer published,
// one local upstream service exposed through it.
type Client struct {
	managed *client.ManagedFields
	worker  *client.Worker
}

// New resolves the configured rendezvous peer (cache first, DHT on miss),
// constructs the shared connection state, and starts the admission loop.
// It returns once the peer has been resolved to a dialable address;
// authentication and connection management continue in the background
// until Halt is called.
func New(ctx context.Context, cfg *config.Config, dht rendezvous.DHT, logBackend *log.Backend) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logBackend.GetLogger(fmt.Sprintf("activeproxy:%s", cfg.Rendezvous.PeerID))
	rng := mrand.New(mrand.NewSource(time.Now().UnixNano()))

	managed := client.NewManagedFields(cfg.Rendezvous.PeerID, cfg.Upstream.Address)

	if cfg.Rendezvous.PeerKeyFile != "" {
		kp, err := loadPeerKeyFile(cfg.Rendezvous.PeerKeyFile)
		if err != nil {
			return nil, err
		}
		managed.SetPeerIdentity(kp, cfg.Rendezvous.Domain)
	}

	cachePath := cfg.CachePath()
	peer, node, err := rendezvous.LoadCache(cachePath, cfg.Rendezvous.PeerID)
	if err != nil {
		return nil, err
	}
	if peer == nil {
		peer, node, err = rendezvous.Resolve(ctx, dht, cfg.Rendezvous.PeerID, rng)
		if err != nil {
			return nil, err
		}
		if err := rendezvous.SaveCache(cachePath, *peer, *node); err != nil {
			logger.Warningf("initial rendezvous cache write failed: %v", err)
		}
	}
	managed.SetRemoteNodeAddr(node.Addr())
	managed.SetServerPublicKey(peer.ServerPublicKey)

	persistenceInterval := durationOrDefault(cfg.Debug.PersistenceIntervalSec, constants.PersistenceInterval)
	reAnnounceInterval := durationOrDefault(cfg.Debug.ReAnnounceIntervalSec, constants.ReAnnounceInterval)

	w := client.NewWorker(logger, managed, dht, cachePath, persistenceInterval, reAnnounceInterval)
	w.Start()

	return &Client{managed: managed, worker: w}, nil
}

// Halt stops the admission loop and every live connection, blocking until
// all of their goroutines have exited.
func (c *Client) Halt() {
	c.worker.Halt()
}

func loadPeerKeyFile(path string) (*cryptobox.SigningKeyPair, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil || len(block.Bytes) != 64 {
		return nil, errors.New("activeproxy: invalid peer key file")
	}
	kp := &cryptobox.SigningKeyPair{}
	copy(kp.Private[:], block.Bytes)
	copy(kp.Public[:], block.Bytes[32:])
	return kp, nil
}

func durationOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
