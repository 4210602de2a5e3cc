// dht.go - ActiveProxy rendezvous discovery abstraction.
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

// Package rendezvous locates and caches the rendezvous peer ActiveProxy
// dials to publish its tunnel. The DHT itself is modeled purely as the DHT
// interface, an abstract collaborator the resolver depends on.
package rendezvous

import "context"

// PeerInfo is the DHT's published-peer record, treated as opaque payload
// by the client beyond its ID and raw encoding.
type PeerInfo struct {
	ID  string
	Raw []byte

	// ServerPublicKey is the rendezvous peer's long-term Ed25519 identity,
	// from which the client derives the X25519 public half used to build
	// the bootstrap box.
	ServerPublicKey [32]byte
}

// NodeInfo is the DHT's record of the host that serves a PeerInfo. IPv4Addr
// and IPv6Addr are "host:port" strings; either may be empty.
type NodeInfo struct {
	ID       string
	IPv4Addr string
	IPv6Addr string
	Raw      []byte
}

// Addr returns the dialable address: IPv6 is tried first, then overwritten
// by IPv4 if both are present.
func (n *NodeInfo) Addr() string {
	addr := n.IPv6Addr
	if n.IPv4Addr != "" {
		addr = n.IPv4Addr
	}
	return addr
}

// DHT is the abstract discovery collaborator: find peers publishing a
// given identity, resolve one to its hosting node, and announce this
// client's own published peer identity. A concrete DHT implementation
// lives outside this module's scope.
type DHT interface {
	// FindPeers returns up to count candidate peers publishing peerID.
	FindPeers(ctx context.Context, peerID string, count int) ([]PeerInfo, error)

	// ResolveNode returns the node currently hosting peerID.
	ResolveNode(ctx context.Context, peerID string) (*NodeInfo, error)

	// Announce publishes peer as hosted at node so remote callers can
	// locate this rendezvous tunnel.
	Announce(ctx context.Context, peer PeerInfo, node NodeInfo) error
}
