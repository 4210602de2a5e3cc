// resolver.go - ActiveProxy rendezvous peer resolution.
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

package rendezvous

import (
	"context"
	"errors"
	mrand "math/rand"

	"github.com/katzenpost/activeproxy/constants"
)

// ErrNoReachablePeer is returned when every candidate the DHT returned
// failed to resolve to a reachable node.
var ErrNoReachablePeer = errors.New("rendezvous: no reachable peer found")

// Resolve locates a rendezvous peer and its hosting node. It asks the DHT
// for up to DHTLookupPeerCount candidates publishing peerID, shuffles them
// to avoid always preferring whichever the DHT lists first, and returns
// the first candidate that resolves to a reachable node.
func Resolve(ctx context.Context, dht DHT, peerID string, rng *mrand.Rand) (*PeerInfo, *NodeInfo, error) {
	candidates, err := dht.FindPeers(ctx, peerID, constants.DHTLookupPeerCount)
	if err != nil {
		return nil, nil, err
	}
	rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	for i := range candidates {
		peer := candidates[i]
		node, err := dht.ResolveNode(ctx, peer.ID)
		if err != nil || node == nil {
			continue
		}
		if node.Addr() == "" {
			continue
		}
		return &peer, node, nil
	}
	return nil, nil, ErrNoReachablePeer
}
