// worker_test.go - ActiveProxy worker admission and backoff tests.
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

package client

import (
	"context"
	"io/ioutil"
	mrand "math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/activeproxy/cryptobox"
	"github.com/katzenpost/activeproxy/rendezvous"
)

type fakeDHT struct {
	node      *rendezvous.NodeInfo
	peer      rendezvous.PeerInfo
	announced []rendezvous.PeerInfo
}

func (f *fakeDHT) FindPeers(ctx context.Context, peerID string, count int) ([]rendezvous.PeerInfo, error) {
	return []rendezvous.PeerInfo{f.peer}, nil
}

func (f *fakeDHT) ResolveNode(ctx context.Context, peerID string) (*rendezvous.NodeInfo, error) {
	return f.node, nil
}

func (f *fakeDHT) Announce(ctx context.Context, peer rendezvous.PeerInfo, node rendezvous.NodeInfo) error {
	f.announced = append(f.announced, peer)
	return nil
}

// Reconnect backoff is exponential and bumps the
// shared failure counter before the admission loop tries again. The real
// clock is used here (BaseReconnectDelay is 1s) so the wait is observable
// without depending on clockwork's fake-clock synchronization primitives.
func TestWorkerBackoffWaitsOutDelay(t *testing.T) {
	require := require.New(t)
	managed := NewManagedFields("peer", "127.0.0.1:0")
	w := NewWorker(testLogger(), managed, &fakeDHT{}, "", time.Hour, time.Hour)

	done := make(chan struct{})
	go func() {
		w.backoff()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("backoff did not return after the delay elapsed")
	}
	require.EqualValues(1, managed.ServerFailures())
}

func TestWorkerBackoffHaltedEarly(t *testing.T) {
	managed := NewManagedFields("peer", "127.0.0.1:0")
	w := NewWorker(testLogger(), managed, &fakeDHT{}, "", time.Hour, time.Hour)

	done := make(chan struct{})
	go func() {
		w.backoff()
		close(done)
	}()
	w.Halt()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("backoff did not observe Halt")
	}
}

// Periodic refresh re-resolves the rendezvous peer and rewrites
// the on-disk cache; periodic announce re-publishes this client's own
// identity when one is configured.
func TestWorkerRefreshRendezvousAndAnnouncePeer(t *testing.T) {
	require := require.New(t)

	dir, err := ioutil.TempDir("", "activeproxy-worker")
	require.NoError(err)
	defer os.RemoveAll(dir)
	cachePath := filepath.Join(dir, "activeproxy.cache")

	serverKeys, err := cryptobox.GenerateSigningKeyPair(cryptobox.RandReader)
	require.NoError(err)
	peerRaw, err := rendezvous.EncodePeerInfo("peer", serverKeys.Public)
	require.NoError(err)
	nodeRaw, err := rendezvous.EncodeNodeInfo("peer", "203.0.113.5:9000", "")
	require.NoError(err)

	dht := &fakeDHT{
		peer: rendezvous.PeerInfo{ID: "peer", Raw: peerRaw, ServerPublicKey: serverKeys.Public},
		node: &rendezvous.NodeInfo{Raw: nodeRaw, IPv4Addr: "203.0.113.5:9000"},
	}

	managed := NewManagedFields("peer", "127.0.0.1:0")
	selfKeys, err := cryptobox.GenerateSigningKeyPair(cryptobox.RandReader)
	require.NoError(err)
	managed.SetPeerIdentity(selfKeys, "example.org")

	w := NewWorker(testLogger(), managed, dht, cachePath, time.Hour, time.Hour)
	w.rng = mrand.New(mrand.NewSource(9))

	w.refreshRendezvous()
	require.Equal("203.0.113.5:9000", managed.RemoteNodeAddr())
	require.Equal(serverKeys.Public, managed.ServerPublicKey())
	_, err = os.Stat(cachePath)
	require.NoError(err)

	w.announcePeer()
	require.Len(dht.announced, 1)
	require.Equal("peer", dht.announced[0].ID)
}
