// worker.go - ActiveProxy connection admission and periodic maintenance.
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
	mrand "math/rand"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/worker"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/activeproxy/constants"
	"github.com/katzenpost/activeproxy/rendezvous"
)

// Worker owns the connection-admission loop and the periodic rendezvous
// cache refresh / peer re-announce tasks. It embeds worker.Worker so every
// goroutine it spawns, the admission loop and each connection's
// read-dispatch loop, exits cleanly on Halt.
type Worker struct {
	worker.Worker

	log     *logging.Logger
	managed *ManagedFields
	dht     rendezvous.DHT
	rng     *mrand.Rand
	clock   clockwork.Clock

	cachePath           string
	persistenceInterval time.Duration
	reAnnounceInterval  time.Duration

	// Allow, when non-nil, vets every server-requested address before a
	// connection dials the configured upstream for it. Nil means allow
	// everything.
	Allow AllowFunc
}

// NewWorker constructs a Worker. Call Start once the initial rendezvous
// resolution (cache hit or DHT lookup) has already populated managed's
// remote node address and server public key.
func NewWorker(log *logging.Logger, managed *ManagedFields, dht rendezvous.DHT, cachePath string, persistenceInterval, reAnnounceInterval time.Duration) *Worker {
	return &Worker{
		log:                 log,
		managed:             managed,
		dht:                 dht,
		rng:                 mrand.New(mrand.NewSource(time.Now().UnixNano())),
		clock:               clockwork.NewRealClock(),
		cachePath:           cachePath,
		persistenceInterval: persistenceInterval,
		reAnnounceInterval:  reAnnounceInterval,
	}
}

// Start marks the periodic-task baseline and launches the admission loop.
func (w *Worker) Start() {
	w.managed.MarkPeriodicBaseline(w.clock.Now())
	w.Go(w.runLoop)
}

// runLoop spawns a new connection whenever NeedsNewConnection reports
// true; otherwise it waits out WorkerTick and runs the periodic
// cache-refresh / announce check.
func (w *Worker) runLoop() {
	for {
		select {
		case <-w.HaltCh():
			return
		default:
		}

		// Shared state still thinks it's authenticated but
		// every connection has dropped — the session is stale, reset it so
		// the next connection re-runs full AUTH instead of ATTACH.
		if w.managed.IsAuthenticated() && w.managed.Connections() == 0 {
			w.managed.ResetSession()
		}

		if w.managed.NeedsNewConnection() {
			w.spawnConnection()
			continue
		}

		select {
		case <-w.HaltCh():
			return
		case <-w.clock.After(constants.WorkerTick):
			w.runPeriodicTasks()
		}
	}
}

func (w *Worker) spawnConnection() {
	conn, err := NewConnection(w.log, w.managed, w.rng)
	if err != nil {
		w.log.Errorf("build connection: %v", err)
		w.backoff()
		return
	}
	if w.Allow != nil {
		conn.allow = w.Allow
	}
	if err := conn.Dial(w.managed.RemoteNodeAddr()); err != nil {
		w.log.Errorf("%v", err)
		w.backoff()
		return
	}
	w.managed.IncConnections()
	w.Go(func() { w.runConnection(conn) })
}

// backoff waits out the exponential reconnect delay, capped at
// MaxReconnectDelay, before the admission loop tries again.
func (w *Worker) backoff() {
	delay := w.managed.OnOpenFailed()
	select {
	case <-w.HaltCh():
	case <-w.clock.After(delay):
	}
}

type ioResult struct {
	n   int
	err error
	buf []byte
}

func readOnce(conn net.Conn, ch chan<- ioResult) {
	buf := make([]byte, constants.ReadBufferSize)
	n, err := conn.Read(buf)
	ch <- ioResult{n: n, err: err, buf: buf}
}

// runConnection is one connection's read-dispatch loop: relay reads,
// upstream reads, and a keepalive timer race in a select, with a channel
// standing in for each half-duplex reader. The upstream channel stays nil
// until a CONNECT has opened an upstream socket.
func (w *Worker) runConnection(c *Connection) {
	relayCh := make(chan ioResult, 1)
	go readOnce(c.relayConn, relayCh)

	var upstreamCh chan ioResult

	for {
		if c.upstreamConn != nil && upstreamCh == nil {
			upstreamCh = make(chan ioResult, 1)
			go readOnce(c.upstreamConn, upstreamCh)
		}

		select {
		case <-w.HaltCh():
			c.Close()
			return

		case res := <-relayCh:
			if res.err != nil || res.n == 0 {
				w.log.Infof("%s relay stream ended: %v", c, res.err)
				c.Close()
				return
			}
			if err := c.OnRelayData(res.buf[:res.n]); err != nil {
				w.log.Errorf("%s: %v", c, err)
				c.Close()
				return
			}
			go readOnce(c.relayConn, relayCh)

		case res := <-upstreamCh:
			if res.err != nil || res.n == 0 {
				c.CloseUpstream()
				upstreamCh = nil
				continue
			}
			if err := c.OnUpstreamData(res.buf[:res.n]); err != nil {
				w.log.Errorf("%s: %v", c, err)
				c.CloseUpstream()
				upstreamCh = nil
				continue
			}
			go readOnce(c.upstreamConn, upstreamCh)

		case <-w.clock.After(constants.UpstreamKeepaliveTick):
			jitter := time.Duration(w.rng.Int63n(int64(constants.KeepaliveJitter)))
			if err := c.CheckKeepalive(w.clock.Now(), jitter); err != nil {
				w.log.Warningf("%s: %v", c, err)
				c.Close()
				return
			}
		}
	}
}

// runPeriodicTasks re-resolves the rendezvous peer and rewrites the cache
// (DuePeriodicTasks' "refresh") and re-publishes this client's own peer
// identity (its "announce").
func (w *Worker) runPeriodicTasks() {
	refresh, announce := w.managed.DuePeriodicTasks(w.clock.Now(), w.persistenceInterval, w.reAnnounceInterval)
	if refresh {
		w.refreshRendezvous()
	}
	if announce {
		w.announcePeer()
	}
}

func (w *Worker) refreshRendezvous() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	peer, node, err := rendezvous.Resolve(ctx, w.dht, w.managed.RemotePeerID(), w.rng)
	if err != nil {
		w.log.Warningf("rendezvous refresh failed: %v", err)
		return
	}
	w.managed.SetRemoteNodeAddr(node.Addr())
	w.managed.SetServerPublicKey(peer.ServerPublicKey)
	if err := rendezvous.SaveCache(w.cachePath, *peer, *node); err != nil {
		w.log.Warningf("rendezvous cache write failed: %v", err)
	}
}

func (w *Worker) announcePeer() {
	kp, domain := w.managed.PeerIdentity()
	if kp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	selfID := w.managed.RemotePeerID()
	selfRaw, err := rendezvous.EncodePeerInfo(selfID, kp.Public)
	if err != nil {
		w.log.Warningf("announce encode failed: %v", err)
		return
	}
	nodeRaw, err := rendezvous.EncodeNodeInfo(selfID, "", domain)
	if err != nil {
		w.log.Warningf("announce encode failed: %v", err)
		return
	}
	peer := rendezvous.PeerInfo{ID: selfID, Raw: selfRaw, ServerPublicKey: kp.Public}
	node := rendezvous.NodeInfo{ID: selfID, Raw: nodeRaw}
	if err := w.dht.Announce(ctx, peer, node); err != nil {
		w.log.Warningf("announce failed: %v", err)
		return
	}
	w.log.Infof("announced peer %s", selfID)
}
