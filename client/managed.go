// managed.go - ActiveProxy shared client state.
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
	"sync"
	"time"

	"github.com/katzenpost/activeproxy/constants"
	"github.com/katzenpost/activeproxy/cryptobox"
)

// ManagedFields is the one shared-state instance co-owned by the worker and
// every live connection. All mutation goes through its methods so
// the mutex never leaves the struct and no caller ever blocks while holding
// it.
type ManagedFields struct {
	mu sync.Mutex

	sessionKeys *cryptobox.SigningKeyPair
	box         *cryptobox.Box // nil until AUTH-ACK; doubles as is-authenticated

	remotePeerID    string
	remoteNodeAddr  string
	serverPublicKey [32]byte

	upstreamAddr string

	relayPort uint16

	peerKeys   *cryptobox.SigningKeyPair
	peerDomain string

	serverFailures int
	reconnectDelay time.Duration

	inflights   int
	connections int
	capacity    int

	lastIdleCheck    time.Time
	lastAnnouncePeer time.Time
	lastSavePeer     time.Time
}

// NewManagedFields constructs shared state for one ActiveProxy client.
func NewManagedFields(remotePeerID, upstreamAddr string) *ManagedFields {
	return &ManagedFields{
		remotePeerID: remotePeerID,
		upstreamAddr: upstreamAddr,
		capacity:     constants.DefaultCapacity,
	}
}

// IsAuthenticated reports whether the post-handshake AEAD box has been
// installed; a non-nil box doubles as the is-authenticated predicate.
func (m *ManagedFields) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.box != nil
}

// InstallBox records the post-handshake AEAD box and the session details
// carried in AUTH-ACK.
func (m *ManagedFields) InstallBox(box *cryptobox.Box, relayPort, maxConnections uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.box = box
	m.relayPort = relayPort
	if maxConnections > 0 {
		m.capacity = int(maxConnections)
	}
}

// Box returns the installed post-handshake box, or nil if not yet
// authenticated.
func (m *ManagedFields) Box() *cryptobox.Box {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.box
}

// ResetSession drops the session keypair and derived box, forcing the next
// connection to re-run full AUTH instead of ATTACH.
func (m *ManagedFields) ResetSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionKeys = nil
	m.box = nil
}

// EnsureSessionKeys returns the current session keypair, minting one via
// gen if none exists yet.
func (m *ManagedFields) EnsureSessionKeys(gen func() (*cryptobox.SigningKeyPair, error)) (*cryptobox.SigningKeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionKeys == nil {
		kp, err := gen()
		if err != nil {
			return nil, err
		}
		m.sessionKeys = kp
	}
	return m.sessionKeys, nil
}

// Connections, Inflights, Capacity return the current admission counters.
func (m *ManagedFields) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connections
}

func (m *ManagedFields) Inflights() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflights
}

func (m *ManagedFields) Capacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capacity
}

// NeedsNewConnection implements the admission policy:
// connections < capacity AND (no open connections yet, OR every open
// connection is already busy).
func (m *ManagedFields) NeedsNewConnection() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connections >= m.capacity {
		return false
	}
	return m.connections == 0 || m.inflights == m.connections
}

// IncConnections bumps the open-connection counter; called when the worker
// hands a freshly-dialed Connection off to its task.
func (m *ManagedFields) IncConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections++
}

// OnClosed decrements the open-connection counter.
func (m *ManagedFields) OnClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connections > 0 {
		m.connections--
	}
}

// OnBusy increments inflights and cancels any pending idle-check deadline.
func (m *ManagedFields) OnBusy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflights++
	m.lastIdleCheck = time.Time{}
}

// OnIdle decrements inflights and, once it reaches zero, arms the
// idle-check deadline.
func (m *ManagedFields) OnIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflights > 0 {
		m.inflights--
	}
	if m.inflights == 0 {
		m.lastIdleCheck = time.Now()
	}
}

// OnOpened clears the reconnect backoff.
func (m *ManagedFields) OnOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serverFailures = 0
	m.reconnectDelay = 0
}

// OnOpenFailed bumps the failure counter and recomputes the exponential
// backoff delay, capped at MaxReconnectDelay.
func (m *ManagedFields) OnOpenFailed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serverFailures++
	delay := constants.BaseReconnectDelay * time.Duration(uint64(1)<<uint(m.serverFailures-1))
	if delay > constants.MaxReconnectDelay {
		delay = constants.MaxReconnectDelay
	}
	m.reconnectDelay = delay
	return delay
}

// ServerFailures and ReconnectDelay expose the current backoff state.
func (m *ManagedFields) ServerFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverFailures
}

func (m *ManagedFields) ReconnectDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectDelay
}

// RemotePeerID and UpstreamAddr expose the rendezvous coordinates.
func (m *ManagedFields) RemotePeerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remotePeerID
}

func (m *ManagedFields) UpstreamAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upstreamAddr
}

// SetRemoteNodeAddr records the dialable address of the resolved rendezvous
// node.
func (m *ManagedFields) SetRemoteNodeAddr(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteNodeAddr = addr
}

func (m *ManagedFields) RemoteNodeAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteNodeAddr
}

// SetServerPublicKey records the rendezvous peer's long-term Ed25519
// identity, resolved once via the DHT or the on-disk cache.
func (m *ManagedFields) SetServerPublicKey(pk [32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serverPublicKey = pk
}

func (m *ManagedFields) ServerPublicKey() [32]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverPublicKey
}

// SetPeerIdentity records the optional keypair and domain this client
// publishes its own peer identity under. A nil
// keypair leaves announcing disabled.
func (m *ManagedFields) SetPeerIdentity(kp *cryptobox.SigningKeyPair, domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peerKeys = kp
	m.peerDomain = domain
}

// PeerIdentity returns the keypair/domain set by SetPeerIdentity.
func (m *ManagedFields) PeerIdentity() (*cryptobox.SigningKeyPair, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerKeys, m.peerDomain
}

// MarkPeriodicBaseline stamps both periodic-task timers to now, so the
// first refresh/announce happens a full interval after startup rather than
// immediately on the first worker tick.
func (m *ManagedFields) MarkPeriodicBaseline(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSavePeer = now
	m.lastAnnouncePeer = now
}

// DuePeriodicTasks reports whether the cache-refresh and peer-announce
// intervals have elapsed, advancing their timestamps if so.
func (m *ManagedFields) DuePeriodicTasks(now time.Time, persistenceInterval, reAnnounceInterval time.Duration) (refresh, announce bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.lastSavePeer) >= persistenceInterval {
		m.lastSavePeer = now
		refresh = true
	}
	if now.Sub(m.lastAnnouncePeer) >= reAnnounceInterval {
		m.lastAnnouncePeer = now
		announce = true
	}
	return
}
