// constants.go - ActiveProxy relay protocol constants.
// Copyright (C) 2017  Yawning Angel.
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

// Package constants contains the ActiveProxy client constants.
package constants

import "time"

const (
	// KeepaliveInterval is the maximum quiet period on an authenticated
	// relay channel before the client emits an unsolicited PING.
	KeepaliveInterval = 60 * time.Second

	// KeepaliveDeadFactor is how many KeepaliveIntervals of silence are
	// tolerated before a connection is considered dead.
	KeepaliveDeadFactor = 3

	// KeepaliveJitter bounds the random pull-forward applied to the PING
	// schedule so that many connections don't emit their keepalive in lockstep.
	KeepaliveJitter = 10 * time.Second

	// PersistenceInterval is how often the worker re-runs DHT resolution
	// and overwrites the rendezvous cache file.
	PersistenceInterval = time.Hour

	// ReAnnounceInterval is how often the worker re-publishes the optional
	// peer identity to the DHT.
	ReAnnounceInterval = time.Hour

	// DefaultCapacity is the connection ceiling used until the rendezvous
	// server overrides it during AUTH.
	DefaultCapacity = 25

	// MaxReconnectDelay caps the exponential open-failure backoff.
	MaxReconnectDelay = 64 * time.Second

	// BaseReconnectDelay is the backoff for the first open failure.
	BaseReconnectDelay = time.Second

	// ReadBufferSize is the size of each per-connection read buffer
	// (relay side and upstream side), one byte short of 32KiB.
	ReadBufferSize = 32*1024 - 1

	// MinPaddingSize and MaxPaddingSize bound the random padding appended
	// to control packets (exclusive upper bound, i.e. [1,32)).
	MinPaddingSize = 1
	MaxPaddingSize = 32

	// MinChallengeSize and MaxChallengeSize bound the plaintext CHALLENGE
	// sent by the server before packetization begins.
	MinChallengeSize = 32
	MaxChallengeSize = 256

	// FrameHeaderSize is the length of the u16-length + u8-flag frame header.
	FrameHeaderSize = 3

	// MinFrameSize is the smallest legal frame (header, no body).
	MinFrameSize = FrameHeaderSize

	// MACSize is the length of the Poly1305 authenticator appended to
	// every AEAD-sealed payload.
	MACSize = 16

	// NonceSize is the length of the XSalsa20 nonce prefixed to every
	// AEAD-sealed payload.
	NonceSize = 24

	// CacheFileName is the name of the on-disk rendezvous cache, relative
	// to the configured storage directory.
	CacheFileName = "activeproxy.cache"

	// DHTLookupPeerCount is how many candidate peers the resolver asks
	// the DHT for when the cache misses.
	DHTLookupPeerCount = 4

	// WorkerTick is the worker loop's polling granularity.
	WorkerTick = time.Second

	// UpstreamKeepaliveTick is how often a connection task's ticker fires
	// to drive Connection.CheckKeepalive while there is no socket activity.
	UpstreamKeepaliveTick = 10 * time.Second
)
