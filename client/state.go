// state.go - ActiveProxy connection state machine states.
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

import "github.com/katzenpost/activeproxy/wire"

// State is the ordered connection lifecycle. The ordering
// is load-bearing: on_open_failed fires only when the connection never
// made it past Attaching.
type State uint8

const (
	StateInitializing State = iota
	StateAuthenticating
	StateAttaching
	StateIdling
	StateRelaying
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateAuthenticating:
		return "Authenticating"
	case StateAttaching:
		return "Attaching"
	case StateIdling:
		return "Idling"
	case StateRelaying:
		return "Relaying"
	case StateDisconnecting:
		return "Disconnecting"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Accepts reports whether a decoded frame of this kind/ack may be
// processed while in state s, the protocol's fixed acceptance table.
// Anything not listed here is a protocol violation that closes the
// connection.
func (s State) Accepts(k wire.Kind, ack bool) bool {
	switch s {
	case StateAuthenticating:
		return k == wire.KindAuth && ack // AUTH-ACK
	case StateAttaching:
		return k == wire.KindAttach && ack // ATTACH-ACK
	case StateIdling:
		switch k {
		case wire.KindPing:
			return ack // PING-ACK
		case wire.KindConnect:
			return !ack // CONNECT (server-originated, never carries ACK)
		}
		return false
	case StateRelaying:
		switch k {
		case wire.KindPing:
			return ack // PING-ACK
		case wire.KindData:
			return true
		case wire.KindDisconnect:
			return !ack // DISCONNECT
		}
		return false
	case StateDisconnecting:
		switch k {
		case wire.KindDisconnect:
			return true // DISCONNECT or DISCONNECT-ACK
		case wire.KindData:
			return true // late-arriving DATA
		}
		return false
	default: // Initializing, Closed
		return false
	}
}
