// state_test.go - ActiveProxy packet acceptance table tests.
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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/activeproxy/wire"
)

type kindAck struct {
	kind wire.Kind
	ack  bool
}

// Each open state accepts exactly its fixed set of packet
// kinds; everything else is a violation. ERROR is absent from every row
// because dispatch handles it ahead of the table.
func TestStateAcceptanceTable(t *testing.T) {
	require := require.New(t)

	accepted := map[State][]kindAck{
		StateInitializing:   nil,
		StateAuthenticating: {{wire.KindAuth, true}},
		StateAttaching:      {{wire.KindAttach, true}},
		StateIdling:         {{wire.KindPing, true}, {wire.KindConnect, false}},
		StateRelaying:       {{wire.KindPing, true}, {wire.KindData, false}, {wire.KindDisconnect, false}},
		StateDisconnecting:  {{wire.KindDisconnect, false}, {wire.KindDisconnect, true}, {wire.KindData, false}},
		StateClosed:         nil,
	}

	allCombos := []kindAck{
		{wire.KindAuth, false}, {wire.KindAuth, true},
		{wire.KindAttach, false}, {wire.KindAttach, true},
		{wire.KindPing, false}, {wire.KindPing, true},
		{wire.KindConnect, false}, {wire.KindConnect, true},
		{wire.KindDisconnect, false}, {wire.KindDisconnect, true},
		{wire.KindData, false},
	}

	for state, allowed := range accepted {
		allowedSet := make(map[kindAck]bool)
		for _, ka := range allowed {
			allowedSet[ka] = true
		}
		for _, combo := range allCombos {
			got := state.Accepts(combo.kind, combo.ack)
			require.Equal(allowedSet[combo], got,
				"state=%s kind=%s ack=%v", state, combo.kind, combo.ack)
		}
	}
}

func TestStateOrdering(t *testing.T) {
	require := require.New(t)

	// on_open_failed fires for any state <= Attaching; the enum ordering is
	// what encodes that.
	require.True(StateInitializing <= StateAttaching)
	require.True(StateAuthenticating <= StateAttaching)
	require.True(StateAttaching <= StateAttaching)
	require.False(StateIdling <= StateAttaching)
	require.False(StateRelaying <= StateAttaching)
	require.False(StateDisconnecting <= StateAttaching)
	require.False(StateClosed <= StateAttaching)
}

func TestStateStrings(t *testing.T) {
	require := require.New(t)
	require.Equal("Initializing", StateInitializing.String())
	require.Equal("Closed", StateClosed.String())
	require.Equal("Unknown", State(99).String())
}
