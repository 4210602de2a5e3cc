// managed_test.go - ActiveProxy shared state admission/backoff tests.
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
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/activeproxy/cryptobox"
)

// The worker never admits a connection past capacity, and a
// slot frees up once a connection closes.
func TestNeedsNewConnectionRespectsCapacity(t *testing.T) {
	require := require.New(t)
	managed := NewManagedFields("peer", "127.0.0.1:0")
	managed.InstallBox(nil, 0, 2) // capacity=2 via AUTH-ACK maxConnections

	require.True(managed.NeedsNewConnection())
	managed.IncConnections()
	require.EqualValues(1, managed.Connections())

	// One open connection that isn't yet busy: still no new connection needed.
	require.False(managed.NeedsNewConnection())

	managed.OnBusy()
	require.True(managed.NeedsNewConnection()) // every open connection busy

	managed.IncConnections()
	require.EqualValues(2, managed.Connections())
	require.False(managed.NeedsNewConnection()) // at capacity

	managed.OnClosed()
	require.EqualValues(1, managed.Connections())
	require.True(managed.NeedsNewConnection())
}

// Exponential reconnect backoff: 1000*2^(k-1) ms capped at
// 64000ms, and the failure counter tracks k.
func TestOnOpenFailedExponentialBackoff(t *testing.T) {
	require := require.New(t)
	managed := NewManagedFields("peer", "127.0.0.1:0")

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
	}
	for k, w := range want {
		delay := managed.OnOpenFailed()
		require.Equal(w, delay, "k=%d", k+1)
		require.EqualValues(k+1, managed.ServerFailures())
	}

	// Further failures clamp at MaxReconnectDelay (64s) rather than overflowing.
	for i := 0; i < 3; i++ {
		delay := managed.OnOpenFailed()
		require.Equal(64*time.Second, delay)
	}
	require.EqualValues(len(want)+3, managed.ServerFailures())
}

// OnOpened clears accumulated failures and the recorded backoff delay.
func TestOnOpenedClearsBackoff(t *testing.T) {
	require := require.New(t)
	managed := NewManagedFields("peer", "127.0.0.1:0")
	managed.OnOpenFailed()
	managed.OnOpenFailed()
	require.EqualValues(2, managed.ServerFailures())

	managed.OnOpened()
	require.EqualValues(0, managed.ServerFailures())
	require.EqualValues(0, managed.ReconnectDelay())
}

// ResetSession drops both the session keypair and the derived box, so the
// next connection must re-run AUTH instead of ATTACH.
func TestResetSessionDropsBoxAndKeys(t *testing.T) {
	require := require.New(t)
	managed := NewManagedFields("peer", "127.0.0.1:0")
	_, err := managed.EnsureSessionKeys(func() (*cryptobox.SigningKeyPair, error) {
		return cryptobox.GenerateSigningKeyPair(cryptobox.RandReader)
	})
	require.NoError(err)
	managed.InstallBox(mustPairBox(t), 9000, 16)
	require.True(managed.IsAuthenticated())

	managed.ResetSession()
	require.False(managed.IsAuthenticated())
	require.Nil(managed.Box())
	require.Nil(managed.sessionKeys)
}
