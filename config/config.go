// config.go - ActiveProxy client configuration.
// Copyright (C) 2017  David Anthony Stainton
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

// Package config provides ActiveProxy client configuration utilities.
package config

import (
	"errors"
	"io/ioutil"

	"github.com/pelletier/go-toml"
)

// RendezvousConfig identifies the rendezvous peer this client publishes
// its tunnel through.
type RendezvousConfig struct {
	// PeerID is the DHT-published identity of the rendezvous peer.
	PeerID string

	// PeerKeyFile optionally names a PEM-encoded Ed25519 private key used
	// to publish this client's own peer identity to the DHT.
	PeerKeyFile string

	// Domain is an optional domain name advertised alongside the
	// published peer identity.
	Domain string
}

// UpstreamConfig names the local TCP service this client exposes.
type UpstreamConfig struct {
	// Address is the host:port of the local backend, e.g. "127.0.0.1:8080".
	Address string
}

// StorageConfig names the directory used for the rendezvous cache file.
type StorageConfig struct {
	// Dir is the storage directory, required.
	Dir string
}

// DebugConfig overrides protocol timing constants for tests. A zero value
// leaves every interval at its protocol default. Only PersistenceIntervalSec
// and ReAnnounceIntervalSec are read; KeepaliveIntervalSec is not, and the
// keepalive schedule always uses constants.KeepaliveInterval.
type DebugConfig struct {
	KeepaliveIntervalSec   int
	PersistenceIntervalSec int
	ReAnnounceIntervalSec  int
}

// Config is the top-level ActiveProxy client configuration.
type Config struct {
	Rendezvous RendezvousConfig
	Upstream   UpstreamConfig
	Storage    StorageConfig
	Debug      DebugConfig
}

// Validate checks that the required fields are present.
func (c *Config) Validate() error {
	if c.Rendezvous.PeerID == "" {
		return errors.New("config: rendezvous peer id is required")
	}
	if c.Upstream.Address == "" {
		return errors.New("config: upstream address is required")
	}
	if c.Storage.Dir == "" {
		return errors.New("config: storage dir is required")
	}
	return nil
}

// CachePath returns the path of the on-disk rendezvous cache file.
func (c *Config) CachePath() string {
	return c.Storage.Dir + "/activeproxy.cache"
}

// FromFile loads a Config from a TOML file.
func FromFile(fileName string) (*Config, error) {
	cfg := Config{}
	fileData, err := ioutil.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(fileData, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
