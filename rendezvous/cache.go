// cache.go - ActiveProxy on-disk rendezvous cache.
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
	"bytes"
	"errors"
	"io/ioutil"
	"os"

	"github.com/2tvenom/cbor"
)

// cachedPair is the 2-entry CBOR map persisted as activeproxy.cache:
// {"peer": <opaque PeerInfo CBOR>, "node": <opaque NodeInfo CBOR>}.
type cachedPair struct {
	Peer []byte `cbor:"peer"`
	Node []byte `cbor:"node"`
}

// LoadCache reads and validates the rendezvous cache at path. A cache miss,
// parse failure, or mismatch between the cached peer id and wantPeerID are
// all treated identically as "no usable cache": the file is removed and
// (nil, nil, nil) is returned so the caller falls back to a DHT lookup.
func LoadCache(path, wantPeerID string) (*PeerInfo, *NodeInfo, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, nil, nil
	}

	var pair cachedPair
	decoder := cbor.NewEncoder(&bytes.Buffer{})
	_, decErr := decoder.Unmarshal(raw, &pair)
	if decErr != nil || pair.Peer == nil || pair.Node == nil {
		_ = os.Remove(path)
		return nil, nil, nil
	}

	peer := &PeerInfo{ID: wantPeerID, Raw: pair.Peer}
	node := &NodeInfo{Raw: pair.Node}
	if err := decodeOpaque(pair.Peer, peer); err != nil || peer.ID != wantPeerID {
		_ = os.Remove(path)
		return nil, nil, nil
	}
	if err := decodeOpaque(pair.Node, node); err != nil {
		_ = os.Remove(path)
		return nil, nil, nil
	}
	return peer, node, nil
}

// SaveCache atomically writes (peer, node) to path: the encoding is written
// to a temporary file beside path and then renamed over it, so readers never
// observe a partially-written cache.
func SaveCache(path string, peer PeerInfo, node NodeInfo) error {
	pair := cachedPair{Peer: peer.Raw, Node: node.Raw}

	var buf bytes.Buffer
	encoder := cbor.NewEncoder(&buf)
	ok, err := encoder.Marshal(pair)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("rendezvous: cbor encode failed")
	}
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// decodeOpaque is the hook through which a real deployment would unwrap
// the DHT's own CBOR document format (not this module's concern); the
// core only needs the embedded ID to validate the cache against the
// configured peer id, so this module's PeerInfo/NodeInfo carry their ID
// fields encoded alongside the opaque Raw document.
func decodeOpaque(raw []byte, v interface{}) error {
	switch t := v.(type) {
	case *PeerInfo:
		var wire wirePeerInfo
		decoder := cbor.NewEncoder(&bytes.Buffer{})
		if _, err := decoder.Unmarshal(raw, &wire); err != nil {
			return err
		}
		t.ID = wire.ID
		copy(t.ServerPublicKey[:], wire.PublicKey)
		return nil
	case *NodeInfo:
		var wire wireNodeInfo
		decoder := cbor.NewEncoder(&bytes.Buffer{})
		if _, err := decoder.Unmarshal(raw, &wire); err != nil {
			return err
		}
		t.ID = wire.ID
		t.IPv4Addr = wire.IPv4Addr
		t.IPv6Addr = wire.IPv6Addr
		return nil
	default:
		return errors.New("rendezvous: unsupported decode target")
	}
}

type wirePeerInfo struct {
	ID        string `cbor:"id"`
	PublicKey []byte `cbor:"pk"`
}

type wireNodeInfo struct {
	ID       string `cbor:"id"`
	IPv4Addr string `cbor:"ipv4"`
	IPv6Addr string `cbor:"ipv6"`
}

// EncodePeerInfo produces the opaque CBOR document stored as a PeerInfo's
// Raw field.
func EncodePeerInfo(id string, serverPublicKey [32]byte) ([]byte, error) {
	var buf bytes.Buffer
	encoder := cbor.NewEncoder(&buf)
	ok, err := encoder.Marshal(wirePeerInfo{ID: id, PublicKey: serverPublicKey[:]})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("rendezvous: cbor encode failed")
	}
	return buf.Bytes(), nil
}

// EncodeNodeInfo produces the opaque CBOR document stored as a NodeInfo's
// Raw field.
func EncodeNodeInfo(id, ipv4, ipv6 string) ([]byte, error) {
	var buf bytes.Buffer
	encoder := cbor.NewEncoder(&buf)
	ok, err := encoder.Marshal(wireNodeInfo{ID: id, IPv4Addr: ipv4, IPv6Addr: ipv6})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("rendezvous: cbor encode failed")
	}
	return buf.Bytes(), nil
}
