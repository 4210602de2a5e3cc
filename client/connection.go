// connection.go - ActiveProxy per-connection relay state machine.
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
	"encoding/binary"
	"errors"
	"fmt"
	mrand "math/rand"
	"net"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/activeproxy/constants"
	"github.com/katzenpost/activeproxy/cryptobox"
	"github.com/katzenpost/activeproxy/wire"
)

var nextConnID int64

func newConnID() int64 {
	nextConnID++
	return nextConnID
}

// AllowFunc decides whether a CONNECT for a server-requested address is
// served; a served CONNECT always dials the configured upstream address,
// not the requested one. The default used by NewConnection always allows.
type AllowFunc func(net.Addr) bool

// Connection is one relay socket's state machine: it owns the
// relay and upstream net.Conns, the streaming frame decoder, the
// per-connection bootstrap identity, and drives every packet handler.
// Nothing here blocks while ManagedFields' mutex is held — state mutation
// always happens through ManagedFields' own short-critical-section methods.
type Connection struct {
	id  int64
	log *logging.Logger

	managed *ManagedFields
	rng     *mrand.Rand
	allow   AllowFunc

	state              State
	keepaliveAt        time.Time
	disconnectConfirms int

	relayConn    net.Conn
	upstreamConn net.Conn
	decoder      wire.Decoder

	deviceKeys   *cryptobox.SigningKeyPair
	bootstrapBox *cryptobox.Box
}

// NewConnection mints a fresh per-connection Ed25519 identity and builds
// the bootstrap box against the rendezvous peer's published encryption
// key. The connection starts in Initializing and does no I/O
// until Run is called.
func NewConnection(log *logging.Logger, managed *ManagedFields, rng *mrand.Rand) (*Connection, error) {
	deviceKeys, err := cryptobox.GenerateSigningKeyPair(cryptobox.RandReader)
	if err != nil {
		return nil, wrapErr(KindCrypto, "generate device keypair", err)
	}

	serverSigPub := managed.ServerPublicKey()
	serverEncPub, ok := cryptobox.EncryptionPublicKey(&serverSigPub)
	if !ok {
		return nil, wrapErr(KindCrypto, "derive server encryption key", cryptobox.ErrInvalidPeerKey)
	}
	bootstrapBox, err := cryptobox.NewBox(cryptobox.RandReader, serverEncPub, deviceKeys.EncryptionPrivateKey())
	if err != nil {
		return nil, wrapErr(KindCrypto, "build bootstrap box", err)
	}

	return &Connection{
		id:           newConnID(),
		log:          log,
		managed:      managed,
		rng:          rng,
		allow:        func(net.Addr) bool { return true },
		state:        StateInitializing,
		keepaliveAt:  time.Now(),
		deviceKeys:   deviceKeys,
		bootstrapBox: bootstrapBox,
	}, nil
}

func (c *Connection) String() string {
	return fmt.Sprintf("connection[%d]: state=%s", c.id, c.state)
}

// Dial opens the relay TCP socket to the rendezvous node.
func (c *Connection) Dial(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return wrapErr(KindIO, "dial relay "+addr, err)
	}
	c.relayConn = conn
	return nil
}

// Close tears down both sockets and fires the appropriate ManagedFields
// callbacks exactly once.
func (c *Connection) Close() {
	if c.state == StateClosed {
		return
	}
	old := c.state
	c.state = StateClosed
	c.log.Infof("%s closing", c)

	if old <= StateAttaching {
		c.managed.OnOpenFailed()
	}
	if old == StateRelaying || old == StateDisconnecting {
		c.managed.OnIdle()
	}
	if c.relayConn != nil {
		c.relayConn.Close()
	}
	if c.upstreamConn != nil {
		c.upstreamConn.Close()
	}
	c.managed.OnClosed()
}

// CloseUpstream closes only the upstream half and starts the two-way
// DISCONNECT handshake; the relay socket stays up.
func (c *Connection) CloseUpstream() {
	if c.state == StateClosed || c.state == StateIdling {
		return
	}
	c.log.Infof("%s closing upstream", c)
	if c.state != StateDisconnecting {
		c.state = StateDisconnecting
		_ = c.sendDisconnectRequest()
	}
	if c.upstreamConn != nil {
		c.upstreamConn.Close()
		c.upstreamConn = nil
	}
}

// CheckKeepalive implements the dead-peer timeout and keepalive
// PING schedule. Returns an error when the connection has gone silent for
// KeepaliveDeadFactor*KeepaliveInterval and must be closed.
func (c *Connection) CheckKeepalive(now time.Time, jitter time.Duration) error {
	if c.state == StateClosed {
		return nil
	}
	silence := now.Sub(c.keepaliveAt)
	if silence >= constants.KeepaliveDeadFactor*constants.KeepaliveInterval {
		return newErr(KindState, fmt.Sprintf("%s is dead", c))
	}
	if c.state == StateIdling && silence >= constants.KeepaliveInterval-jitter {
		return c.sendPingRequest()
	}
	return nil
}

// OnChallenge handles the server's plaintext CHALLENGE: sign it and emit
// AUTH (first ever authentication) or ATTACH (re-using an existing
// session) depending on whether ManagedFields is already authenticated.
func (c *Connection) OnChallenge(challenge []byte) error {
	if len(challenge) < constants.MinChallengeSize || len(challenge) > constants.MaxChallengeSize {
		return newErr(KindProtocol, fmt.Sprintf("%s got invalid challenge length %d", c, len(challenge)))
	}
	sig := c.deviceKeys.Sign(challenge)
	if c.managed.IsAuthenticated() {
		return c.sendAttachRequest(sig)
	}
	return c.sendAuthenticateRequest(sig, sig)
}

// OnRelayData feeds a chunk read from the relay socket through the
// streaming decoder and dispatches every frame it yields. Tolerance for
// arbitrary TCP chunk boundaries lives entirely in wire.Decoder; this
// method only reacts to whole frames.
func (c *Connection) OnRelayData(chunk []byte) error {
	c.keepaliveAt = time.Now()

	if c.state == StateInitializing {
		// The CHALLENGE precedes packetization: treat the whole chunk as
		// plaintext challenge bytes rather than a framed packet.
		return c.OnChallenge(chunk)
	}

	frames, err := c.decoder.Push(chunk)
	if err != nil {
		return wrapErr(KindProtocol, "decode relay frame", err)
	}
	for _, f := range frames {
		if err := c.dispatch(f); err != nil {
			return err
		}
	}
	return nil
}

// dispatch routes one decoded frame to its handler, enforcing the ERROR-
// any-state rule ahead of the State.Accepts table (ERROR closes the
// connection from any state) and the table itself for everything else.
func (c *Connection) dispatch(f wire.Frame) error {
	c.log.Debugf("%s got %s ack=%v len=%d", c, f.Kind, f.Ack, len(f.Payload))

	if f.Kind == wire.KindError {
		msg := c.decodeError(f.Payload)
		c.log.Errorf("%s got ERROR from server: %s", c, msg)
		return newErr(KindProtocol, "server sent ERROR: "+msg)
	}

	if !c.state.Accepts(f.Kind, f.Ack) {
		return newErr(KindPermission, fmt.Sprintf("%s: %s(ack=%v) not accepted in %s", c, f.Kind, f.Ack, c.state))
	}

	switch f.Kind {
	case wire.KindAuth:
		return c.onAuthenticateResponse(f.Payload)
	case wire.KindAttach:
		return c.onAttachResponse()
	case wire.KindPing:
		return c.onPingResponse()
	case wire.KindConnect:
		return c.onConnectRequest(f.Payload)
	case wire.KindData:
		return c.onDataRequest(f.Payload)
	case wire.KindDisconnect:
		if f.Ack {
			return c.onDisconnectResponse()
		}
		return c.onDisconnectRequest()
	default:
		return newErr(KindProtocol, fmt.Sprintf("%s: unexpected %s in %s", c, f.Kind, c.state))
	}
}

func (c *Connection) decodeError(payload []byte) string {
	plain, err := c.box().Open(payload, -1)
	if err != nil || len(plain) < 2 {
		return "undecodable"
	}
	code := binary.BigEndian.Uint16(plain[:2])
	return fmt.Sprintf("%d:%s", code, string(plain[2:]))
}

// box returns the box that encrypted whatever packet is currently being
// decoded: the bootstrap box until AUTH-ACK installs the post-handshake
// one on ManagedFields.
func (c *Connection) box() *cryptobox.Box {
	if b := c.managed.Box(); b != nil {
		return b
	}
	return c.bootstrapBox
}

const authAckPlainSize = 32 + 2 + 2 + 1

func (c *Connection) onAuthenticateResponse(payload []byte) error {
	if len(payload) != constants.NonceSize+constants.MACSize+authAckPlainSize {
		return newErr(KindProtocol, fmt.Sprintf("%s got AUTH-ACK with bad length %d", c, len(payload)))
	}
	plain, err := c.bootstrapBox.Open(payload, authAckPlainSize)
	if err != nil {
		return wrapErr(KindCrypto, "decrypt AUTH-ACK", err)
	}
	var serverSessionPk [32]byte
	copy(serverSessionPk[:], plain[0:32])
	relayPort := binary.BigEndian.Uint16(plain[32:34])
	maxConnections := binary.BigEndian.Uint16(plain[34:36])
	_ = plain[36] // domainEnabled, informational only at this layer

	sessionKeys, err := c.managed.EnsureSessionKeys(func() (*cryptobox.SigningKeyPair, error) {
		return cryptobox.GenerateSigningKeyPair(cryptobox.RandReader)
	})
	if err != nil {
		return wrapErr(KindCrypto, "ensure session keypair", err)
	}
	sessionBox, err := cryptobox.NewBox(cryptobox.RandReader, &serverSessionPk, sessionKeys.EncryptionPrivateKey())
	if err != nil {
		return wrapErr(KindCrypto, "build post-handshake box", err)
	}
	c.managed.InstallBox(sessionBox, relayPort, maxConnections)

	c.state = StateIdling
	c.managed.OnOpened()
	c.log.Infof("%s opened (AUTH)", c)
	return nil
}

func (c *Connection) onAttachResponse() error {
	c.state = StateIdling
	c.managed.OnOpened()
	c.log.Infof("%s opened (ATTACH)", c)
	return nil
}

func (c *Connection) onPingResponse() error {
	// keepaliveAt was already refreshed in OnRelayData; nothing else to do.
	return nil
}

const connectReqPlainSize = 1 + 16 + 2

func (c *Connection) onConnectRequest(payload []byte) error {
	plain, err := c.box().Open(payload, connectReqPlainSize)
	if err != nil {
		return wrapErr(KindCrypto, "decrypt CONNECT", err)
	}
	c.state = StateRelaying
	c.managed.OnBusy()

	addrLen := int(plain[0])
	var ip net.IP
	switch addrLen {
	case 4:
		ip = net.IP(plain[1:5])
	case 16:
		ip = net.IP(plain[1:17])
	default:
		return newErr(KindProtocol, "unsupported CONNECT address family")
	}
	port := binary.BigEndian.Uint16(plain[17:19])
	addr := &net.TCPAddr{IP: ip, Port: int(port)}

	if !c.allow(addr) {
		if err := c.sendConnectResponse(false); err != nil {
			return err
		}
		c.state = StateIdling
		c.managed.OnIdle()
		return nil
	}
	return c.openUpstream()
}

func (c *Connection) openUpstream() error {
	addr := c.managed.UpstreamAddr()
	c.log.Debugf("%s dialing upstream %s", c, addr)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		c.log.Errorf("%s upstream dial %s failed: %v", c, addr, err)
		c.state = StateIdling
		c.managed.OnIdle()
		return c.sendConnectResponse(false)
	}
	c.upstreamConn = conn
	return c.sendConnectResponse(true)
}

func (c *Connection) onDataRequest(payload []byte) error {
	plain, err := c.box().Open(payload, -1)
	if err != nil {
		return wrapErr(KindCrypto, "decrypt DATA", err)
	}
	if c.upstreamConn == nil {
		// DATA racing past the closing boundary: the acceptance table
		// tolerates it during the DISCONNECT handshake, but there is
		// nowhere left to write it.
		if c.state == StateDisconnecting {
			c.log.Debugf("%s dropped %d late bytes", c, len(plain))
			return nil
		}
		return newErr(KindState, fmt.Sprintf("%s got DATA with no upstream connection", c))
	}
	return writeFully(c.upstreamConn, plain)
}

func (c *Connection) onDisconnectRequest() error {
	c.CloseUpstream()
	if err := c.sendDisconnectResponse(); err != nil {
		return err
	}
	c.disconnectConfirms++
	if c.disconnectConfirms == 2 {
		c.disconnectConfirms = 0
		c.state = StateIdling
		c.managed.OnIdle()
	}
	return nil
}

func (c *Connection) onDisconnectResponse() error {
	c.disconnectConfirms++
	if c.disconnectConfirms == 2 {
		c.disconnectConfirms = 0
		c.state = StateIdling
		c.managed.OnIdle()
	}
	return nil
}

// OnUpstreamData seals a chunk read from the upstream socket under the
// post-handshake box and emits one DATA frame.
func (c *Connection) OnUpstreamData(chunk []byte) error {
	sealed := c.box().Seal(chunk)
	return c.sendRelayPacket(wire.KindData, false, sealed)
}

func (c *Connection) sendAuthenticateRequest(userSig, devSig [64]byte) error {
	c.state = StateAuthenticating

	sessionKeys, err := c.managed.EnsureSessionKeys(func() (*cryptobox.SigningKeyPair, error) {
		return cryptobox.GenerateSigningKeyPair(cryptobox.RandReader)
	})
	if err != nil {
		return wrapErr(KindCrypto, "ensure session keypair", err)
	}

	var userID [32]byte
	if _, err := cryptobox.RandReader.Read(userID[:]); err != nil {
		return wrapErr(KindCrypto, "generate user id", err)
	}

	plain := make([]byte, 0, 32+32+1+64+64)
	plain = append(plain, userID[:]...)
	plain = append(plain, sessionKeys.Public[:]...)
	plain = append(plain, 0) // domainFlag: DNS-based domain announcement disabled
	plain = append(plain, userSig[:]...)
	plain = append(plain, devSig[:]...)

	sealed := c.bootstrapBox.Seal(plain)
	body := append(append([]byte{}, c.deviceKeys.Public[:]...), sealed...)
	return c.sendRelayPacket(wire.KindAuth, false, body)
}

func (c *Connection) sendAttachRequest(devSig [64]byte) error {
	if c.state == StateClosed {
		return nil
	}
	c.state = StateAttaching

	sealed := c.bootstrapBox.Seal(devSig[:])
	body := append(append([]byte{}, c.deviceKeys.Public[:]...), sealed...)
	return c.sendRelayPacket(wire.KindAttach, false, body)
}

func (c *Connection) sendPingRequest() error {
	if c.state == StateClosed {
		return nil
	}
	return c.sendRelayPacket(wire.KindPing, false, nil)
}

// sendConnectResponse emits a plain single-byte CONNECT-ACK: the low bit
// carries success, the other seven bits are random.
func (c *Connection) sendConnectResponse(success bool) error {
	flag := byte(c.rng.Intn(256)) &^ 1
	if success {
		flag |= 1
	}
	return c.sendRelayPacket(wire.KindConnect, true, []byte{flag})
}

func (c *Connection) sendDisconnectRequest() error {
	if c.state == StateClosed {
		return nil
	}
	return c.sendRelayPacket(wire.KindDisconnect, false, nil)
}

func (c *Connection) sendDisconnectResponse() error {
	if c.state == StateClosed {
		return nil
	}
	return c.sendRelayPacket(wire.KindDisconnect, true, nil)
}

func (c *Connection) sendRelayPacket(k wire.Kind, ack bool, body []byte) error {
	if c.state == StateClosed {
		c.log.Warningf("%s already closed, dropping %s", c, k)
		return nil
	}
	frame, err := wire.EncodeFrame(c.rng, k, ack, body)
	if err != nil {
		return wrapErr(KindProtocol, "encode "+k.String(), err)
	}
	if err := writeFully(c.relayConn, frame); err != nil {
		return wrapErr(KindIO, "send "+k.String(), err)
	}
	c.log.Debugf("%s sent %s(len=%d)", c, k, len(frame))
	return nil
}

func writeFully(conn net.Conn, data []byte) error {
	if conn == nil {
		return errors.New("client: write to nil connection")
	}
	for written := 0; written < len(data); {
		n, err := conn.Write(data[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}
