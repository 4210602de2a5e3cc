// codec.go - ActiveProxy relay frame encoder/decoder.
// Copyright (C) 2019  Yawning Angel.
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

package wire

import (
	"encoding/binary"
	mrand "math/rand"

	"github.com/katzenpost/activeproxy/constants"
)

// Frame is one decoded wire frame: the packet family, its ACK bit, and the
// raw bytes that followed the header. Payload is body+padding concatenated
// — the codec has no notion of where the meaningful body ends and the
// padding begins; that split is a property of each packet's payload
// layout, applied by the caller once the body has been decrypted or
// otherwise interpreted.
type Frame struct {
	Kind    Kind
	Ack     bool
	Payload []byte
}

// EncodeFrame serializes one frame: u16 BE length | u8 flag | body |
// padding. Padding is appended only for families where AllowsPadding
// reports true, and is 1..31 uniformly random bytes.
func EncodeFrame(rng *mrand.Rand, k Kind, ack bool, body []byte) ([]byte, error) {
	padLen := 0
	if AllowsPadding(k) {
		padLen = constants.MinPaddingSize + rng.Intn(constants.MaxPaddingSize-constants.MinPaddingSize)
	}
	total := constants.FrameHeaderSize + len(body) + padLen
	if total > 0xFFFF {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, total)
	binary.BigEndian.PutUint16(frame[0:2], uint16(total))
	frame[2] = RandomFlag(rng, k, ack)
	n := copy(frame[3:], body)
	if padLen > 0 {
		pad := frame[3+n:]
		for i := range pad {
			pad[i] = byte(rng.Intn(256))
		}
	}
	return frame, nil
}

// Decoder peels complete frames off an arbitrarily-chunked TCP byte
// stream. It buffers partial headers and partial bodies across Push
// calls; the u16 length prefix is authoritative, so frame boundaries never
// depend on interpreting the payload.
type Decoder struct {
	carry []byte
}

// Push appends chunk to the carry buffer and returns every frame that is
// now complete. Any trailing partial frame remains buffered for the next
// call.
func (d *Decoder) Push(chunk []byte) ([]Frame, error) {
	d.carry = append(d.carry, chunk...)

	var frames []Frame
	for {
		if len(d.carry) < constants.FrameHeaderSize {
			break
		}
		length := int(binary.BigEndian.Uint16(d.carry[0:2]))
		if length < constants.MinFrameSize {
			return frames, ErrInvalidFlag
		}
		if len(d.carry) < length {
			break
		}
		flag := d.carry[2]
		kind, ack, err := Classify(flag)
		if err != nil {
			return frames, err
		}
		payload := make([]byte, length-constants.FrameHeaderSize)
		copy(payload, d.carry[constants.FrameHeaderSize:length])
		frames = append(frames, Frame{Kind: kind, Ack: ack, Payload: payload})
		d.carry = d.carry[length:]
	}
	return frames, nil
}
