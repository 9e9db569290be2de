// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import "fmt"

// DataHeaderSize is the size of the header preceding a data payload:
// message ID, flags and CRC.
const DataHeaderSize = 9

// FlagChecksum marks a data body whose CRC field is set.
const FlagChecksum byte = 0x01

// DataHeader returns the encoded header for a data body. The payload follows
// it directly in the frame.
func DataHeader(id, sum uint32) [DataHeaderSize]byte {
	var h [DataHeaderSize]byte
	AppendUint32(h[:0], id)
	if sum != 0 {
		h[4] = FlagChecksum
	}
	AppendUint32(h[5:5], sum)
	return h
}

// DecodeData splits a data body into its message ID, CRC and payload. The
// payload aliases body. A body without FlagChecksum always reports a zero CRC.
func DecodeData(body []byte) (id, sum uint32, payload []byte, err error) {
	if len(body) < DataHeaderSize {
		return 0, 0, nil, fmt.Errorf("%w: data body of %d bytes", ErrShortBody, len(body))
	}
	id = Uint32(body)
	if body[4]&FlagChecksum != 0 {
		sum = Uint32(body[5:])
	}
	return id, sum, body[DataHeaderSize:], nil
}

// ControlHeader returns the two-byte opcode prefix of a control body.
func ControlHeader(op uint16) [2]byte {
	var h [2]byte
	AppendUint16(h[:0], op)
	return h
}

// DecodeControl splits a control body into its opcode and payload.
func DecodeControl(body []byte) (uint16, []byte, error) {
	if len(body) < 2 {
		return 0, nil, fmt.Errorf("%w: control body of %d bytes", ErrShortBody, len(body))
	}
	return Uint16(body), body[2:], nil
}
