// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package proxy

import (
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// mbapSize is the fixed 7-byte Modbus Application Protocol header:
	// transaction-id(2) + protocol-id(2) + length(2) + unit-id(1).
	mbapSize = 7

	// maxFrameSize bounds a declared ADU length; anything past it is
	// treated as Malformed rather than trusted and read.
	maxFrameSize = 260
)

// Frame is a complete Modbus/TCP ADU: the 7-byte MBAP header followed by
// the PDU. The proxy never rewrites any byte inside it.
type Frame []byte

// FunctionCode returns PDU byte 0 (the function code). A frame with a
// declared length of 1 carries no PDU bytes (ReadFrame returns it as 7
// bytes); for such a frame FunctionCode returns 0.
func (f Frame) FunctionCode() byte {
	if len(f) <= mbapSize {
		return 0
	}
	return f[mbapSize]
}

// TransactionID returns the MBAP transaction-id field.
func (f Frame) TransactionID() uint16 {
	return uint16(f[0])<<8 | uint16(f[1])
}

// declaredLength reads the MBAP length field (unit-id + PDU byte count).
func declaredLength(header []byte) int {
	return int(header[4])<<8 | int(header[5])
}

// ReadFrame reads exactly one ADU from stream: 7 header bytes, then
// length-1 PDU bytes, looping on short reads until satisfied or deadline.
// A declared length of 0 or greater than maxFrameSize-mbapSize+1 is fatal
// for the connection and reported as ErrMalformedFrame.
func ReadFrame(stream net.Conn, deadline time.Time) (Frame, error) {
	if err := stream.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	header := make([]byte, mbapSize)
	if _, err := io.ReadFull(stream, header); err != nil {
		return nil, err
	}

	length := declaredLength(header)
	if length == 0 || mbapSize+length-1 > maxFrameSize {
		return nil, fmt.Errorf("%w: declared length %d", ErrMalformedFrame, length)
	}

	pdu := make([]byte, length-1)
	if len(pdu) > 0 {
		if _, err := io.ReadFull(stream, pdu); err != nil {
			return nil, err
		}
	}

	frame := make(Frame, mbapSize+len(pdu))
	copy(frame, header)
	copy(frame[mbapSize:], pdu)
	return frame, nil
}

// WriteFrame writes frame in a single sendall-equivalent; no fragmentation
// happens at this layer. Errors are returned bare (io.EOF, *net.OpError,
// ...); callers wrap them with the error kind appropriate to which socket
// (client or upstream) they were writing to.
func WriteFrame(stream net.Conn, frame Frame) error {
	_, err := stream.Write(frame)
	return err
}
