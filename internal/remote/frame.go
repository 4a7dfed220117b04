// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package remote

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	frameMagic     uint32 = 0x42444431 // "BDD1"
	frameHeaderLen        = 8

	// MaxFrameSize bounds one stream message payload.
	MaxFrameSize = 16 * 1024 * 1024
)

// writeFrame writes header and payload with a single Write call.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], frameMagic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[frameHeaderLen:], payload)
	_, err := w.Write(buf)
	return err
}

// readFrame reads one frame. A clean end of stream before any header byte yields io.EOF.
func readFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: short header", ErrBadFrame)
		}
		return nil, err
	}
	if magic := binary.BigEndian.Uint32(header[0:4]); magic != frameMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrBadFrame, magic)
	}
	size := binary.BigEndian.Uint32(header[4:8])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: short payload", ErrBadFrame)
		}
		return nil, err
	}
	return payload, nil
}
