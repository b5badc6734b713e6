// Package protocol defines the length-prefixed wire encoding used on the
// outbound TCP stream.
//
// Each unit on the wire is:
//
//	Length  [4 bytes] - Payload length (big-endian)
//	Payload [Length bytes]
//
// The prefix preserves UDP datagram boundaries across the TCP byte stream.
// A stream that violates the format (short read, oversized length) is
// desynchronized and cannot be resumed mid-frame.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the length prefix in bytes.
	HeaderSize = 4

	// MaxPayloadSize is the largest payload a frame may carry. It matches
	// the practical ceiling of a single IPv4 UDP datagram, the only thing
	// the gateway ever frames.
	MaxPayloadSize = 65507
)

var (
	// ErrFrameTooLarge is returned when a frame length exceeds MaxPayloadSize.
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed.
	ErrInvalidFrame = errors.New("invalid frame")
)

// EncodeFrame serializes a payload into a length-prefixed frame.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	return buf, nil
}

// ReadFrame reads one length-prefixed frame from r and returns its payload.
// It is the decode helper for TCP-side consumers of the gateway's outbound
// stream; the gateway itself never decodes.
//
// io.EOF is returned only on a clean boundary (no bytes of the next frame
// read). A short read mid-frame returns io.ErrUnexpectedEOF: the stream is
// desynchronized and must be discarded, not retried.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated length prefix", ErrInvalidFrame)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: length %d", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: truncated payload", ErrInvalidFrame)
			}
			return nil, err
		}
	}

	return payload, nil
}

// FrameWriter writes length-prefixed frames to an io.Writer. Each frame is
// issued as a single Write call so one datagram always maps to exactly one
// frame on the wire.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write frames the payload and writes it.
func (fw *FrameWriter) Write(payload []byte) error {
	data, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}

// FrameReader reads length-prefixed frames from an io.Reader.
type FrameReader struct {
	r io.Reader
}

// NewFrameReader creates a new FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Read returns the payload of the next frame.
func (fr *FrameReader) Read() ([]byte, error) {
	return ReadFrame(fr.r)
}
