package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrShortHeader    = errors.New("protocol: short header")
)

// RequestHeader is the fixed header that prefixes every client request
type RequestHeader struct {
	ClientID    ClientID // Claimed sender id (zero before registration)
	Version     uint8    // Client protocol version
	Code        uint16   // Request code
	PayloadSize uint32   // Payload length in bytes
}

// ResponseHeader is the fixed header that prefixes every server response
type ResponseHeader struct {
	Version     uint8
	Code        uint16
	PayloadSize uint32
}

// Encode encodes the request header to bytes
func (h *RequestHeader) Encode() []byte {
	buf := make([]byte, RequestHeaderSize)

	copy(buf[0:16], h.ClientID[:])
	buf[16] = h.Version
	binary.BigEndian.PutUint16(buf[17:19], h.Code)
	binary.BigEndian.PutUint32(buf[19:23], h.PayloadSize)

	return buf
}

// Decode decodes the request header from bytes
func (h *RequestHeader) Decode(buf []byte) error {
	if len(buf) < RequestHeaderSize {
		return fmt.Errorf("%w: request header needs %d bytes, got %d", ErrMalformedFrame, RequestHeaderSize, len(buf))
	}

	copy(h.ClientID[:], buf[0:16])
	h.Version = buf[16]
	h.Code = binary.BigEndian.Uint16(buf[17:19])
	h.PayloadSize = binary.BigEndian.Uint32(buf[19:23])

	return nil
}

// Encode encodes the response header to bytes
func (h *ResponseHeader) Encode() []byte {
	buf := make([]byte, ResponseHeaderSize)

	buf[0] = h.Version
	binary.BigEndian.PutUint16(buf[1:3], h.Code)
	binary.BigEndian.PutUint32(buf[3:7], h.PayloadSize)

	return buf
}

// Decode decodes the response header from bytes
func (h *ResponseHeader) Decode(buf []byte) error {
	if len(buf) < ResponseHeaderSize {
		return fmt.Errorf("%w: response header needs %d bytes, got %d", ErrMalformedFrame, ResponseHeaderSize, len(buf))
	}

	h.Version = buf[0]
	h.Code = binary.BigEndian.Uint16(buf[1:3])
	h.PayloadSize = binary.BigEndian.Uint32(buf[3:7])

	return nil
}

// ReadRequestHeader reads a request header from an io.Reader. A peer that
// closes before a full header arrives yields ErrShortHeader.
func ReadRequestHeader(r io.Reader) (*RequestHeader, error) {
	buf := make([]byte, RequestHeaderSize)

	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}

	header := &RequestHeader{}
	if err := header.Decode(buf); err != nil {
		return nil, err
	}

	return header, nil
}

// ReadResponseHeader reads a response header from an io.Reader
func ReadResponseHeader(r io.Reader) (*ResponseHeader, error) {
	buf := make([]byte, ResponseHeaderSize)

	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}

	header := &ResponseHeader{}
	if err := header.Decode(buf); err != nil {
		return nil, err
	}

	return header, nil
}

// ReadPayload reads exactly size bytes, accumulating across short reads
func ReadPayload(r io.Reader, size uint32) ([]byte, error) {
	payload := make([]byte, size)
	if size == 0 {
		return payload, nil
	}

	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return payload, nil
}

// WriteRequest writes a request header followed by its payload in one write
func WriteRequest(w io.Writer, clientID ClientID, version uint8, code uint16, payload []byte) error {
	h := &RequestHeader{
		ClientID:    clientID,
		Version:     version,
		Code:        code,
		PayloadSize: uint32(len(payload)),
	}

	buf := append(h.Encode(), payload...)
	_, err := w.Write(buf)
	return err
}

// WriteResponse writes a response header followed by its payload in one write
func WriteResponse(w io.Writer, code uint16, payload []byte) error {
	h := &ResponseHeader{
		Version:     ServerVersion,
		Code:        code,
		PayloadSize: uint32(len(payload)),
	}

	buf := append(h.Encode(), payload...)
	_, err := w.Write(buf)
	return err
}
