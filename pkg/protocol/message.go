package protocol

import (
	"encoding/binary"
	"fmt"
)

// Fixed payload sizes
const (
	RegisterRequestSize       = ClientNameSize + PublicKeySize
	RegisterReplySize         = ClientIDSize
	ClientListEntrySize       = ClientIDSize + ClientNameSize
	PublicKeyRequestSize      = ClientIDSize
	PublicKeyReplySize        = ClientIDSize + PublicKeySize
	SendMessageSubHeaderSize  = ClientIDSize + 1 + 4
	SendMessageReplySize      = ClientIDSize + 4
	PulledMessageSubHeaderLen = ClientIDSize + 4 + 1 + 4
)

// ===== REGISTER =====

// RegisterRequest carries the name and public key of a new client
type RegisterRequest struct {
	Name      string
	PublicKey PublicKey
}

// Encode encodes the register request to bytes
func (m *RegisterRequest) Encode() []byte {
	buf := make([]byte, RegisterRequestSize)
	encodeName(buf[0:ClientNameSize], m.Name)
	copy(buf[ClientNameSize:], m.PublicKey[:])
	return buf
}

// Decode decodes the register request. The payload must be exactly
// RegisterRequestSize bytes.
func (m *RegisterRequest) Decode(buf []byte) error {
	if len(buf) != RegisterRequestSize {
		return fmt.Errorf("%w: register payload is %d bytes, want %d", ErrMalformedFrame, len(buf), RegisterRequestSize)
	}

	m.Name = decodeName(buf[0:ClientNameSize])
	copy(m.PublicKey[:], buf[ClientNameSize:])

	return nil
}

// RegisterReply carries the id assigned to a new client
type RegisterReply struct {
	ClientID ClientID
}

// Encode encodes the register reply to bytes
func (m *RegisterReply) Encode() []byte {
	buf := make([]byte, RegisterReplySize)
	copy(buf, m.ClientID[:])
	return buf
}

// Decode decodes the register reply from bytes
func (m *RegisterReply) Decode(buf []byte) error {
	if len(buf) != RegisterReplySize {
		return fmt.Errorf("%w: register reply is %d bytes, want %d", ErrMalformedFrame, len(buf), RegisterReplySize)
	}
	copy(m.ClientID[:], buf)
	return nil
}

// ===== CLIENT LIST =====

// ClientListEntry is one (id, name) record of a client list reply
type ClientListEntry struct {
	ID   ClientID
	Name string
}

// EncodeClientList concatenates fixed-width entries in order
func EncodeClientList(entries []ClientListEntry) []byte {
	buf := make([]byte, len(entries)*ClientListEntrySize)
	offset := 0

	for _, e := range entries {
		copy(buf[offset:], e.ID[:])
		offset += ClientIDSize

		encodeName(buf[offset:offset+ClientNameSize], e.Name)
		offset += ClientNameSize
	}

	return buf
}

// DecodeClientList splits a client list payload into entries
func DecodeClientList(buf []byte) ([]ClientListEntry, error) {
	if len(buf)%ClientListEntrySize != 0 {
		return nil, fmt.Errorf("%w: client list is %d bytes, not a multiple of %d", ErrMalformedFrame, len(buf), ClientListEntrySize)
	}

	entries := make([]ClientListEntry, 0, len(buf)/ClientListEntrySize)
	for offset := 0; offset < len(buf); offset += ClientListEntrySize {
		var e ClientListEntry
		copy(e.ID[:], buf[offset:offset+ClientIDSize])
		e.Name = decodeName(buf[offset+ClientIDSize : offset+ClientListEntrySize])
		entries = append(entries, e)
	}

	return entries, nil
}

// ===== PUBLIC KEY =====

// PublicKeyRequest asks for the public key of TargetID
type PublicKeyRequest struct {
	TargetID ClientID
}

// Encode encodes the public key request to bytes
func (m *PublicKeyRequest) Encode() []byte {
	buf := make([]byte, PublicKeyRequestSize)
	copy(buf, m.TargetID[:])
	return buf
}

// Decode decodes the public key request; the payload must be exactly one id
func (m *PublicKeyRequest) Decode(buf []byte) error {
	if len(buf) != PublicKeyRequestSize {
		return fmt.Errorf("%w: public key request is %d bytes, want %d", ErrMalformedFrame, len(buf), PublicKeyRequestSize)
	}
	copy(m.TargetID[:], buf)
	return nil
}

// PublicKeyReply returns the public key registered for ID
type PublicKeyReply struct {
	ID        ClientID
	PublicKey PublicKey
}

// Encode encodes the public key reply to bytes
func (m *PublicKeyReply) Encode() []byte {
	buf := make([]byte, PublicKeyReplySize)
	copy(buf[0:ClientIDSize], m.ID[:])
	copy(buf[ClientIDSize:], m.PublicKey[:])
	return buf
}

// Decode decodes the public key reply from bytes
func (m *PublicKeyReply) Decode(buf []byte) error {
	if len(buf) != PublicKeyReplySize {
		return fmt.Errorf("%w: public key reply is %d bytes, want %d", ErrMalformedFrame, len(buf), PublicKeyReplySize)
	}
	copy(m.ID[:], buf[0:ClientIDSize])
	copy(m.PublicKey[:], buf[ClientIDSize:])
	return nil
}

// ===== SEND MESSAGE =====

// SendMessageRequest deposits Content for client To
type SendMessageRequest struct {
	To      ClientID
	Type    uint8
	Content []byte
}

// Encode encodes the send message request to bytes
func (m *SendMessageRequest) Encode() []byte {
	buf := make([]byte, SendMessageSubHeaderSize+len(m.Content))
	offset := 0

	copy(buf[offset:], m.To[:])
	offset += ClientIDSize

	buf[offset] = m.Type
	offset++

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(m.Content)))
	offset += 4

	copy(buf[offset:], m.Content)

	return buf
}

// Decode decodes the send message request. Bytes beyond the declared
// content length are ignored; fewer bytes than declared is malformed.
func (m *SendMessageRequest) Decode(buf []byte) error {
	if len(buf) < SendMessageSubHeaderSize {
		return fmt.Errorf("%w: send message payload is %d bytes, sub-header needs %d", ErrMalformedFrame, len(buf), SendMessageSubHeaderSize)
	}

	offset := 0

	copy(m.To[:], buf[offset:offset+ClientIDSize])
	offset += ClientIDSize

	m.Type = buf[offset]
	offset++

	contentLen := binary.BigEndian.Uint32(buf[offset:])
	offset += 4

	if uint64(contentLen) > uint64(len(buf)-offset) {
		return fmt.Errorf("%w: content length %d exceeds %d delivered bytes", ErrMalformedFrame, contentLen, len(buf)-offset)
	}

	m.Content = make([]byte, contentLen)
	copy(m.Content, buf[offset:offset+int(contentLen)])

	return nil
}

// SendMessageReply confirms a stored message
type SendMessageReply struct {
	To        ClientID
	MessageID uint32
}

// Encode encodes the send message reply to bytes
func (m *SendMessageReply) Encode() []byte {
	buf := make([]byte, SendMessageReplySize)
	copy(buf[0:ClientIDSize], m.To[:])
	binary.BigEndian.PutUint32(buf[ClientIDSize:], m.MessageID)
	return buf
}

// Decode decodes the send message reply from bytes
func (m *SendMessageReply) Decode(buf []byte) error {
	if len(buf) != SendMessageReplySize {
		return fmt.Errorf("%w: send message reply is %d bytes, want %d", ErrMalformedFrame, len(buf), SendMessageReplySize)
	}
	copy(m.To[:], buf[0:ClientIDSize])
	m.MessageID = binary.BigEndian.Uint32(buf[ClientIDSize:])
	return nil
}

// ===== PULL MESSAGES =====

// PulledMessage is one drained message in a pull reply
type PulledMessage struct {
	From      ClientID
	MessageID uint32
	Type      uint8
	Content   []byte
}

// EncodePulledMessages concatenates pulled messages in order
func EncodePulledMessages(msgs []PulledMessage) []byte {
	size := 0
	for _, m := range msgs {
		size += PulledMessageSubHeaderLen + len(m.Content)
	}

	buf := make([]byte, size)
	offset := 0

	for _, m := range msgs {
		copy(buf[offset:], m.From[:])
		offset += ClientIDSize

		binary.BigEndian.PutUint32(buf[offset:], m.MessageID)
		offset += 4

		buf[offset] = m.Type
		offset++

		binary.BigEndian.PutUint32(buf[offset:], uint32(len(m.Content)))
		offset += 4

		copy(buf[offset:], m.Content)
		offset += len(m.Content)
	}

	return buf
}

// DecodePulledMessages parses a pull reply payload
func DecodePulledMessages(buf []byte) ([]PulledMessage, error) {
	var msgs []PulledMessage
	offset := 0

	for offset < len(buf) {
		if len(buf)-offset < PulledMessageSubHeaderLen {
			return nil, fmt.Errorf("%w: truncated pulled message at offset %d", ErrMalformedFrame, offset)
		}

		var m PulledMessage
		copy(m.From[:], buf[offset:offset+ClientIDSize])
		offset += ClientIDSize

		m.MessageID = binary.BigEndian.Uint32(buf[offset:])
		offset += 4

		m.Type = buf[offset]
		offset++

		contentLen := binary.BigEndian.Uint32(buf[offset:])
		offset += 4

		if uint64(contentLen) > uint64(len(buf)-offset) {
			return nil, fmt.Errorf("%w: pulled message %d content overruns payload", ErrMalformedFrame, m.MessageID)
		}

		m.Content = make([]byte, contentLen)
		copy(m.Content, buf[offset:offset+int(contentLen)])
		offset += int(contentLen)

		msgs = append(msgs, m)
	}

	return msgs, nil
}
