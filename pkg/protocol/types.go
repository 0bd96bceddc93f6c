package protocol

import (
	"bytes"

	"github.com/google/uuid"
)

// Protocol constants
const (
	// Version written into every server response
	ServerVersion uint8 = 1

	// Field sizes shared with the client
	ClientIDSize   = 16
	ClientNameSize = 255
	PublicKeySize  = 160

	// Header sizes
	RequestHeaderSize  = ClientIDSize + 1 + 2 + 4
	ResponseHeaderSize = 1 + 2 + 4
)

// Request codes
const (
	CodeRegister         uint16 = 600
	CodeClientList       uint16 = 601
	CodePublicKeyRequest uint16 = 602
	CodeSendMessage      uint16 = 603
	CodePullMessages     uint16 = 604
)

// Response codes
const (
	CodeRegisterReply     uint16 = 2100
	CodeClientListReply   uint16 = 2101
	CodePublicKeyReply    uint16 = 2102
	CodeSendMessageReply  uint16 = 2103
	CodePullMessagesReply uint16 = 2104
	CodeError             uint16 = 9000
)

// Message types carried in SendMessageRequest.Type. The relay never
// interprets them; they are listed for clients.
const (
	MessageTypeKeyRequest uint8 = 1
	MessageTypeKeyReply   uint8 = 2
	MessageTypeText       uint8 = 3
	MessageTypeFile       uint8 = 4
)

// ClientID identifies a registered client (16 bytes)
type ClientID [ClientIDSize]byte

// PublicKey is the fixed-size opaque key block a client registers with
type PublicKey [PublicKeySize]byte

// String renders the id in canonical UUID form
func (id ClientID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether the id is all zero bytes (unregistered client)
func (id ClientID) IsZero() bool {
	return id == ClientID{}
}

// ParseClientID parses a UUID string (with or without dashes) into a ClientID
func ParseClientID(s string) (ClientID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ClientID{}, err
	}
	return ClientID(u), nil
}

// CodeName returns a human-readable name for a request or response code
func CodeName(code uint16) string {
	switch code {
	case CodeRegister:
		return "register"
	case CodeClientList:
		return "client_list"
	case CodePublicKeyRequest:
		return "public_key"
	case CodeSendMessage:
		return "send_message"
	case CodePullMessages:
		return "pull_messages"
	case CodeRegisterReply:
		return "register_reply"
	case CodeClientListReply:
		return "client_list_reply"
	case CodePublicKeyReply:
		return "public_key_reply"
	case CodeSendMessageReply:
		return "send_message_reply"
	case CodePullMessagesReply:
		return "pull_messages_reply"
	case CodeError:
		return "error"
	default:
		return "unknown"
	}
}

// encodeName writes name into a fixed-width NUL-padded field, truncating
// anything longer than ClientNameSize.
func encodeName(dst []byte, name string) {
	n := copy(dst[:ClientNameSize], name)
	for i := n; i < ClientNameSize; i++ {
		dst[i] = 0
	}
}

// decodeName reads a fixed-width name field up to the first NUL
func decodeName(src []byte) string {
	field := src[:ClientNameSize]
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(bytes.ToValidUTF8(field, nil))
}
