// Package protocol implements the mailbox relay wire protocol.
//
// The protocol package defines the request and response codes, the fixed
// headers, and the binary payload layouts exchanged between a client and
// the relay over a single stream connection.
//
// # Protocol Overview
//
// Every exchange is one request followed by one response on the same
// connection. A connection may carry any number of request/response
// cycles, one at a time; pipelining is not supported.
//
// Requests (6xx):
//   - Register (600): name + public key, answered with a new client id
//   - ClientList (601): list every other registered client
//   - PublicKeyRequest (602): fetch the public key of one client
//   - SendMessage (603): deposit a message for another client
//   - PullMessages (604): drain messages waiting for the caller (optional)
//
// Responses (21xx):
//   - RegisterReply (2100), ClientListReply (2101), PublicKeyReply (2102),
//     SendMessageReply (2103), PullMessagesReply (2104)
//   - Error (9000): generic failure, always with an empty payload
//
// # Header Format
//
// Request header, 23 bytes:
//   - ClientID (16 bytes): sender id claimed by the client (zero before registration)
//   - Version (1 byte): client protocol version
//   - Code (2 bytes): request code
//   - PayloadSize (4 bytes): payload length
//
// Response header, 7 bytes:
//   - Version (1 byte): always ServerVersion
//   - Code (2 bytes): response code
//   - PayloadSize (4 bytes): payload length
//
// # Message Encoding
//
// All integers are unsigned big-endian. Names occupy a 255-byte field,
// NUL-padded and truncated on encode, cut at the first NUL on decode.
// Public keys are opaque 160-byte blocks. Message content is the only
// variable-length field and is prefixed with its 4-byte length.
//
// # Usage Example
//
//	req := &protocol.SendMessageRequest{
//	    To:      peerID,
//	    Type:    protocol.MessageTypeText,
//	    Content: ciphertext,
//	}
//	if err := protocol.WriteRequest(conn, myID, 2, protocol.CodeSendMessage, req.Encode()); err != nil {
//	    return err
//	}
//
//	header, err := protocol.ReadResponseHeader(conn)
//	...
//
// # Security Considerations
//
// The relay never authenticates the ClientID in a request header and never
// inspects message content. Confidentiality and sender authenticity are the
// responsibility of the clients.
package protocol
