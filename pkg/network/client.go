package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/ZentaChain/zentalk-mailbox/pkg/protocol"
)

var (
	ErrServerError     = errors.New("server replied with error")
	ErrUnexpectedReply = errors.New("unexpected reply code")
	ErrNotRegistered   = errors.New("client not registered")
)

// ClientVersion is written into every request header
const ClientVersion uint8 = 2

// Client speaks the mailbox protocol over one connection. Requests are
// serialized; the protocol allows one outstanding request at a time.
type Client struct {
	conn net.Conn
	id   protocol.ClientID
	mu   sync.Mutex
}

// Dial connects to a relay. address is either host:port or a multiaddr
// such as /ip4/127.0.0.1/tcp/1357.
func Dial(ctx context.Context, address string) (*Client, error) {
	var (
		conn net.Conn
		err  error
	)

	if strings.HasPrefix(address, "/") {
		maddr, perr := ma.NewMultiaddr(address)
		if perr != nil {
			return nil, fmt.Errorf("relay address: %w", perr)
		}
		var d manet.Dialer
		conn, err = d.DialContext(ctx, maddr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	return NewClient(conn), nil
}

// NewClient wraps an established connection
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// ID returns the id assigned by Register, or the one set with SetID
func (c *Client) ID() protocol.ClientID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// SetID sets the id sent in request headers, for reconnecting clients
func (c *Client) SetID(id protocol.ClientID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Register registers name and publicKey and adopts the returned id
func (c *Client) Register(ctx context.Context, name string, publicKey protocol.PublicKey) (protocol.ClientID, error) {
	req := &protocol.RegisterRequest{Name: name, PublicKey: publicKey}

	payload, err := c.expect(ctx, protocol.CodeRegister, req.Encode(), protocol.CodeRegisterReply)
	if err != nil {
		return protocol.ClientID{}, err
	}

	var reply protocol.RegisterReply
	if err := reply.Decode(payload); err != nil {
		return protocol.ClientID{}, err
	}

	c.SetID(reply.ClientID)
	return reply.ClientID, nil
}

// ClientList returns every registered client except this one
func (c *Client) ClientList(ctx context.Context) ([]protocol.ClientListEntry, error) {
	payload, err := c.expect(ctx, protocol.CodeClientList, nil, protocol.CodeClientListReply)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeClientList(payload)
}

// PublicKey fetches the public key registered for id. The relay closes the
// connection after an ERROR reply to this request.
func (c *Client) PublicKey(ctx context.Context, id protocol.ClientID) (protocol.PublicKey, error) {
	req := &protocol.PublicKeyRequest{TargetID: id}

	payload, err := c.expect(ctx, protocol.CodePublicKeyRequest, req.Encode(), protocol.CodePublicKeyReply)
	if err != nil {
		return protocol.PublicKey{}, err
	}

	var reply protocol.PublicKeyReply
	if err := reply.Decode(payload); err != nil {
		return protocol.PublicKey{}, err
	}
	return reply.PublicKey, nil
}

// SendMessage deposits content for to and returns the message id
func (c *Client) SendMessage(ctx context.Context, to protocol.ClientID, msgType uint8, content []byte) (uint32, error) {
	req := &protocol.SendMessageRequest{To: to, Type: msgType, Content: content}

	payload, err := c.expect(ctx, protocol.CodeSendMessage, req.Encode(), protocol.CodeSendMessageReply)
	if err != nil {
		return 0, err
	}

	var reply protocol.SendMessageReply
	if err := reply.Decode(payload); err != nil {
		return 0, err
	}
	if reply.To != to {
		return 0, fmt.Errorf("%w: reply addressed to %s, sent to %s", ErrUnexpectedReply, reply.To, to)
	}
	return reply.MessageID, nil
}

// PullMessages drains every message queued for this client. Relays that
// do not enable pulling answer with ErrServerError.
func (c *Client) PullMessages(ctx context.Context) ([]protocol.PulledMessage, error) {
	if c.ID().IsZero() {
		return nil, ErrNotRegistered
	}

	payload, err := c.expect(ctx, protocol.CodePullMessages, nil, protocol.CodePullMessagesReply)
	if err != nil {
		return nil, err
	}
	return protocol.DecodePulledMessages(payload)
}

// Request sends an arbitrary request and returns the raw reply
func (c *Client) Request(ctx context.Context, code uint16, payload []byte) (*protocol.ResponseHeader, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	header, reply, err := c.roundTrip(code, payload)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, err
	}
	return header, reply, nil
}

func (c *Client) roundTrip(code uint16, payload []byte) (*protocol.ResponseHeader, []byte, error) {
	if err := protocol.WriteRequest(c.conn, c.id, ClientVersion, code, payload); err != nil {
		return nil, nil, fmt.Errorf("failed to send %s: %w", protocol.CodeName(code), err)
	}

	header, err := protocol.ReadResponseHeader(c.conn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read reply: %w", err)
	}

	reply, err := protocol.ReadPayload(c.conn, header.PayloadSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read reply payload: %w", err)
	}

	return header, reply, nil
}

// expect sends a request and checks the reply code
func (c *Client) expect(ctx context.Context, code uint16, payload []byte, want uint16) ([]byte, error) {
	header, reply, err := c.Request(ctx, code, payload)
	if err != nil {
		return nil, err
	}

	switch header.Code {
	case want:
		return reply, nil
	case protocol.CodeError:
		return nil, fmt.Errorf("%w: %s", ErrServerError, protocol.CodeName(code))
	default:
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnexpectedReply, header.Code, want)
	}
}
